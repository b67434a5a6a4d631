// Package bridge: the remote-bridge driver and its peer endpoints
// (WebSocket and framed TCP/QUIC streams).
package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/driver"
	"dev.c0redev.radionode/internal/proto"
)

// ErrBusy: another bridge peer is already active.
var ErrBusy = errors.New("bridge busy")

// Peer: one connected remote bridge.
type Peer interface {
	Send(m proto.BridgeMessage) error
	// Name tags inbound frames (user agent or remote addr).
	Name() string
}

// Hooks the node wires in.
type Hooks struct {
	OnUp  func() // after a peer is accepted
	Drain func() // opportunistic outbox drain
}

// Hub: remote-bridge driver. Claims frames only while a peer is active.
type Hub struct {
	mtu     int
	rateHz  float64
	inbound driver.Inbound
	hooks   Hooks
	log     zerolog.Logger

	mu     sync.Mutex
	active Peer
	since  time.Time
	tx     uint64
	rx     uint64
	busy   uint64
}

func NewHub(mtu int, rateHz float64, inbound driver.Inbound, hooks Hooks, log zerolog.Logger) *Hub {
	return &Hub{mtu: mtu, rateHz: rateHz, inbound: inbound, hooks: hooks, log: log}
}

func (h *Hub) ID() string   { return "ws-bridge-1" }
func (h *Hub) Kind() string { return driver.KindBridge }

func (h *Hub) IsUp() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active != nil
}

func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := map[string]any{"connected": h.active != nil, "tx": h.tx, "rx": h.rx, "busy_rejects": h.busy}
	if h.active != nil {
		st["peer"] = h.active.Name()
		st["since"] = h.since.UnixMilli()
	}
	return st
}

// Send wraps frame as tx{bytes_b64} for the active peer.
func (h *Hub) Send(frame []byte) bool {
	h.mu.Lock()
	p := h.active
	h.mu.Unlock()
	if p == nil {
		return false
	}
	if err := p.Send(proto.NewTx(frame)); err != nil {
		h.log.Debug().Err(err).Str("peer", p.Name()).Msg("bridge tx failed")
		return false
	}
	h.mu.Lock()
	h.tx++
	h.mu.Unlock()
	return true
}

// Accept makes p the active peer, or ErrBusy. Caller follows with Up.
func (h *Hub) Accept(p Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		h.busy++
		return ErrBusy
	}
	h.active = p
	h.since = time.Now()
	return nil
}

// Up greets an accepted peer with hello{mtu, rate_hz}, then runs OnUp.
func (h *Hub) Up(p Peer) {
	h.log.Info().Str("peer", p.Name()).Msg("bridge up")
	if err := p.Send(proto.BridgeMessage{Type: proto.MsgHello, MTU: h.mtu, RateHz: h.rateHz}); err != nil {
		h.log.Debug().Err(err).Msg("bridge hello")
	}
	if h.hooks.OnUp != nil {
		h.hooks.OnUp()
	}
}

// Release clears p if it is the active peer.
func (h *Hub) Release(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == p {
		h.active = nil
		h.log.Info().Str("peer", p.Name()).Msg("bridge down")
	}
}

// Handle one raw message from p. rx -> inbound, ping -> pong. Always drains.
func (h *Hub) Handle(p Peer, raw []byte) {
	defer h.drain()
	m, err := proto.UnmarshalBridge(raw)
	if err != nil {
		h.log.Debug().Err(err).Msg("bridge: malformed message")
		return
	}
	switch m.Type {
	case proto.MsgRx:
		if m.Topic == "" {
			return
		}
		b, err := m.Bytes()
		if err != nil {
			h.log.Debug().Err(err).Str("topic", m.Topic).Msg("bridge: bad rx bytes")
			return
		}
		h.mu.Lock()
		h.rx++
		h.mu.Unlock()
		if h.inbound != nil {
			h.inbound(m.Topic, b, m.Seq, p.Name())
		}
	case proto.MsgPing:
		_ = p.Send(proto.BridgeMessage{Type: proto.MsgPong, TS: time.Now().UnixMilli()})
	}
}

func (h *Hub) drain() {
	if h.hooks.Drain != nil {
		h.hooks.Drain()
	}
}

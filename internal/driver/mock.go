package driver

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/proto"
)

// MockSource tags frames looped back by the mock driver.
const MockSource = "mock-loopback"

// MockConfig: simulated link behaviour.
type MockConfig struct {
	Enabled  bool    `json:"enabled"`
	Loopback bool    `json:"loopback"`
	DelayMs  int     `json:"delay_ms"`
	JitterMs int     `json:"jitter_ms"`
	LossPct  float64 `json:"loss_pct"`
}

func (c MockConfig) clamped() MockConfig {
	c.DelayMs = max(0, c.DelayMs)
	c.JitterMs = max(0, c.JitterMs)
	c.LossPct = min(100, max(0, c.LossPct))
	return c
}

// Mock: loopback simulator. Claims only while enabled.
type Mock struct {
	mu      sync.Mutex
	cfg     MockConfig
	inbound Inbound
	rnd     func() float64
	timers  map[*time.Timer]struct{}
	closed  bool
	sent    uint64
	lost    uint64
	log     zerolog.Logger
}

func NewMock(inbound Inbound, log zerolog.Logger) *Mock {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	return &Mock{
		inbound: inbound,
		rnd: func() float64 {
			rmu.Lock()
			defer rmu.Unlock()
			return r.Float64()
		},
		timers: make(map[*time.Timer]struct{}),
		log:    log,
	}
}

// SetRand overrides the [0,1) source used for loss and jitter (tests).
func (m *Mock) SetRand(f func() float64) {
	m.mu.Lock()
	m.rnd = f
	m.mu.Unlock()
}

func (m *Mock) ID() string   { return "mock-1" }
func (m *Mock) Kind() string { return KindMock }

func (m *Mock) IsUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled
}

func (m *Mock) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{"mock": m.cfg, "sent": m.sent, "lost": m.lost, "pending": len(m.timers)}
}

// Enable replaces the config (clamped) and turns the mock on.
func (m *Mock) Enable(cfg MockConfig) MockConfig {
	cfg = cfg.clamped()
	cfg.Enabled = true
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg
}

// Disable turns the mock off; true if it was on.
func (m *Mock) Disable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.cfg.Enabled
	m.cfg.Enabled = false
	return was
}

// Config current.
func (m *Mock) Config() MockConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Send claims frame when enabled. Loss drops after claiming; loopback decodes
// and replays into inbound after delay ± jitter.
func (m *Mock) Send(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.Enabled || m.closed {
		return false
	}
	m.sent++
	if m.cfg.LossPct > 0 && m.rnd()*100 < m.cfg.LossPct {
		m.lost++
		return true
	}
	if !m.cfg.Loopback {
		return true
	}
	f, err := proto.DecodeRF(frame)
	if err != nil {
		m.log.Warn().Err(err).Msg("mock loopback: undecodable frame")
		return true
	}
	delay := m.cfg.DelayMs
	if m.cfg.JitterMs > 0 {
		delay += int((m.rnd()*2 - 1) * float64(m.cfg.JitterMs))
	}
	seq := f.Seq
	var t *time.Timer
	t = time.AfterFunc(time.Duration(max(0, delay))*time.Millisecond, func() {
		m.mu.Lock()
		delete(m.timers, t)
		closed := m.closed
		m.mu.Unlock()
		if !closed && m.inbound != nil {
			m.inbound(f.Topic, f.Payload, &seq, MockSource)
		}
	})
	m.timers[t] = struct{}{}
	return true
}

// Close stops pending loopback deliveries.
func (m *Mock) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
		delete(m.timers, t)
	}
}

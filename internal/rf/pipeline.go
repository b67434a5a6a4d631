// Package rf fragments payloads into MTU-bounded frames, paces them onto the
// outbox at the profile rate and drains the outbox into the driver registry.
package rf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/proto"
)

// ErrMTUTooSmall: header alone fills the MTU for this topic/codec.
var ErrMTUTooSmall = errors.New("mtu too small for topic/codec header")

// Offerer takes a frame; true = claimed. *driver.Registry satisfies it.
type Offerer interface {
	Offer(frame []byte) bool
}

// Pipeline: pacing queue -> outbox -> drivers.
type Pipeline struct {
	mtu   int
	offer Offerer
	now   func() time.Time
	log   zerolog.Logger

	mu       sync.Mutex
	seq      map[string]uint32
	queue    [][]byte
	outbox   [][]byte
	draining bool
	rerun    bool
}

func New(mtu int, offer Offerer, log zerolog.Logger) *Pipeline {
	return &Pipeline{mtu: mtu, offer: offer, now: time.Now, log: log, seq: make(map[string]uint32)}
}

// SetClock overrides time.Now for frame timestamps (tests).
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// MTU in effect.
func (p *Pipeline) MTU() int { return p.mtu }

// Enqueue fragments payload into frames of at most MaxPayload bytes, each
// with the next per-topic sequence, appends them to the pacing queue and
// takes one Step. Empty payload is a no-op.
func (p *Pipeline) Enqueue(topic string, payload []byte, codec string) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	if len(topic) > proto.MaxFieldLen || len(codec) > proto.MaxFieldLen {
		return 0, proto.ErrFieldTooLong
	}
	chunk := proto.MaxPayload(p.mtu, topic, codec)
	if chunk <= 0 {
		p.log.Warn().Str("topic", topic).Str("codec", codec).Int("mtu", p.mtu).Msg("mtu too small, dropping payload")
		return 0, ErrMTUTooSmall
	}
	ts := uint64(p.now().UnixMilli())
	frames := make([][]byte, 0, (len(payload)+chunk-1)/chunk)

	p.mu.Lock()
	for o := 0; o < len(payload); o += chunk {
		p.seq[topic]++
		b, _ := proto.EncodeRF(&proto.RFFrame{
			Seq:       p.seq[topic],
			Timestamp: ts,
			Codec:     codec,
			Topic:     topic,
			Payload:   payload[o:min(len(payload), o+chunk)],
		})
		frames = append(frames, b)
	}
	p.queue = append(p.queue, frames...)
	p.mu.Unlock()

	metrics.RecordEnqueued(codec, len(frames))
	p.Step()
	return len(frames), nil
}

// Step moves at most one frame from the pacing queue to the outbox, then drains.
func (p *Pipeline) Step() {
	p.mu.Lock()
	if len(p.queue) > 0 {
		p.outbox = append(p.outbox, p.queue[0])
		p.queue[0] = nil
		p.queue = p.queue[1:]
	}
	p.mu.Unlock()
	p.Drain()
}

// Drain offers the outbox head until a frame goes unclaimed. A Drain that
// arrives while another is running marks a rerun and returns.
func (p *Pipeline) Drain() {
	p.mu.Lock()
	if p.draining {
		p.rerun = true
		p.mu.Unlock()
		return
	}
	p.draining = true
	for {
		p.rerun = false
		for len(p.outbox) > 0 {
			head := p.outbox[0]
			p.mu.Unlock()
			ok := p.offer.Offer(head)
			p.mu.Lock()
			if !ok {
				break
			}
			// only Drain pops, so head is still outbox[0]
			p.outbox[0] = nil
			p.outbox = p.outbox[1:]
		}
		if !p.rerun {
			break
		}
	}
	p.draining = false
	q, o := len(p.queue), len(p.outbox)
	p.mu.Unlock()
	metrics.SetRFDepth(q, o)
}

// Run ticks Step every interval until ctx is done.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Step()
		}
	}
}

func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) OutboxLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outbox)
}

// LastSeq allocated for topic (0 = none yet).
func (p *Pipeline) LastSeq(topic string) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq[topic]
}

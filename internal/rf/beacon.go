package rf

import (
	"context"
	"encoding/json"
	"time"

	"dev.c0redev.radionode/internal/proto"
)

// Announcement: discovery beacon payload.
type Announcement struct {
	ID      string  `json:"id"`
	Profile string  `json:"profile,omitempty"`
	RateHz  float64 `json:"rate_hz,omitempty"`
	MTU     int     `json:"mtu,omitempty"`
	TS      int64   `json:"ts,omitempty"`
}

// Beacon periodically enqueues this node's announcement on control:beacon.
type Beacon struct {
	Pipeline *Pipeline
	Self     Announcement
}

// Emit enqueues one beacon now.
func (b *Beacon) Emit() (int, error) {
	a := b.Self
	a.TS = b.Pipeline.now().UnixMilli()
	payload, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}
	return b.Pipeline.Enqueue(proto.TopicBeacon, payload, proto.CodecBeacon)
}

// Run emits every interval until ctx is done.
func (b *Beacon) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := b.Emit(); err != nil {
				b.Pipeline.log.Debug().Err(err).Msg("beacon")
			}
		}
	}
}

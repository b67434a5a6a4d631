// Package ledger is the inbound dedup set: topic#seq -> first seen, one
// persisted record per entry, TTL-pruned.
package ledger

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/proto"
	"dev.c0redev.radionode/internal/store"
)

// record: persisted form.
type record struct {
	Topic string `json:"topic"`
	Seq   uint32 `json:"seq"`
	TS    int64  `json:"ts"` // ms
}

// Ledger: seen-set. Safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	bucket store.Bucket
	ttl    time.Duration // 0 = keep forever
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures Open.
type Option func(*Ledger)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Key: "topic#seq".
func Key(topic string, seq uint32) string {
	return topic + "#" + strconv.FormatUint(uint64(seq), 10)
}

// Open hydrates from bucket; expired and corrupt records are deleted.
func Open(bucket store.Bucket, ttl time.Duration, log zerolog.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		seen:   make(map[string]time.Time),
		bucket: bucket,
		ttl:    ttl,
		now:    time.Now,
		log:    log,
	}
	for _, o := range opts {
		o(l)
	}
	recs, err := bucket.Load()
	if err != nil {
		return nil, err
	}
	now := l.now()
	var dropped int
	for _, r := range recs {
		var rec record
		if err := json.Unmarshal(r.Body, &rec); err != nil || rec.Topic == "" {
			l.remove(r.ID)
			dropped++
			continue
		}
		ts := time.UnixMilli(rec.TS)
		if l.expired(ts, now) {
			l.remove(r.ID)
			dropped++
			continue
		}
		l.seen[Key(rec.Topic, rec.Seq)] = ts
	}
	l.log.Info().Int("entries", len(l.seen)).Int("dropped", dropped).Msg("rx ledger loaded")
	return l, nil
}

func (l *Ledger) expired(ts, now time.Time) bool {
	return l.ttl > 0 && now.Sub(ts) > l.ttl
}

func (l *Ledger) remove(id string) {
	if err := l.bucket.Delete(id); err != nil {
		l.log.Warn().Err(err).Str("key", id).Msg("rx ledger delete")
	}
}

// Observe marks topic#seq seen. fresh=false for a repeat. control:* topics are
// never recorded and always fresh.
func (l *Ledger) Observe(topic string, seq uint32) (fresh bool) {
	if strings.HasPrefix(topic, proto.ControlPrefix) {
		return true
	}
	key := Key(topic, seq)
	now := l.now()
	l.mu.Lock()
	if _, ok := l.seen[key]; ok {
		l.mu.Unlock()
		return false
	}
	l.seen[key] = now
	l.mu.Unlock()

	body, _ := json.Marshal(record{Topic: topic, Seq: seq, TS: now.UnixMilli()})
	if err := l.bucket.Put(key, body); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rx ledger persist")
	}
	return true
}

// Seen reports whether topic#seq is recorded.
func (l *Ledger) Seen(topic string, seq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[Key(topic, seq)]
	return ok
}

// Sweep drops TTL-expired entries from memory and disk. Returns count.
func (l *Ledger) Sweep() int {
	if l.ttl <= 0 {
		return 0
	}
	now := l.now()
	var stale []string
	l.mu.Lock()
	for k, ts := range l.seen {
		if l.expired(ts, now) {
			delete(l.seen, k)
			stale = append(stale, k)
		}
	}
	l.mu.Unlock()
	for _, k := range stale {
		l.remove(k)
	}
	return len(stale)
}

// Len: entries in memory.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

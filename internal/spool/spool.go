// Package spool is the disk-backed cloud-forward queue: items are persisted
// one record each, retried with capped exponential backoff and evicted by
// TTL, byte and item caps (oldest first).
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/store"
)

// ErrForward wraps every forwarder failure.
var ErrForward = errors.New("cloud forward failed")

var errBadBody = errors.New("spool body is not valid JSON")

// Forwarder delivers one body to the cloud. nil = delivered.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) error
}

// Item: one queued forward. Times are unix ms (on-disk format).
type Item struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	Tries     int             `json:"tries"`
	NextAt    int64           `json:"nextAt"`
	CreatedAt int64           `json:"createdAt"`
	Size      int64           `json:"size"`
}

// Config: retry and cap policy. Caps <= 0 are disabled.
type Config struct {
	Base     float64
	Scale    time.Duration
	Ceiling  time.Duration
	Jitter   time.Duration
	MaxItems int
	MaxBytes int64
	TTL      time.Duration
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Base:     1.8,
		Scale:    700 * time.Millisecond,
		Ceiling:  15 * time.Second,
		Jitter:   400 * time.Millisecond,
		MaxItems: 2000,
		MaxBytes: 100 << 20,
		TTL:      7 * 24 * time.Hour,
		Interval: 750 * time.Millisecond,
	}
}

// Backoff for an item that has failed tries times (no jitter).
func (c Config) Backoff(tries int) time.Duration {
	ms := math.Floor(math.Pow(c.Base, float64(tries)) * float64(c.Scale.Milliseconds()))
	d := time.Duration(ms) * time.Millisecond
	if c.Ceiling > 0 && d > c.Ceiling {
		d = c.Ceiling
	}
	return d
}

// Queue: in-memory index over a bucket. Safe for concurrent use.
type Queue struct {
	cfg    Config
	bucket store.Bucket
	fwd    Forwarder
	log    zerolog.Logger
	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	mu    sync.Mutex
	items []*Item // oldest first
	bytes int64

	cloudOK atomic.Bool
}

// Option configures Open.
type Option func(*Queue)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithRand draws jitter from r (tests).
func WithRand(r *rand.Rand) Option {
	return func(q *Queue) {
		var mu sync.Mutex
		q.jitter = func(max time.Duration) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			return time.Duration(r.Int63n(int64(max)))
		}
	}
}

// Open hydrates the queue from bucket. Corrupt, expired and duplicate
// records are deleted, then caps are enforced.
func Open(bucket store.Bucket, fwd Forwarder, cfg Config, log zerolog.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		cfg:    cfg,
		bucket: bucket,
		fwd:    fwd,
		log:    log,
		now:    time.Now,
		jitter: func(max time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(max))) },
	}
	for _, o := range opts {
		o(q)
	}
	q.cloudOK.Store(true)
	recs, err := bucket.Load()
	if err != nil {
		return nil, err
	}
	now := q.now()
	seen := make(map[string]bool, len(recs))
	var dropped int
	for _, r := range recs {
		var it Item
		if err := json.Unmarshal(r.Body, &it); err != nil || it.ID == "" || len(it.Body) == 0 || string(it.Body) == "null" {
			q.remove(r.ID)
			dropped++
			continue
		}
		if q.expired(&it, now) || seen[it.ID] {
			q.remove(r.ID)
			dropped++
			continue
		}
		seen[it.ID] = true
		if it.Size <= 0 {
			it.Size = int64(len(it.Body))
		}
		q.items = append(q.items, &it)
		q.bytes += it.Size
	}
	q.mu.Lock()
	q.enforceLocked(now)
	n, b := len(q.items), q.bytes
	q.mu.Unlock()
	q.log.Info().Int("items", n).Int64("bytes", b).Int("dropped", dropped).Msg("spool loaded")
	return q, nil
}

func (q *Queue) expired(it *Item, now time.Time) bool {
	return q.cfg.TTL > 0 && now.Sub(time.UnixMilli(it.CreatedAt)) > q.cfg.TTL
}

func (q *Queue) remove(id string) {
	if err := q.bucket.Delete(id); err != nil {
		q.log.Warn().Err(err).Str("item", id).Msg("spool delete")
	}
}

func (q *Queue) persist(it *Item) {
	b, err := json.Marshal(it)
	if err == nil {
		err = q.bucket.Put(it.ID, b)
	}
	if err != nil {
		q.log.Warn().Err(err).Str("item", it.ID).Msg("spool persist")
	}
}

// Submit queues body (JSON) under id ("" = new uuid) for forwarding now.
func (q *Queue) Submit(id string, body []byte) (string, error) {
	if !json.Valid(body) {
		return "", errBadBody
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := q.now()
	it := &Item{
		ID:        id,
		Body:      append(json.RawMessage(nil), body...),
		NextAt:    now.UnixMilli(),
		CreatedAt: now.UnixMilli(),
		Size:      int64(len(body)),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persist(it)
	q.items = append(q.items, it)
	q.bytes += it.Size
	q.enforceLocked(now)
	return id, nil
}

// ForwardOrSubmit tries one immediate forward and queues body only when it
// fails. Returns forwarded=true when delivered.
func (q *Queue) ForwardOrSubmit(ctx context.Context, id string, body []byte) (forwarded bool, err error) {
	if !json.Valid(body) {
		return false, errBadBody
	}
	if id == "" {
		id = uuid.NewString()
	}
	if q.forward(ctx, id, body) == nil {
		return true, nil
	}
	_, err = q.Submit(id, body)
	return false, err
}

func (q *Queue) forward(ctx context.Context, id string, body []byte) error {
	start := time.Now()
	err := q.fwd.Forward(ctx, body)
	q.cloudOK.Store(err == nil)
	metrics.RecordForward(err == nil, time.Since(start))
	if err != nil {
		q.log.Debug().Err(err).Str("item", id).Msg("cloud forward")
	}
	return err
}

// DrainOnce attempts every due item once. The forward call runs without
// the queue lock; an item evicted meanwhile stays gone. Returns delivered count.
func (q *Queue) DrainOnce(ctx context.Context) int {
	type due struct {
		id   string
		body []byte
	}
	now := q.now().UnixMilli()
	q.mu.Lock()
	var batch []due
	for _, it := range q.items {
		if it.NextAt <= now {
			batch = append(batch, due{it.ID, it.Body})
		}
	}
	q.mu.Unlock()

	delivered := 0
	for _, d := range batch {
		if ctx.Err() != nil {
			break
		}
		err := q.forward(ctx, d.id, d.body)
		q.mu.Lock()
		i := q.indexLocked(d.id)
		if i < 0 {
			q.mu.Unlock()
			continue
		}
		it := q.items[i]
		if err == nil {
			q.dropLocked(i)
			delivered++
		} else {
			it.Tries++
			it.NextAt = q.now().Add(q.cfg.Backoff(it.Tries) + q.drawJitter()).UnixMilli()
			q.persist(it)
		}
		q.enforceLocked(q.now())
		q.mu.Unlock()
	}
	return delivered
}

func (q *Queue) drawJitter() time.Duration {
	if q.cfg.Jitter <= 0 {
		return 0
	}
	return q.jitter(q.cfg.Jitter)
}

func (q *Queue) indexLocked(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// dropLocked removes items[i] from memory and disk.
func (q *Queue) dropLocked(i int) {
	it := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.bytes -= it.Size
	q.remove(it.ID)
}

// enforceLocked applies TTL, then byte cap, then item cap.
func (q *Queue) enforceLocked(now time.Time) {
	var ttl, overBytes, overItems int
	for i := len(q.items) - 1; i >= 0; i-- {
		if q.expired(q.items[i], now) {
			q.dropLocked(i)
			ttl++
		}
	}
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].CreatedAt < q.items[j].CreatedAt })
	for q.cfg.MaxBytes > 0 && q.bytes > q.cfg.MaxBytes && len(q.items) > 0 {
		q.dropLocked(0)
		overBytes++
	}
	for q.cfg.MaxItems > 0 && len(q.items) > q.cfg.MaxItems {
		q.dropLocked(0)
		overItems++
	}
	if n := ttl + overBytes + overItems; n > 0 {
		metrics.RecordEvicted("ttl", ttl)
		metrics.RecordEvicted("bytes", overBytes)
		metrics.RecordEvicted("items", overItems)
		q.log.Info().Int("ttl", ttl).Int("bytes", overBytes).Int("items", overItems).Msg("spool evicted")
	}
	metrics.SetSpool(len(q.items), q.bytes)
}

// Run drains every cfg.Interval until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	t := time.NewTicker(q.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.DrainOnce(ctx)
		}
	}
}

// CloudOK: result of the most recent forward (true before any attempt).
func (q *Queue) CloudOK() bool { return q.cloudOK.Load() }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes: sum of queued item sizes.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Items: copies, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Package neighbor tracks peers learned from discovery beacons.
package neighbor

import (
	"sort"
	"sync"
	"time"
)

// Neighbor: last announcement from a peer.
type Neighbor struct {
	ID        string    `json:"id"`
	Profile   string    `json:"profile"`
	RateHz    float64   `json:"rate_hz"`
	MTU       int       `json:"mtu"`
	UserAgent string    `json:"userAgent,omitempty"`
	SeenAt    time.Time `json:"seenAt"`
}

// Table: TTL-expiring map keyed by peer id. Stale entries are removed when a
// read observes them.
type Table struct {
	mu  sync.Mutex
	m   map[string]Neighbor
	ttl time.Duration
	now func() time.Time
}

func New(ttl time.Duration) *Table {
	return &Table{m: make(map[string]Neighbor), ttl: ttl, now: time.Now}
}

// SetClock overrides time.Now (tests).
func (t *Table) SetClock(now func() time.Time) { t.now = now }

// TTL configured.
func (t *Table) TTL() time.Duration { return t.ttl }

// Upsert merges n over the previous entry (non-zero fields win) and stamps SeenAt.
func (t *Table) Upsert(n Neighbor) {
	if n.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.m[n.ID]
	if n.Profile == "" {
		n.Profile = prev.Profile
	}
	if n.RateHz == 0 {
		n.RateHz = prev.RateHz
	}
	if n.MTU == 0 {
		n.MTU = prev.MTU
	}
	if n.UserAgent == "" {
		n.UserAgent = prev.UserAgent
	}
	n.SeenAt = t.now()
	t.m[n.ID] = n
}

// Current returns live entries, newest first.
func (t *Table) Current() []Neighbor {
	now := t.now()
	t.mu.Lock()
	out := make([]Neighbor, 0, len(t.m))
	for id, n := range t.m {
		if now.Sub(n.SeenAt) <= t.ttl {
			out = append(out, n)
		} else {
			delete(t.m, id)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.After(out[j].SeenAt) })
	return out
}

// Size of the backing map, stale entries included.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

package driver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/metrics"
)

// Dispatch modes.
const (
	FirstClaim = "first-claim"
	Broadcast  = "broadcast"
	Prefer     = "prefer"
)

// Policy decides which drivers see a frame and in what order.
type Policy struct {
	Mode  string
	Kinds []string // Prefer only
}

// ParsePolicy: "first-claim" | "broadcast" | "prefer:<kind>[,<kind>]". "" = first-claim.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == FirstClaim:
		return Policy{Mode: FirstClaim}, nil
	case s == Broadcast:
		return Policy{Mode: Broadcast}, nil
	case strings.HasPrefix(s, Prefer+":"):
		var kinds []string
		for _, k := range strings.Split(strings.TrimPrefix(s, Prefer+":"), ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
		if len(kinds) == 0 {
			return Policy{}, fmt.Errorf("dispatch policy %q: no kinds", s)
		}
		return Policy{Mode: Prefer, Kinds: kinds}, nil
	}
	return Policy{}, fmt.Errorf("unknown dispatch policy %q", s)
}

func (p Policy) String() string {
	if p.Mode == Prefer {
		return Prefer + ":" + strings.Join(p.Kinds, ",")
	}
	if p.Mode == "" {
		return FirstClaim
	}
	return p.Mode
}

// Info: snapshot row for /bridge/transports.
type Info struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Up    bool           `json:"up"`
	Stats map[string]any `json:"stats,omitempty"`
}

// Registry: drivers in registration order, at most one per kind.
type Registry struct {
	mu      sync.RWMutex
	drivers []Driver
	policy  Policy
	log     zerolog.Logger
}

func NewRegistry(p Policy, log zerolog.Logger) *Registry {
	return &Registry{policy: p, log: log}
}

// Policy in effect.
func (r *Registry) Policy() Policy { return r.policy }

// Register adds d; false if its kind is already registered.
func (r *Registry) Register(d Driver) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.drivers {
		if x.Kind() == d.Kind() {
			return false
		}
	}
	r.drivers = append(r.drivers, d)
	r.log.Info().Str("driver", d.ID()).Str("kind", d.Kind()).Msg("driver registered")
	return true
}

// Get returns the driver of kind or nil.
func (r *Registry) Get(kind string) Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.drivers {
		if d.Kind() == kind {
			return d
		}
	}
	return nil
}

// Len: registered drivers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers)
}

// ordered returns drivers in the order the policy offers them.
func (r *Registry) ordered() []Driver {
	r.mu.RLock()
	list := append([]Driver(nil), r.drivers...)
	r.mu.RUnlock()
	if r.policy.Mode != Prefer {
		return list
	}
	out := make([]Driver, 0, len(list))
	used := make([]bool, len(list))
	for _, k := range r.policy.Kinds {
		for i, d := range list {
			if !used[i] && d.Kind() == k {
				out = append(out, d)
				used[i] = true
			}
		}
	}
	for i, d := range list {
		if !used[i] {
			out = append(out, d)
		}
	}
	return out
}

// Offer hands frame to drivers per policy. True if any driver claimed it.
func (r *Registry) Offer(frame []byte) bool {
	claimed := false
	for _, d := range r.ordered() {
		if !r.send(d, frame) {
			continue
		}
		claimed = true
		metrics.RecordSent(d.Kind())
		if r.policy.Mode != Broadcast {
			break
		}
	}
	return claimed
}

// send: a panicking driver counts as not claiming.
func (r *Registry) send(d Driver, frame []byte) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("driver", d.ID()).Interface("panic", p).Msg("driver send panicked")
			ok = false
		}
	}()
	return d.Send(frame)
}

// Snapshot of every driver, registration order.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	list := append([]Driver(nil), r.drivers...)
	r.mu.RUnlock()
	out := make([]Info, 0, len(list))
	for _, d := range list {
		out = append(out, Info{ID: d.ID(), Kind: d.Kind(), Up: d.IsUp(), Stats: d.Stats()})
	}
	return out
}

// AnyUp true if some driver reports up.
func (r *Registry) AnyUp() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.drivers {
		if d.IsUp() {
			return true
		}
	}
	return false
}

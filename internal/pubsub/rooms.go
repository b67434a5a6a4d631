// Package pubsub: topic rooms of live subscribers (WebSocket clients).
package pubsub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Subscriber receives encoded messages. A Send error marks it as gone for
// this broadcast; removal from rooms is the owner's job (LeaveAll).
type Subscriber interface {
	Send(msg []byte) error
}

// Rooms maps topic -> subscribers.
type Rooms struct {
	log   zerolog.Logger
	mu    sync.RWMutex
	rooms map[string]map[Subscriber]struct{}
}

func New(log zerolog.Logger) *Rooms {
	return &Rooms{log: log, rooms: make(map[string]map[Subscriber]struct{})}
}

// Join adds sub to topic. Joining twice is a no-op.
func (r *Rooms) Join(topic string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[topic]
	if room == nil {
		room = make(map[Subscriber]struct{})
		r.rooms[topic] = room
	}
	room[sub] = struct{}{}
}

// LeaveAll removes sub from every room; empty rooms are dropped.
func (r *Rooms) LeaveAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, room := range r.rooms {
		delete(room, sub)
		if len(room) == 0 {
			delete(r.rooms, topic)
		}
	}
}

// Broadcast encodes msg once and sends it to every subscriber of topic.
// Subscribers that error are skipped. Returns how many accepted it.
func (r *Rooms) Broadcast(topic string, msg any) int {
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("broadcast encode")
		return 0
	}
	return r.BroadcastRaw(topic, b)
}

// BroadcastRaw sends pre-encoded bytes. Sends happen outside the lock.
func (r *Rooms) BroadcastRaw(topic string, b []byte) int {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.rooms[topic]))
	for s := range r.rooms[topic] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range subs {
		if err := s.Send(b); err != nil {
			r.log.Debug().Err(err).Str("topic", topic).Msg("subscriber send failed")
			continue
		}
		n++
	}
	return n
}

// Rooms lists topics with at least one subscriber, sorted.
func (r *Rooms) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for t := range r.rooms {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len: subscribers in topic.
func (r *Rooms) Len(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[topic])
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/node"
)

const (
	wsPingInterval = 15 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second

	// GHXTopicPrefix maps a container id to its room.
	GHXTopicPrefix = "ucs://local/"

	CodeRFPayloadTooLarge = "RF_PAYLOAD_TOO_LARGE"
)

// wsSubscriber is a room member backed by one socket; writes serialized.
type wsSubscriber struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsSubscriber) Send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsSubscriber) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(b)
}

func (c *wsSubscriber) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// keepalive pings every wsPingInterval and calls tick (if set) on the same
// schedule, until done closes or a write fails.
func (c *wsSubscriber) keepalive(done <-chan struct{}, tick func() error) {
	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	go func() {
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if c.ping() != nil {
					return
				}
				if tick != nil && tick() != nil {
					return
				}
			}
		}
	}()
}

// readLoop hands each message to fn until the socket closes.
func (c *wsSubscriber) readLoop(log zerolog.Logger, fn func([]byte)) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("ws read")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		fn(msg)
	}
}

func graphParam(r *http.Request) string {
	kg := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kg")))
	if kg == "" {
		return node.DefaultGraph
	}
	return kg
}

// withRecipient copies meta and stamps graph and recipient (omitted when empty).
func withRecipient(meta map[string]any, graph, recipient string) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["graph"] = graph
	if recipient != "" {
		out["recipient"] = recipient
	} else {
		delete(out, "recipient")
	}
	return out
}

type wsInbound struct {
	Capsule json.RawMessage `json:"capsule"`
	Meta    map[string]any  `json:"meta"`
	Glyphs  json.RawMessage `json:"glyphs"`
}

var echoCapsule = json.RawMessage(`{"glyphs":["(echo)"]}`)

// glyphnetCapsule picks the capsule from a client message: its capsule field,
// else the whole message, else an echo placeholder for unparseable input.
func glyphnetCapsule(msg []byte) (json.RawMessage, map[string]any) {
	if !json.Valid(msg) {
		return echoCapsule, nil
	}
	var in wsInbound
	if json.Unmarshal(msg, &in) != nil {
		// valid JSON but not an object (array, string, number)
		return json.RawMessage(msg), nil
	}
	if len(in.Capsule) > 0 && string(in.Capsule) != "null" {
		return in.Capsule, in.Meta
	}
	if string(msg) == "null" {
		return echoCapsule, nil
	}
	return json.RawMessage(msg), in.Meta
}

// HandleGlyphnetWS serves /ws/glyphnet?topic=&kg=. Joins the topic room,
// fans client capsules out to it and forwards voice payloads over RF.
func (s *Server) HandleGlyphnetWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	topic := r.URL.Query().Get("topic")
	kg := graphParam(r)
	key := node.TopicKey(topic, kg)
	log := s.log.With().Str("ws", "glyphnet").Str("room", key).Logger()

	c := &wsSubscriber{conn: conn}
	s.Node.Rooms.Join(key, c)
	defer s.Node.Rooms.LeaveAll(c)
	c.sendJSON(map[string]any{"type": "glyphnet/hello", "topic": topic, "kg": kg, "at": s.now().UnixMilli()})

	done := make(chan struct{})
	defer close(done)
	c.keepalive(done, nil)

	c.readLoop(log, func(msg []byte) {
		capsule, meta := glyphnetCapsule(msg)
		s.Node.Rooms.Broadcast(key, node.Event{Type: node.EventCapsule, Envelope: node.Envelope{
			Capsule: capsule,
			Meta:    withRecipient(meta, kg, topic),
			TS:      s.now().UnixMilli(),
			ID:      node.NewMsgID(),
		}})
		kind, v := voiceOf(capsule)
		if v == nil {
			return
		}
		size, err := s.enqueueVoice(key, v)
		switch {
		case errors.Is(err, errTooLarge):
			c.sendJSON(map[string]any{
				"type": "error",
				"code": CodeRFPayloadTooLarge,
				"details": map[string]any{
					"kind": kind, "size": size, "max": s.Node.Cfg.RF.MaxIngressBytes,
				},
			})
		case err != nil:
			log.Debug().Err(err).Str("kind", kind).Msg("voice not sent over rf")
		}
	})
}

// HandleGHXWS serves /ws/ghx?id=&kg=. A container joins room ucs://local/<id>,
// gets a heartbeat on the ping schedule and may publish capsules or glyphs.
func (s *Server) HandleGHXWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	id := r.URL.Query().Get("id")
	if id == "" {
		id = "unknown"
	}
	kg := graphParam(r)
	topic := GHXTopicPrefix + id
	key := node.TopicKey(topic, kg)
	log := s.log.With().Str("ws", "ghx").Str("room", key).Logger()

	c := &wsSubscriber{conn: conn}
	s.Node.Rooms.Join(key, c)
	defer s.Node.Rooms.LeaveAll(c)
	c.sendJSON(map[string]any{"type": "ghx/hello", "id": id, "topic": topic, "kg": kg, "at": s.now().UnixMilli()})

	done := make(chan struct{})
	defer close(done)
	c.keepalive(done, func() error {
		return c.sendJSON(map[string]any{"type": "ghx/heartbeat", "at": s.now().UnixMilli(), "id": id, "topic": topic})
	})

	c.readLoop(log, func(msg []byte) {
		var in wsInbound
		if json.Unmarshal(msg, &in) != nil {
			return
		}
		capsule := in.Capsule
		if len(capsule) == 0 || string(capsule) == "null" {
			capsule = ghxGlyphs(in.Glyphs)
		}
		if capsule == nil {
			return
		}
		s.Node.Rooms.Broadcast(key, node.Event{Type: node.EventCapsule, Envelope: node.Envelope{
			Capsule: capsule,
			Meta:    withRecipient(in.Meta, kg, topic),
			TS:      s.now().UnixMilli(),
			ID:      node.NewMsgID(),
		}})
	})
}

// ghxGlyphs wraps a glyphs field as {glyphs:[...]}; a scalar becomes a
// one-element list. nil when absent.
func ghxGlyphs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []any
	if json.Unmarshal(raw, &list) != nil {
		var one any
		json.Unmarshal(raw, &one)
		s, ok := one.(string)
		if !ok {
			b, _ := json.Marshal(one)
			s = string(b)
		}
		list = []any{s}
	}
	b, _ := json.Marshal(map[string]any{"glyphs": list})
	return b
}

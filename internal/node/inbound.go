package node

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/ledger"
	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/neighbor"
	"dev.c0redev.radionode/internal/profile"
	"dev.c0redev.radionode/internal/proto"
	"dev.c0redev.radionode/internal/pubsub"
	"dev.c0redev.radionode/internal/rf"
)

// EventCapsule: fanout event type for delivered capsules.
const EventCapsule = "glyphnet_capsule"

// DefaultGraph when a topic carries no graph prefix.
const DefaultGraph = "personal"

// Event: what room subscribers receive.
type Event struct {
	Type     string   `json:"type"`
	Envelope Envelope `json:"envelope"`
}

// Envelope wraps a capsule with routing meta.
type Envelope struct {
	Capsule json.RawMessage `json:"capsule"`
	Meta    map[string]any  `json:"meta"`
	TS      int64           `json:"ts"`
	ID      string          `json:"id"`
}

// rfCapsule: synthetic capsule for bytes heard on the link.
type rfCapsule struct {
	Glyphs     []string `json:"glyphs"`
	RFBytesLen int      `json:"rf_bytes_len"`
	DataB64    string   `json:"data_b64,omitempty"`
}

// TopicKey: "<graph>:<recipient>", graph lowercased, default personal.
func TopicKey(recipient, graph string) string {
	graph = strings.ToLower(strings.TrimSpace(graph))
	if graph == "" {
		graph = DefaultGraph
	}
	return graph + ":" + recipient
}

// GraphOf: topic prefix before the first ':' (DefaultGraph if none).
func GraphOf(topic string) string {
	if g, _, ok := strings.Cut(topic, ":"); ok && g != "" {
		return g
	}
	return DefaultGraph
}

// NewMsgID for envelopes and spool items.
func NewMsgID() string { return uuid.NewString() }

// Inbound is the single path for bytes heard on any link: dedup, then
// beacon -> neighbor table, else fanout to the topic room.
type Inbound struct {
	Ledger    *ledger.Ledger
	Neighbors *neighbor.Table
	Rooms     *pubsub.Rooms
	Profile   *profile.Table
	FanoutRaw bool
	Self      string // own node id; looped-back beacons are ignored
	Now       func() time.Time
	Log       zerolog.Logger
}

func (p *Inbound) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Process implements driver.Inbound.
func (p *Inbound) Process(topic string, payload []byte, seq *uint32, source string) {
	if seq != nil && !proto.IsControl(topic) && !p.Ledger.Observe(topic, *seq) {
		metrics.RecordInbound("duplicate")
		p.Log.Debug().Str("topic", topic).Uint32("seq", *seq).Str("source", source).Msg("duplicate dropped")
		return
	}
	if topic == proto.TopicBeacon {
		p.beacon(payload, source)
		return
	}
	if proto.IsControl(topic) {
		metrics.RecordInbound("control")
		return
	}
	c := rfCapsule{Glyphs: []string{"(rf)"}, RFBytesLen: len(payload)}
	if p.FanoutRaw {
		c.DataB64 = base64.StdEncoding.EncodeToString(payload)
	}
	raw, _ := json.Marshal(c)
	n := p.Rooms.Broadcast(topic, Event{
		Type: EventCapsule,
		Envelope: Envelope{
			Capsule: raw,
			Meta:    map[string]any{"graph": GraphOf(topic)},
			TS:      p.now().UnixMilli(),
			ID:      NewMsgID(),
		},
	})
	metrics.RecordInbound("fanout")
	p.Log.Debug().Str("topic", topic).Int("bytes", len(payload)).Int("subscribers", n).Str("source", source).Msg("rf inbound")
}

func (p *Inbound) beacon(payload []byte, source string) {
	var a rf.Announcement
	if err := json.Unmarshal(payload, &a); err != nil || a.ID == "" {
		metrics.RecordInbound("malformed")
		p.Log.Debug().Err(err).Str("source", source).Msg("bad beacon")
		return
	}
	if a.ID == p.Self {
		metrics.RecordInbound("beacon")
		return
	}
	active := p.Profile.Active()
	n := neighbor.Neighbor{
		ID:        a.ID,
		Profile:   a.Profile,
		RateHz:    a.RateHz,
		MTU:       a.MTU,
		UserAgent: source,
	}
	if n.Profile == "" {
		n.Profile = p.Profile.Name()
	}
	if n.RateHz == 0 {
		n.RateHz = active.RateHz
	}
	if n.MTU == 0 {
		n.MTU = active.MTU
	}
	p.Neighbors.Upsert(n)
	metrics.RecordInbound("beacon")
	metrics.SetNeighbors(p.Neighbors.Size())
}

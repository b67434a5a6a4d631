// Package api is the node's HTTP surface: health, bridge ingress, discovery,
// glyphnet tx, dev mock controls and the WebSocket endpoints.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dev.c0redev.radionode/internal/auth"
	"dev.c0redev.radionode/internal/bridge"
	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/node"
)

// DevInjectorSource tags frames injected through /dev/rf/mock/rx.
const DevInjectorSource = "dev-injector"

// Server holds API deps.
type Server struct {
	Node     *node.Node
	log      zerolog.Logger
	upgrader websocket.Upgrader
	rflink   *bridge.WSHandler
	now      func() time.Time
}

// New returns API server.
func New(n *node.Node, log zerolog.Logger) *Server {
	return &Server{
		Node: n,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rflink: bridge.NewWSHandler(n.Hub, n.Verifier),
		now:    time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, extra ...any) {
	body := map[string]any{"ok": false, "error": msg}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			body[k] = extra[i+1]
		}
	}
	writeJSON(w, status, body)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// b64Body accepts data_b64, bytes_b64 or b64 (first non-empty wins).
type b64Body struct {
	DataB64  string `json:"data_b64"`
	BytesB64 string `json:"bytes_b64"`
	B64      string `json:"b64"`
}

func (b b64Body) encoded() string {
	for _, s := range []string{b.DataB64, b.BytesB64, b.B64} {
		if s != "" {
			return s
		}
	}
	return ""
}

// HandleRoot GET /
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("radionode up: try /health or WebSocket at /ws/glyphnet\n"))
}

// HealthResponse body for GET /health.
type HealthResponse struct {
	OK                bool            `json:"ok"`
	CloudOK           bool            `json:"cloudOk"`
	Queue             int             `json:"queue"`
	RFQueue           int             `json:"rfQueue"`
	RFOutbox          int             `json:"rfOutbox"`
	Neighbors         int             `json:"neighbors"`
	TS                int64           `json:"ts"`
	Profile           string          `json:"profile"`
	Active            json.RawMessage `json:"active"`
	Profiles          []string        `json:"profiles"`
	MaxRFIngressBytes int             `json:"maxRfIngressBytes"`
	NodeID            string          `json:"nodeId"`
}

func (s *Server) activeJSON() json.RawMessage {
	a := s.Node.Profiles.Active()
	b, _ := json.Marshal(map[string]any{"MTU": a.MTU, "RATE_HZ": a.RateHz})
	return b
}

// HandleHealth GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	n := s.Node
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:                true,
		CloudOK:           n.CloudOK(),
		Queue:             n.SpoolLen(),
		RFQueue:           n.Pipeline.QueueLen(),
		RFOutbox:          n.Pipeline.OutboxLen(),
		Neighbors:         len(n.Neighbors.Current()),
		TS:                s.now().UnixMilli(),
		Profile:           n.Profiles.Name(),
		Active:            s.activeJSON(),
		Profiles:          n.Profiles.Names(),
		MaxRFIngressBytes: n.Cfg.RF.MaxIngressBytes,
		NodeID:            n.ID,
	})
}

// HandleBridgeHealth GET /bridge/health
func (s *Server) HandleBridgeHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	n := s.Node
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"ts":                s.now().UnixMilli(),
		"profile":           n.Profiles.Name(),
		"active":            s.activeJSON(),
		"rfQueue":           n.Pipeline.QueueLen(),
		"rfOutbox":          n.Pipeline.OutboxLen(),
		"maxRfIngressBytes": n.Cfg.RF.MaxIngressBytes,
	})
}

// HandleTransports GET /bridge/transports
func (s *Server) HandleTransports(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"policy":   s.Node.Registry.Policy().String(),
		"drivers":  s.Node.Registry.Snapshot(),
		"rfOutbox": s.Node.Pipeline.OutboxLen(),
	})
}

// BridgeTxRequest body for POST /bridge/tx.
type BridgeTxRequest struct {
	Topic string `json:"topic"`
	Graph string `json:"graph"`
	Codec string `json:"codec"`
	b64Body
}

// HandleBridgeTx POST /bridge/tx; bridge token (+ sig) required.
func (s *Server) HandleBridgeTx(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.Node.Verifier.VerifyRequest(r); err != nil {
		writeErr(w, auth.HTTPStatus(err), err.Error())
		return
	}
	var req BridgeTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	enc := req.encoded()
	if req.Topic == "" || enc == "" {
		writeErr(w, http.StatusBadRequest, "missing topic or data_b64")
		return
	}
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid base64")
		return
	}
	limit := s.Node.Cfg.RF.MaxIngressBytes
	if len(b) > limit {
		writeErr(w, http.StatusRequestEntityTooLarge, "too large", "size", len(b), "max", limit)
		return
	}
	topic := node.TopicKey(req.Topic, req.Graph)
	if _, err := s.Node.EnqueueRF(topic, b, req.Codec); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	active := s.Node.Profiles.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"topic":    topic,
		"mtu":      active.MTU,
		"rate_hz":  active.RateHz,
		"rfQueue":  s.Node.Pipeline.QueueLen(),
		"rfOutbox": s.Node.Pipeline.OutboxLen(),
	})
}

// HandleNeighbors GET /discovery/neighbors
func (s *Server) HandleNeighbors(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"ttl_ms":    s.Node.Neighbors.TTL().Milliseconds(),
		"neighbors": s.Node.Neighbors.Current(),
	})
}

// voicePart: capsule voice_frame / voice_note.
type voicePart struct {
	Mime    string `json:"mime"`
	DataB64 string `json:"data_b64"`
}

type voiceCapsule struct {
	VoiceFrame *voicePart `json:"voice_frame"`
	VoiceNote  *voicePart `json:"voice_note"`
}

// voiceOf returns the first voice payload in capsule (frame before note).
func voiceOf(capsule json.RawMessage) (kind string, v *voicePart) {
	var c voiceCapsule
	if json.Unmarshal(capsule, &c) != nil {
		return "", nil
	}
	if c.VoiceFrame != nil && c.VoiceFrame.DataB64 != "" {
		return "voice_frame", c.VoiceFrame
	}
	if c.VoiceNote != nil && c.VoiceNote.DataB64 != "" {
		return "voice_note", c.VoiceNote
	}
	return "", nil
}

var errTooLarge = errors.New("rf payload too large")

// enqueueVoice decodes and enqueues a voice payload on topic. Returns the
// decoded size; errTooLarge above the ingress ceiling.
func (s *Server) enqueueVoice(topic string, v *voicePart) (int, error) {
	b, err := base64.StdEncoding.DecodeString(v.DataB64)
	if err != nil {
		return 0, err
	}
	if len(b) > s.Node.Cfg.RF.MaxIngressBytes {
		return len(b), errTooLarge
	}
	_, err = s.Node.EnqueueRF(topic, b, v.Mime)
	return len(b), err
}

// TxRequest body for POST /api/glyphnet/tx.
type TxRequest struct {
	Recipient string          `json:"recipient"`
	Graph     string          `json:"graph"`
	Capsule   json.RawMessage `json:"capsule"`
	Meta      map[string]any  `json:"meta"`
}

// TxResponse body.
type TxResponse struct {
	OK        bool   `json:"ok"`
	MsgID     string `json:"msg_id"`
	Forwarded bool   `json:"forwarded"`
	Queued    bool   `json:"queued"`
}

// HandleGlyphnetTx POST /api/glyphnet/tx: local fanout, voice -> RF, cloud forward.
func (s *Server) HandleGlyphnetTx(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req TxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	graph := strings.ToLower(strings.TrimSpace(req.Graph))
	if graph == "" {
		graph = node.DefaultGraph
	}
	key := node.TopicKey(req.Recipient, graph)
	id := node.NewMsgID()
	capsule := req.Capsule
	if len(capsule) == 0 || string(capsule) == "null" {
		capsule = json.RawMessage(`{}`)
	}
	meta := make(map[string]any, len(req.Meta)+2)
	for k, v := range req.Meta {
		meta[k] = v
	}
	meta["graph"] = graph
	meta["recipient"] = req.Recipient

	s.Node.Rooms.Broadcast(key, node.Event{Type: node.EventCapsule, Envelope: node.Envelope{
		Capsule: capsule, Meta: meta, TS: s.now().UnixMilli(), ID: id,
	}})

	if kind, v := voiceOf(capsule); v != nil {
		if size, err := s.enqueueVoice(key, v); err != nil {
			s.log.Debug().Err(err).Str("kind", kind).Int("size", size).Str("topic", key).Msg("voice not sent over rf")
		}
	}

	resp := TxResponse{OK: true, MsgID: id}
	if s.Node.Spool != nil {
		body, _ := json.Marshal(map[string]any{"recipient": req.Recipient, "graph": graph, "capsule": capsule, "meta": meta})
		fwd, err := s.Node.Spool.ForwardOrSubmit(r.Context(), id, body)
		if err != nil {
			s.log.Warn().Err(err).Str("item", id).Msg("spool submit")
		}
		resp.Forwarded = fwd
		resp.Queued = !fwd && err == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// mockStatus body for the dev mock endpoints.
func (s *Server) mockStatus() map[string]any {
	cfg := s.Node.Mock.Config()
	return map[string]any{
		"ok":       true,
		"enabled":  cfg.Enabled,
		"config":   cfg,
		"drivers":  s.Node.Registry.Snapshot(),
		"rfOutbox": s.Node.Pipeline.OutboxLen(),
	}
}

// HandleMockStatus GET /dev/rf/mock/status
func (s *Server) HandleMockStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.mockStatus())
}

// MockEnableRequest: fields left out keep their current value.
type MockEnableRequest struct {
	Loopback *bool    `json:"loopback"`
	DelayMs  *int     `json:"delay_ms"`
	JitterMs *int     `json:"jitter_ms"`
	LossPct  *float64 `json:"loss_pct"`
}

// HandleMockEnable POST /dev/rf/mock/enable
func (s *Server) HandleMockEnable(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req MockEnableRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "bad request")
			return
		}
	}
	cfg := s.Node.Mock.Config()
	if req.Loopback != nil {
		cfg.Loopback = *req.Loopback
	}
	if req.DelayMs != nil {
		cfg.DelayMs = *req.DelayMs
	}
	if req.JitterMs != nil {
		cfg.JitterMs = *req.JitterMs
	}
	if req.LossPct != nil {
		cfg.LossPct = *req.LossPct
	}
	cfg = s.Node.Mock.Enable(cfg)
	s.Node.Pipeline.Drain()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": cfg})
}

// HandleMockDisable POST /dev/rf/mock/disable
func (s *Server) HandleMockDisable(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.Node.Mock.Disable()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": s.Node.Mock.Config()})
}

// MockRxRequest body for POST /dev/rf/mock/rx.
type MockRxRequest struct {
	Topic string  `json:"topic"`
	Seq   *uint32 `json:"seq"`
	b64Body
}

// HandleMockRx POST /dev/rf/mock/rx: inject bytes as if heard on the link.
func (s *Server) HandleMockRx(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req MockRxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	enc := req.encoded()
	if req.Topic == "" || enc == "" {
		writeErr(w, http.StatusBadRequest, "missing topic or data_b64")
		return
	}
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid base64")
		return
	}
	s.Node.Inbound.Process(req.Topic, b, req.Seq, DevInjectorSource)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "len": len(b)})
}

// CORS allows any origin (browser UIs talk to the node directly).
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Bridge-Token, X-Bridge-Sig")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for WebSocket upgrades.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

var routes = map[string]bool{
	"/": true, "/health": true, "/bridge/health": true, "/bridge/transports": true,
	"/bridge/tx": true, "/discovery/neighbors": true, "/api/glyphnet/tx": true, "/metrics": true,
	"/dev/rf/mock/status": true, "/dev/rf/mock/enable": true, "/dev/rf/mock/disable": true,
	"/dev/rf/mock/rx": true,
}

// routeLabel keeps the metrics path label bounded.
func routeLabel(path string) string {
	if routes[path] {
		return path
	}
	return "other"
}

// LogRequests counts every request and logs failures.
func LogRequests(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			// upgrades need the raw writer (http.Hijacker)
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), sw.code)
		if sw.code >= 400 {
			log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", sw.code).Msg("api")
		}
	})
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next.ServeHTTP(w, r)
	})
}

// Mount registers routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/", s.HandleRoot)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/bridge/health", s.HandleBridgeHealth)
	mux.HandleFunc("/bridge/transports", s.HandleTransports)
	mux.HandleFunc("/bridge/tx", s.HandleBridgeTx)
	mux.HandleFunc("/discovery/neighbors", s.HandleNeighbors)
	mux.HandleFunc("/api/glyphnet/tx", s.HandleGlyphnetTx)
	mux.HandleFunc("/ws/glyphnet", s.HandleGlyphnetWS)
	mux.HandleFunc("/ws/ghx", s.HandleGHXWS)
	mux.Handle("/ws/rflink", s.rflink)
	mux.Handle("/metrics", promhttp.Handler())
	if s.Node.Cfg.Node.DevEndpoints {
		mux.HandleFunc("/dev/rf/mock/status", s.HandleMockStatus)
		mux.HandleFunc("/dev/rf/mock/enable", s.HandleMockEnable)
		mux.HandleFunc("/dev/rf/mock/disable", s.HandleMockDisable)
		mux.HandleFunc("/dev/rf/mock/rx", s.HandleMockRx)
	}
}

// Handler: mux with CORS, body limit and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	// JSON bodies carry base64, so allow ~4/3 of the ingress ceiling plus slack
	limit := int64(s.Node.Cfg.RF.MaxIngressBytes)*4/3 + 64<<10
	return LogRequests(s.log, LimitBody(limit, CORS(mux)))
}

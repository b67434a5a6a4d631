package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dev.c0redev.radionode/internal/config"
	"dev.c0redev.radionode/internal/node"
	"dev.c0redev.radionode/internal/spool"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Band.ProfileFile = ""
	cfg.RF.BeaconInterval.Duration = 0
	return cfg
}

func newServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	n, err := node.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return New(n, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

// capture is a room member that keeps every decoded event.
type capture struct {
	mu  sync.Mutex
	got []node.Event
}

func (c *capture) Send(b []byte) error {
	var ev node.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
	return nil
}

func (c *capture) events() []node.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]node.Event(nil), c.got...)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestHealth(t *testing.T) {
	s := newServer(t, testConfig(t))
	h := s.Handler()

	rr, body := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, true, body["cloudOk"])
	require.Equal(t, "NA-915", body["profile"])
	require.Equal(t, s.Node.ID, body["nodeId"])
	require.EqualValues(t, 512*1024, body["maxRfIngressBytes"])
	active := body["active"].(map[string]any)
	require.EqualValues(t, 180, active["MTU"])
	require.EqualValues(t, 10, active["RATE_HZ"])
	require.Len(t, body["profiles"], 3)

	rr, _ = do(t, h, http.MethodPost, "/health", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr, body = do(t, h, http.MethodGet, "/bridge/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 0, body["rfOutbox"])

	rr, body = do(t, h, http.MethodGet, "/bridge/transports", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "first-claim", body["policy"])
	require.NotEmpty(t, body["drivers"])
}

func TestRootAndCORS(t *testing.T) {
	h := newServer(t, testConfig(t)).Handler()
	rr, _ := do(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "radionode up")

	rr, _ = do(t, h, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, h, http.MethodOptions, "/bridge/tx", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestBridgeTxAuth(t *testing.T) {
	h := newServer(t, testConfig(t)).Handler()
	rr, body := do(t, h, http.MethodPost, "/bridge/tx", map[string]any{"topic": "bob", "data_b64": b64("hi")})
	require.Equal(t, http.StatusNotImplemented, rr.Code, "no token configured")
	require.Equal(t, false, body["ok"])

	cfg := testConfig(t)
	cfg.Bridge.Token = "secret"
	h = newServer(t, cfg).Handler()
	rr, _ = do(t, h, http.MethodPost, "/bridge/tx", map[string]any{"topic": "bob", "data_b64": b64("hi")},
		"Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBridgeTx(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Token = "secret"
	cfg.RF.MaxIngressBytes = 8
	s := newServer(t, cfg)
	h := s.Handler()
	tok := []string{"X-Bridge-Token", "secret"}

	rr, body := do(t, h, http.MethodPost, "/bridge/tx", map[string]any{
		"topic": "bob", "graph": "Work", "codec": "opus", "bytes_b64": b64("hello"),
	}, tok...)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "work:bob", body["topic"])
	require.EqualValues(t, 180, body["mtu"])
	require.EqualValues(t, 10, body["rate_hz"])
	require.EqualValues(t, 0, body["rfQueue"])
	require.EqualValues(t, 1, body["rfOutbox"], "no driver up; frame parked")
	require.EqualValues(t, 1, s.Node.Pipeline.LastSeq("work:bob"))

	rr, _ = do(t, h, http.MethodPost, "/bridge/tx", map[string]any{"topic": "bob"}, tok...)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, h, http.MethodPost, "/bridge/tx", map[string]any{"topic": " ", "b64": b64("x")}, tok...)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, h, http.MethodPost, "/bridge/tx", map[string]any{"topic": "bob", "data_b64": "%%%"}, tok...)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body = do(t, h, http.MethodPost, "/bridge/tx", map[string]any{"topic": "bob", "data_b64": b64("123456789")}, tok...)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.EqualValues(t, 9, body["size"])
	require.EqualValues(t, 8, body["max"])
}

func TestNeighbors(t *testing.T) {
	h := newServer(t, testConfig(t)).Handler()
	rr, body := do(t, h, http.MethodGet, "/discovery/neighbors", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 60000, body["ttl_ms"])
	require.Equal(t, []any{}, body["neighbors"])
}

func TestGlyphnetTxLocalOnly(t *testing.T) {
	s := newServer(t, testConfig(t))
	c := &capture{}
	s.Node.Rooms.Join("personal:bob", c)

	rr, body := do(t, s.Handler(), http.MethodPost, "/api/glyphnet/tx", map[string]any{
		"recipient": "bob",
		"capsule":   map[string]any{"glyphs": []string{"hi"}, "voice_frame": map[string]any{"mime": "audio/opus", "data_b64": b64("voice")}},
		"meta":      map[string]any{"from": "alice"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, false, body["forwarded"])
	require.Equal(t, false, body["queued"])
	id, _ := body["msg_id"].(string)
	require.NotEmpty(t, id)

	evs := c.events()
	require.Len(t, evs, 1)
	require.Equal(t, node.EventCapsule, evs[0].Type)
	require.Equal(t, id, evs[0].Envelope.ID)
	require.Equal(t, "personal", evs[0].Envelope.Meta["graph"])
	require.Equal(t, "alice", evs[0].Envelope.Meta["from"])
	require.Equal(t, "bob", evs[0].Envelope.Meta["recipient"])

	require.EqualValues(t, 1, s.Node.Pipeline.LastSeq("personal:bob"), "voice frame went to rf")
}

func TestGlyphnetTxForwardsOrQueues(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	var paths []string
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		w.WriteHeader(status)
	}))
	defer cloud.Close()

	cfg := testConfig(t)
	cfg.Cloud.Base = cloud.URL
	s := newServer(t, cfg)
	require.NotNil(t, s.Node.Spool)
	h := s.Handler()

	rr, body := do(t, h, http.MethodPost, "/api/glyphnet/tx", map[string]any{"recipient": "bob", "capsule": map[string]any{}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, body["forwarded"])
	require.Equal(t, false, body["queued"])
	require.Zero(t, s.Node.SpoolLen())

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	rr, body = do(t, h, http.MethodPost, "/api/glyphnet/tx", map[string]any{"recipient": "bob", "capsule": map[string]any{}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, body["forwarded"])
	require.Equal(t, true, body["queued"])
	require.Equal(t, 1, s.Node.SpoolLen())
	require.False(t, s.Node.CloudOK())

	mu.Lock()
	require.Equal(t, []string{spool.TxPath, spool.TxPath}, paths)
	mu.Unlock()
}

func TestDevMockEndpoints(t *testing.T) {
	s := newServer(t, testConfig(t))
	h := s.Handler()

	rr, body := do(t, h, http.MethodGet, "/dev/rf/mock/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, body["enabled"])

	rr, body = do(t, h, http.MethodPost, "/dev/rf/mock/enable", map[string]any{"loopback": true, "delay_ms": 5})
	require.Equal(t, http.StatusOK, rr.Code)
	cfg := body["config"].(map[string]any)
	require.Equal(t, true, cfg["enabled"])
	require.Equal(t, true, cfg["loopback"])
	require.EqualValues(t, 5, cfg["delay_ms"])

	// omitted fields keep their value
	rr, body = do(t, h, http.MethodPost, "/dev/rf/mock/enable", map[string]any{"loss_pct": 10})
	require.Equal(t, http.StatusOK, rr.Code)
	cfg = body["config"].(map[string]any)
	require.Equal(t, true, cfg["loopback"])
	require.EqualValues(t, 5, cfg["delay_ms"])
	require.EqualValues(t, 10, cfg["loss_pct"])

	rr, _ = do(t, h, http.MethodPost, "/dev/rf/mock/disable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, s.Node.Mock.Config().Enabled)

	c := &capture{}
	s.Node.Rooms.Join("personal:bob", c)
	rr, body = do(t, h, http.MethodPost, "/dev/rf/mock/rx", map[string]any{"topic": "personal:bob", "seq": 7, "data_b64": b64("abc")})
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 3, body["len"])
	require.Len(t, c.events(), 1)
	require.True(t, s.Node.Ledger.Seen("personal:bob", 7))

	// replay is deduplicated
	do(t, h, http.MethodPost, "/dev/rf/mock/rx", map[string]any{"topic": "personal:bob", "seq": 7, "data_b64": b64("abc")})
	require.Len(t, c.events(), 1)

	rr, _ = do(t, h, http.MethodPost, "/dev/rf/mock/rx", map[string]any{"topic": "personal:bob"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDevEndpointsOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.DevEndpoints = false
	h := newServer(t, cfg).Handler()
	rr, _ := do(t, h, http.MethodGet, "/dev/rf/mock/status", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServer(t, testConfig(t)).Handler()
	rr, _ := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestGlyphnetWS(t *testing.T) {
	cfg := testConfig(t)
	cfg.RF.MaxIngressBytes = 4
	s := newServer(t, cfg)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/glyphnet?topic=bob&kg=WORK")
	hello := readJSON(t, conn)
	require.Equal(t, "glyphnet/hello", hello["type"])
	require.Equal(t, "bob", hello["topic"])
	require.Equal(t, "work", hello["kg"])

	require.NoError(t, conn.WriteJSON(map[string]any{"capsule": map[string]any{"glyphs": []string{"x"}}, "meta": map[string]any{"k": 1}}))
	ev := readJSON(t, conn)
	require.Equal(t, node.EventCapsule, ev["type"])
	env := ev["envelope"].(map[string]any)
	require.Equal(t, map[string]any{"glyphs": []any{"x"}}, env["capsule"])
	meta := env["meta"].(map[string]any)
	require.Equal(t, "work", meta["graph"])
	require.Equal(t, "bob", meta["recipient"])
	require.EqualValues(t, 1, meta["k"])

	// unparseable input echoes
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev = readJSON(t, conn)
	require.Equal(t, map[string]any{"glyphs": []any{"(echo)"}}, ev["envelope"].(map[string]any)["capsule"])

	require.NoError(t, conn.WriteJSON(map[string]any{"capsule": map[string]any{"voice_note": map[string]any{"data_b64": b64("too big")}}}))
	ev = readJSON(t, conn)
	require.Equal(t, node.EventCapsule, ev["type"])
	errMsg := readJSON(t, conn)
	require.Equal(t, "error", errMsg["type"])
	require.Equal(t, CodeRFPayloadTooLarge, errMsg["code"])
	details := errMsg["details"].(map[string]any)
	require.Equal(t, "voice_note", details["kind"])
	require.EqualValues(t, 7, details["size"])
	require.EqualValues(t, 4, details["max"])
	require.Zero(t, s.Node.Pipeline.LastSeq("work:bob"))

	require.NoError(t, conn.WriteJSON(map[string]any{"capsule": map[string]any{"voice_frame": map[string]any{"mime": "audio/opus", "data_b64": b64("ok")}}}))
	readJSON(t, conn)
	require.Eventually(t, func() bool { return s.Node.Pipeline.LastSeq("work:bob") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGlyphnetWSLeavesOnClose(t *testing.T) {
	s := newServer(t, testConfig(t))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/glyphnet?topic=bob")
	readJSON(t, conn)
	require.Equal(t, 1, s.Node.Rooms.Len("personal:bob"))
	conn.Close()
	require.Eventually(t, func() bool { return s.Node.Rooms.Len("personal:bob") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGHXWS(t *testing.T) {
	s := newServer(t, testConfig(t))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/ghx?id=c1")
	hello := readJSON(t, conn)
	require.Equal(t, "ghx/hello", hello["type"])
	require.Equal(t, "c1", hello["id"])
	require.Equal(t, "ucs://local/c1", hello["topic"])
	require.Equal(t, "personal", hello["kg"])

	require.NoError(t, conn.WriteJSON(map[string]any{"glyphs": "⊕"}))
	ev := readJSON(t, conn)
	env := ev["envelope"].(map[string]any)
	require.Equal(t, map[string]any{"glyphs": []any{"⊕"}}, env["capsule"])
	require.Equal(t, "ucs://local/c1", env["meta"].(map[string]any)["recipient"])

	// messages without capsule or glyphs are ignored; the next capsule still arrives
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ghx/other"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"capsule": map[string]any{"n": 2}}))
	ev = readJSON(t, conn)
	require.Equal(t, map[string]any{"n": float64(2)}, ev["envelope"].(map[string]any)["capsule"])
}

func TestGHXGlyphs(t *testing.T) {
	require.Nil(t, ghxGlyphs(nil))
	require.Nil(t, ghxGlyphs(json.RawMessage("null")))
	require.JSONEq(t, `{"glyphs":["a","b"]}`, string(ghxGlyphs(json.RawMessage(`["a","b"]`))))
	require.JSONEq(t, `{"glyphs":["3"]}`, string(ghxGlyphs(json.RawMessage(`3`))))
}

func TestRouteLabel(t *testing.T) {
	require.Equal(t, "/health", routeLabel("/health"))
	require.Equal(t, "other", routeLabel("/wp-admin/x"))
}

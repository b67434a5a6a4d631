package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dev.c0redev.radionode/internal/auth"
	"dev.c0redev.radionode/internal/proto"
)

type fakePeer struct {
	name string
	mu   sync.Mutex
	out  []proto.BridgeMessage
	fail bool
}

func (p *fakePeer) Name() string { return p.name }
func (p *fakePeer) Send(m proto.BridgeMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return net.ErrClosed
	}
	p.out = append(p.out, m)
	return nil
}
func (p *fakePeer) sent() []proto.BridgeMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proto.BridgeMessage(nil), p.out...)
}

type inboundRec struct {
	mu  sync.Mutex
	got []string
	seq []*uint32
	src []string
}

func (r *inboundRec) fn(topic string, payload []byte, seq *uint32, src string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, topic+"="+string(payload))
	r.seq = append(r.seq, seq)
	r.src = append(r.src, src)
}

func (r *inboundRec) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestHubSingleActivePeer(t *testing.T) {
	var ups, drains atomic.Int32
	h := NewHub(180, 10, nil, Hooks{OnUp: func() { ups.Add(1) }, Drain: func() { drains.Add(1) }}, zerolog.Nop())
	require.False(t, h.Send([]byte{1}), "no peer, no claim")

	a := &fakePeer{name: "a"}
	require.NoError(t, h.Accept(a))
	h.Up(a)
	require.Equal(t, int32(1), ups.Load())
	require.Equal(t, proto.MsgHello, a.sent()[0].Type)
	require.Equal(t, 180, a.sent()[0].MTU)

	b := &fakePeer{name: "b"}
	require.ErrorIs(t, h.Accept(b), ErrBusy)

	require.True(t, h.Send([]byte("frame")))
	tx := a.sent()[1]
	require.Equal(t, proto.MsgTx, tx.Type)
	raw, err := tx.Bytes()
	require.NoError(t, err)
	require.Equal(t, "frame", string(raw))

	h.Release(b) // not active: no-op
	require.True(t, h.IsUp())
	h.Release(a)
	require.False(t, h.IsUp())
	require.NoError(t, h.Accept(b))
}

func TestHubSendFailureIsNotClaim(t *testing.T) {
	h := NewHub(180, 10, nil, Hooks{}, zerolog.Nop())
	p := &fakePeer{name: "p", fail: true}
	require.NoError(t, h.Accept(p))
	require.False(t, h.Send([]byte{1}))
}

func TestHubHandle(t *testing.T) {
	var drains atomic.Int32
	rec := &inboundRec{}
	h := NewHub(180, 10, rec.fn, Hooks{Drain: func() { drains.Add(1) }}, zerolog.Nop())
	p := &fakePeer{name: "ua/1"}

	h.Handle(p, []byte(`{"type":"rx","topic":"personal:x","bytes_b64":"`+base64.StdEncoding.EncodeToString([]byte("hi"))+`","seq":4}`))
	require.Equal(t, 1, rec.len())
	require.Equal(t, "personal:x=hi", rec.got[0])
	require.Equal(t, uint32(4), *rec.seq[0])
	require.Equal(t, "ua/1", rec.src[0])

	h.Handle(p, []byte(`{"type":"ping"}`))
	require.Equal(t, proto.MsgPong, p.sent()[0].Type)

	h.Handle(p, []byte(`not json`))
	h.Handle(p, []byte(`{"type":"rx","topic":"personal:x","bytes_b64":"%%%"}`))
	h.Handle(p, []byte(`{"type":"status"}`))
	require.Equal(t, 1, rec.len())
	require.Equal(t, int32(5), drains.Load(), "every message drains")
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSBridge(t *testing.T) {
	rec := &inboundRec{}
	hub := NewHub(51, 6, rec.fn, Hooks{}, zerolog.Nop())
	v := &auth.Verifier{Primary: "secret"}
	srv := httptest.NewServer(NewWSHandler(hub, v))
	defer srv.Close()

	t.Run("unauthorized", func(t *testing.T) {
		c, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=wrong", nil)
		require.NoError(t, err)
		defer c.Close()
		_, _, err = c.ReadMessage()
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, CloseUnauthorized, ce.Code)
		require.Equal(t, "unauthorized", ce.Text)
	})

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer secret")
	hdr.Set("X-Bridge-Sig", auth.Sign("secret", time.Now()))
	hdr.Set("User-Agent", "rfpeer-test")
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv), hdr)
	require.NoError(t, err)
	defer c.Close()

	var hello proto.BridgeMessage
	require.NoError(t, c.ReadJSON(&hello))
	require.Equal(t, proto.MsgHello, hello.Type)
	require.Equal(t, 51, hello.MTU)
	require.Equal(t, 6.0, hello.RateHz)

	t.Run("busy", func(t *testing.T) {
		c2, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=secret", nil)
		require.NoError(t, err)
		defer c2.Close()
		_, _, err = c2.ReadMessage()
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, CloseBusy, ce.Code)
	})

	require.True(t, hub.Send([]byte("frame")))
	var tx proto.BridgeMessage
	require.NoError(t, c.ReadJSON(&tx))
	require.Equal(t, proto.MsgTx, tx.Type)

	require.NoError(t, c.WriteJSON(proto.NewRx("personal:y", []byte("back"), nil)))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "rfpeer-test", rec.src[0])

	c.Close()
	require.Eventually(t, func() bool { return !hub.IsUp() }, 2*time.Second, 5*time.Millisecond)
}

func TestWSNotConfigured(t *testing.T) {
	hub := NewHub(51, 6, nil, Hooks{}, zerolog.Nop())
	srv := httptest.NewServer(NewWSHandler(hub, &auth.Verifier{}))
	defer srv.Close()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=x", nil)
	require.NoError(t, err)
	defer c.Close()
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CloseUnauthorized, ce.Code)
	require.Equal(t, "not configured", ce.Text)
}

func serveStream(t *testing.T, s *StreamServer) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go s.ServeTCP(ln)
	return ln.Addr().String()
}

func TestStreamBridge(t *testing.T) {
	for _, pq := range []bool{false, true} {
		name := "plain"
		if pq {
			name = "pq"
		}
		t.Run(name, func(t *testing.T) {
			rec := &inboundRec{}
			var ups atomic.Int32
			hub := NewHub(180, 10, rec.fn, Hooks{OnUp: func() { ups.Add(1) }}, zerolog.Nop())
			srv := &StreamServer{Hub: hub, Verifier: &auth.Verifier{Primary: "tok", Strict: true}, Opts: StreamOpts{PQEnabled: pq}}
			addr := serveStream(t, srv)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := Dial(ctx, addr, ClientOpts{PQEnabled: pq, Token: "tok"})
			require.ErrorContains(t, err, "unauthorized", "strict mode needs a signature")

			c, err := Dial(ctx, addr, ClientOpts{PQEnabled: pq, Token: "tok", Sign: true})
			require.NoError(t, err)
			defer c.Close()

			hello, err := c.Recv()
			require.NoError(t, err)
			require.Equal(t, proto.MsgHello, hello.Type)
			require.Eventually(t, func() bool { return ups.Load() == 1 }, time.Second, 5*time.Millisecond)

			_, err = Dial(ctx, addr, ClientOpts{PQEnabled: pq, Token: "tok", Sign: true})
			require.ErrorContains(t, err, "busy")

			require.True(t, hub.Send([]byte("over-the-air")))
			tx, err := c.Recv()
			require.NoError(t, err)
			raw, _ := tx.Bytes()
			require.Equal(t, "over-the-air", string(raw))

			seq := uint32(3)
			require.NoError(t, c.Send(proto.NewRx("personal:z", []byte("heard"), &seq)))
			require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
			require.Equal(t, "personal:z=heard", rec.got[0])

			require.NoError(t, c.Send(proto.BridgeMessage{Type: proto.MsgPing}))
			pong, err := c.Recv()
			require.NoError(t, err)
			require.Equal(t, proto.MsgPong, pong.Type)

			c.Close()
			require.Eventually(t, func() bool { return !hub.IsUp() }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestStreamRejectsOversizedFrameBeforeAuth(t *testing.T) {
	hub := NewHub(180, 10, (&inboundRec{}).fn, Hooks{}, zerolog.Nop())
	srv := &StreamServer{Hub: hub, Verifier: &auth.Verifier{Primary: "tok"}}
	local, remote := net.Pipe()
	defer remote.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(local, "big", "tcp") }()

	// header only: a Data frame declaring 1 MiB
	var hdr [proto.FrameHeaderSize]byte
	hdr[0] = byte(proto.TypeData)
	binary.LittleEndian.PutUint32(hdr[5:9], 1<<20)
	_, err := remote.Write(hdr[:])
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, proto.ErrInvalidFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("serve kept reading an oversized unauthenticated frame")
	}
	require.False(t, hub.IsUp())
}

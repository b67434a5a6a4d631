package bridge

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dev.c0redev.radionode/internal/auth"
	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/proto"
)

// Close codes for rejected bridge sockets.
const (
	CloseUnauthorized = websocket.ClosePolicyViolation // 1008
	CloseBusy         = websocket.CloseTryAgainLater   // 1013
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsPeer: one bridge socket; writes serialized.
type wsPeer struct {
	conn *websocket.Conn
	ua   string
	wmu  sync.Mutex
}

func (p *wsPeer) Name() string { return p.ua }

func (p *wsPeer) Send(m proto.BridgeMessage) error {
	b, err := proto.MarshalBridge(m)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

func (p *wsPeer) closeWith(code int, reason string) {
	p.wmu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	p.wmu.Unlock()
	p.conn.Close()
}

// WSHandler serves /ws/rflink.
type WSHandler struct {
	Hub      *Hub
	Verifier *auth.Verifier
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, v *auth.Verifier) *WSHandler {
	return &WSHandler{
		Hub:      hub,
		Verifier: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades first so rejections carry a close code.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authErr := h.Verifier.VerifyRequest(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ua := r.UserAgent()
	if ua == "" {
		ua = "unknown-UA"
	}
	p := &wsPeer{conn: conn, ua: ua}
	log := h.Hub.log.With().Str("transport", "ws").Str("peer", ua).Logger()

	if authErr != nil {
		reason := "unauthorized"
		result := "unauthorized"
		if errors.Is(authErr, auth.ErrNotConfigured) {
			reason, result = "not configured", "not_configured"
		}
		log.Warn().Bool("sig", auth.SignatureFromRequest(r) != "").Msg("rflink auth failed")
		metrics.RecordBridgeConn("ws", result)
		p.closeWith(CloseUnauthorized, reason)
		return
	}
	if err := h.Hub.Accept(p); err != nil {
		metrics.RecordBridgeConn("ws", "busy")
		p.closeWith(CloseBusy, "busy")
		return
	}
	metrics.RecordBridgeConn("ws", "accepted")
	defer h.Hub.Release(p)
	defer conn.Close()
	h.Hub.Up(p)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				p.wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				p.wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("rflink read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		h.Hub.Handle(p, msg)
	}
}

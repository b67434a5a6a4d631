package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"filippo.io/mlkem768"
	"github.com/quic-go/quic-go"

	"dev.c0redev.radionode/internal/auth"
	"dev.c0redev.radionode/internal/crypto"
	"dev.c0redev.radionode/internal/metrics"
	"dev.c0redev.radionode/internal/proto"
)

// authTimeout: peer must authenticate within this window.
const authTimeout = 10 * time.Second

// preAuthMaxPayload caps frames until the peer is accepted: room for an
// AuthRequest or a PQ ciphertext, nothing bigger.
const preAuthMaxPayload = 4 << 10

// StreamOpts: optional PQ link encryption.
type StreamOpts struct {
	PQEnabled bool
}

// StreamServer accepts framed bridge peers over TCP or QUIC streams.
type StreamServer struct {
	Hub      *Hub
	Verifier *auth.Verifier
	Opts     StreamOpts
}

// streamPeer: one framed connection. Data payloads are JSON bridge messages,
// sealed with the PQ secret once negotiated.
type streamPeer struct {
	conn     io.ReadWriteCloser
	name     string
	mu       sync.Mutex
	pqMu     sync.Mutex
	pqSecret []byte
	decapKey *mlkem768.DecapsulationKey
}

func (p *streamPeer) Name() string { return p.name }

func (p *streamPeer) Send(m proto.BridgeMessage) error {
	b, err := proto.MarshalBridge(m)
	if err != nil {
		return err
	}
	return p.writeData(b)
}

func (p *streamPeer) secret() []byte {
	p.pqMu.Lock()
	defer p.pqMu.Unlock()
	return p.pqSecret
}

// writeData sends a Data frame, encrypting with ChaCha20-Poly1305 if PQ secret set.
func (p *streamPeer) writeData(payload []byte) error {
	if s := p.secret(); len(s) > 0 && len(payload) > 0 {
		enc, err := crypto.Seal(s, payload)
		if err != nil {
			return err
		}
		payload = enc
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return proto.EncodeFrame(p.conn, &proto.Frame{Type: proto.TypeData, Payload: payload})
}

func (p *streamPeer) writeFrame(f *proto.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return proto.EncodeFrame(p.conn, f)
}

func (p *streamPeer) sendAuthResponse(ok bool, errMsg string) {
	payload := proto.EncodeAuthResponse(&proto.AuthResponse{OK: ok, Error: errMsg})
	_ = p.writeFrame(&proto.Frame{Type: proto.TypeAuthResponse, Payload: payload})
}

// Serve runs one connection until close. If PQ: send PQKey first, handle
// PQCiphertext. AuthRequest must precede Data; Ping gets Pong throughout.
func (s *StreamServer) Serve(conn io.ReadWriteCloser, name, transport string) error {
	defer conn.Close()
	p := &streamPeer{conn: conn, name: name}
	log := s.Hub.log.With().Str("transport", transport).Str("peer", name).Logger()
	r := bufio.NewReader(conn)
	payloadBuf := make([]byte, 64*1024)

	if s.Opts.PQEnabled {
		enc, decap, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		p.decapKey = decap
		if err := p.writeFrame(&proto.Frame{Type: proto.TypePQKey, Payload: enc}); err != nil {
			return err
		}
	}

	dl, hasDeadline := conn.(interface{ SetReadDeadline(time.Time) error })
	if hasDeadline {
		_ = dl.SetReadDeadline(time.Now().Add(authTimeout))
	}
	accepted := false
	defer func() {
		if accepted {
			s.Hub.Release(p)
		}
	}()

	for {
		limit := uint32(proto.MaxPayloadSize)
		if !accepted {
			limit = preAuthMaxPayload
		}
		f, err := proto.DecodeFrameLimit(r, payloadBuf, limit)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch f.Type {
		case proto.TypePing:
			_ = p.writeFrame(&proto.Frame{Type: proto.TypePong, StreamID: f.StreamID})
		case proto.TypePQCiphertext:
			if p.decapKey != nil && len(p.secret()) == 0 {
				secret, err := crypto.Decapsulate(p.decapKey, f.Payload)
				if err != nil {
					continue
				}
				p.pqMu.Lock()
				p.pqSecret = secret
				p.pqMu.Unlock()
			}
		case proto.TypeAuthRequest:
			if accepted {
				continue
			}
			req, err := proto.DecodeAuthRequest(f.Payload)
			if err != nil {
				p.sendAuthResponse(false, "bad request")
				return nil
			}
			if err := s.Verifier.Verify(string(req.Token), string(req.Sig)); err != nil {
				result, msg := "unauthorized", "unauthorized"
				if errors.Is(err, auth.ErrNotConfigured) {
					result, msg = "not_configured", "not configured"
				}
				log.Warn().Bool("sig", len(req.Sig) > 0).Msg("bridge stream auth failed")
				metrics.RecordBridgeConn(transport, result)
				p.sendAuthResponse(false, msg)
				return nil
			}
			if err := s.Hub.Accept(p); err != nil {
				metrics.RecordBridgeConn(transport, "busy")
				p.sendAuthResponse(false, "busy")
				return nil
			}
			accepted = true
			metrics.RecordBridgeConn(transport, "accepted")
			if hasDeadline {
				_ = dl.SetReadDeadline(time.Time{})
			}
			p.sendAuthResponse(true, "")
			s.Hub.Up(p)
		case proto.TypeData:
			if !accepted {
				continue
			}
			payload := f.Payload
			if sec := p.secret(); len(sec) > 0 && len(payload) > 0 {
				dec, err := crypto.Open(sec, payload)
				if err != nil {
					continue
				}
				payload = dec
			}
			s.Hub.Handle(p, append([]byte(nil), payload...))
		}
	}
}

// ServeTCP accepts TCP, one peer goroutine per conn.
func (s *StreamServer) ServeTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.Serve(conn, conn.RemoteAddr().String(), "tcp")
	}
}

// ServeQUIC accepts QUIC conns; the first stream of each carries the bridge.
func (s *StreamServer) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "")
				return
			}
			_ = s.Serve(stream, conn.RemoteAddr().String(), "quic")
			_ = conn.CloseWithError(0, "")
		}()
	}
}

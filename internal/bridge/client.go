package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"dev.c0redev.radionode/internal/auth"
	"dev.c0redev.radionode/internal/crypto"
	"dev.c0redev.radionode/internal/proto"
	"dev.c0redev.radionode/internal/transport"
)

// ClientOpts: how to reach and authenticate with a node's stream bridge.
type ClientOpts struct {
	QUIC      bool
	PQEnabled bool
	Token     string
	Sign      bool // attach v1 signature computed at dial time
}

// Client: peer side of the stream bridge (rfpeer).
type Client struct {
	conn     net.Conn
	r        *bufio.Reader
	mu       sync.Mutex
	opts     ClientOpts
	pqSecret []byte
	pqMu     sync.Mutex
}

// Dial connects, handshakes and authenticates.
func Dial(ctx context.Context, addr string, opts ClientOpts) (*Client, error) {
	var conn net.Conn
	var err error
	if opts.QUIC {
		conn, err = transport.DialStream(ctx, addr, transport.DefaultQUICClientTLS())
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c := NewClientFromConn(conn, opts)
	if err := c.Handshake(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewClientFromConn wraps conn; call Handshake before use.
func NewClientFromConn(conn net.Conn, opts ClientOpts) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn), opts: opts}
}

// handshakeFirstReadTimeout: wait for PQKey; no frame = node has PQ off.
const handshakeFirstReadTimeout = 3 * time.Second

// Handshake: PQ (if on), Ping/Pong, then AuthRequest -> AuthResponse.
func (c *Client) Handshake() error {
	if c.opts.PQEnabled {
		_ = c.conn.SetReadDeadline(time.Now().Add(handshakeFirstReadTimeout))
		f, err := proto.DecodeFrame(c.r, nil)
		_ = c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("expected PQ key: %w", err)
		}
		if f.Type != proto.TypePQKey {
			return fmt.Errorf("expected PQ key, got frame %d", f.Type)
		}
		secret, ciphertext, err := crypto.Encapsulate(f.Payload)
		if err != nil {
			return err
		}
		if err := c.writeFrame(&proto.Frame{Type: proto.TypePQCiphertext, Payload: ciphertext}); err != nil {
			return err
		}
		c.pqMu.Lock()
		c.pqSecret = secret
		c.pqMu.Unlock()
	}
	if err := c.Ping(); err != nil {
		return err
	}
	req := &proto.AuthRequest{Token: []byte(c.opts.Token)}
	if c.opts.Sign && c.opts.Token != "" {
		req.Sig = []byte(auth.Sign(c.opts.Token, time.Now()))
	}
	if err := c.writeFrame(&proto.Frame{Type: proto.TypeAuthRequest, Payload: proto.EncodeAuthRequest(req)}); err != nil {
		return err
	}
	for {
		f, err := proto.DecodeFrame(c.r, nil)
		if err != nil {
			return err
		}
		if f.Type != proto.TypeAuthResponse {
			continue
		}
		resp, err := proto.DecodeAuthResponse(f.Payload)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("auth rejected: %s", resp.Error)
		}
		return nil
	}
}

func (c *Client) writeFrame(f *proto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return proto.EncodeFrame(c.conn, f)
}

// Ping sends Ping, waits Pong.
func (c *Client) Ping() error {
	if err := c.writeFrame(&proto.Frame{Type: proto.TypePing, StreamID: 1}); err != nil {
		return err
	}
	f, err := proto.DecodeFrame(c.r, nil)
	if err != nil {
		return err
	}
	if f.Type != proto.TypePong {
		return fmt.Errorf("expected pong, got %d", f.Type)
	}
	return nil
}

func (c *Client) secret() []byte {
	c.pqMu.Lock()
	defer c.pqMu.Unlock()
	return c.pqSecret
}

// Send one bridge message (rx/ping) as a Data frame.
func (c *Client) Send(m proto.BridgeMessage) error {
	b, err := proto.MarshalBridge(m)
	if err != nil {
		return err
	}
	if s := c.secret(); len(s) > 0 {
		if b, err = crypto.Seal(s, b); err != nil {
			return err
		}
	}
	return c.writeFrame(&proto.Frame{Type: proto.TypeData, StreamID: 1, Payload: b})
}

// Recv blocks for the next bridge message; other frame types are skipped,
// Data frames that fail to open or parse too.
func (c *Client) Recv() (proto.BridgeMessage, error) {
	for {
		f, err := proto.DecodeFrame(c.r, nil)
		if err != nil {
			return proto.BridgeMessage{}, err
		}
		if f.Type != proto.TypeData {
			continue
		}
		payload := f.Payload
		if s := c.secret(); len(s) > 0 {
			if payload, err = crypto.Open(s, payload); err != nil {
				continue
			}
		}
		m, err := proto.UnmarshalBridge(payload)
		if err != nil {
			continue
		}
		return m, nil
	}
}

// Close closes conn.
func (c *Client) Close() error {
	return c.conn.Close()
}

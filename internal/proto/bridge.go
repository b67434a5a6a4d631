package proto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Bridge message types (JSON over WS or stream Data frames).
const (
	MsgHello = "hello"
	MsgTx    = "tx"
	MsgRx    = "rx"
	MsgPing  = "ping"
	MsgPong  = "pong"
	MsgError = "error"
)

// BridgeMessage: tagged JSON message exchanged with a remote-bridge peer.
type BridgeMessage struct {
	Type     string         `json:"type"`
	Topic    string         `json:"topic,omitempty"`
	BytesB64 string         `json:"bytes_b64,omitempty"`
	Seq      *uint32        `json:"seq,omitempty"`
	MTU      int            `json:"mtu,omitempty"`
	RateHz   float64        `json:"rate_hz,omitempty"`
	TS       int64          `json:"ts,omitempty"`
	Code     string         `json:"code,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

var ErrNoBytes = errors.New("bridge message carries no bytes")

// NewTx wraps an encoded RF frame for the peer.
func NewTx(frame []byte) BridgeMessage {
	return BridgeMessage{Type: MsgTx, BytesB64: base64.StdEncoding.EncodeToString(frame)}
}

// NewRx builds an inbound message (peer side).
func NewRx(topic string, payload []byte, seq *uint32) BridgeMessage {
	return BridgeMessage{Type: MsgRx, Topic: topic, BytesB64: base64.StdEncoding.EncodeToString(payload), Seq: seq}
}

// Bytes decodes BytesB64.
func (m BridgeMessage) Bytes() ([]byte, error) {
	if m.BytesB64 == "" {
		return nil, ErrNoBytes
	}
	return base64.StdEncoding.DecodeString(m.BytesB64)
}

// MarshalBridge -> JSON bytes.
func MarshalBridge(m BridgeMessage) ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBridge parses JSON; a message without type is invalid.
func UnmarshalBridge(b []byte) (BridgeMessage, error) {
	var m BridgeMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return BridgeMessage{}, err
	}
	if m.Type == "" {
		return BridgeMessage{}, ErrInvalidFrame
	}
	return m, nil
}

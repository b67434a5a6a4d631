package proto

// Frame: on-wire stream msg (header + opt payload).
type Frame struct {
	Type     FrameType
	StreamID uint32
	Payload  []byte
}

// AuthRequest payload: token + opt signature (both len-prefixed).
type AuthRequest struct {
	Token []byte
	Sig   []byte
}

// AuthResponse payload: ok (1 byte) + optional error message.
type AuthResponse struct {
	OK    bool
	Error string
}

// RFFrame: one MTU-bounded unit on the radio link. Immutable once encoded.
type RFFrame struct {
	Version   uint8
	Seq       uint32
	Timestamp uint64 // ms since epoch
	Codec     string
	Topic     string
	Payload   []byte
}

package proto

// FrameType: 1-byte type on stream wire.
type FrameType uint8

const (
	TypeAuthRequest  FrameType = 0x01
	TypeAuthResponse FrameType = 0x02
	TypePing         FrameType = 0x03
	TypePong         FrameType = 0x04
	TypeData         FrameType = 0x10
	TypePQKey        FrameType = 0x11 // node sends encapsulation key (ML-KEM-768, 1184 bytes)
	TypePQCiphertext FrameType = 0x12 // peer sends KEM ciphertext so node can decapsulate
)

// FrameHeaderSize: 1 + 4 + 4 = 9 bytes (type, stream_id, length).
const FrameHeaderSize = 9

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// RF frame layout: [ver u8][seq u32][ts u64][codecLen u8][codec][topicLen u8][topic][payload].
const (
	RFVersion = 1
	// RFFixedHeaderSize counts version, seq, ts and both length bytes.
	RFFixedHeaderSize = 1 + 4 + 8 + 1 + 1
	// MaxFieldLen caps codec and topic (one length byte each).
	MaxFieldLen = 255
)

// Reserved topics.
const (
	TopicBeacon   = "control:beacon"
	ControlPrefix = "control:"
	CodecBeacon   = "beacon/json"
)

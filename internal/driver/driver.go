// Package driver: pluggable RF transports and the registry the outbox drains into.
package driver

// Driver claims encoded RF frames for transmission.
// Send returns true when the driver took responsibility for the frame.
type Driver interface {
	ID() string
	Kind() string
	Send(frame []byte) bool
	IsUp() bool
	Stats() map[string]any
}

// Inbound receives bytes a transport heard on the link. seq nil = unknown.
type Inbound func(topic string, payload []byte, seq *uint32, source string)

// Kinds of the built-in drivers.
const (
	KindSerial = "serial"
	KindMock   = "mock"
	KindBridge = "remote-bridge"
)

package proto

import (
	"encoding/binary"
	"errors"
	"strings"
)

// ErrFieldTooLong: codec or topic does not fit its length byte.
var ErrFieldTooLong = errors.New("codec or topic longer than 255 bytes")

// EncodeRF builds the wire bytes for f. Version 0 is written as RFVersion.
func EncodeRF(f *RFFrame) ([]byte, error) {
	if len(f.Codec) > MaxFieldLen || len(f.Topic) > MaxFieldLen {
		return nil, ErrFieldTooLong
	}
	ver := f.Version
	if ver == 0 {
		ver = RFVersion
	}
	out := make([]byte, 0, HeaderOverhead(f.Topic, f.Codec)+len(f.Payload))
	out = append(out, ver)
	out = binary.BigEndian.AppendUint32(out, f.Seq)
	out = binary.BigEndian.AppendUint64(out, f.Timestamp)
	out = append(out, byte(len(f.Codec)))
	out = append(out, f.Codec...)
	out = append(out, byte(len(f.Topic)))
	out = append(out, f.Topic...)
	out = append(out, f.Payload...)
	return out, nil
}

// DecodeRF parses b. Payload is copied so b can be reused.
func DecodeRF(b []byte) (*RFFrame, error) {
	// smallest frame: fixed header with empty codec, topic, payload
	if len(b) < RFFixedHeaderSize {
		return nil, ErrShortRead
	}
	f := &RFFrame{
		Version:   b[0],
		Seq:       binary.BigEndian.Uint32(b[1:5]),
		Timestamp: binary.BigEndian.Uint64(b[5:13]),
	}
	o := 13
	codecLen := int(b[o])
	o++
	if o+codecLen+1 > len(b) {
		return nil, ErrInvalidFrame
	}
	f.Codec = string(b[o : o+codecLen])
	o += codecLen
	topicLen := int(b[o])
	o++
	if o+topicLen > len(b) {
		return nil, ErrInvalidFrame
	}
	f.Topic = string(b[o : o+topicLen])
	o += topicLen
	f.Payload = append([]byte(nil), b[o:]...)
	return f, nil
}

// HeaderOverhead: encoded length of a zero-payload frame for topic/codec.
func HeaderOverhead(topic, codec string) int {
	return RFFixedHeaderSize + len(codec) + len(topic)
}

// MaxPayload: payload bytes per frame under mtu; 0 when the header alone does not fit.
func MaxPayload(mtu int, topic, codec string) int {
	n := mtu - HeaderOverhead(topic, codec)
	if n < 0 {
		return 0
	}
	return n
}

// IsControl true for control:* topics (never persisted).
func IsControl(topic string) bool {
	return strings.HasPrefix(topic, ControlPrefix)
}

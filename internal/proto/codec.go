package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrShortRead = errors.New("short read")
var ErrInvalidFrame = errors.New("invalid frame")

// EncodeFrame writes 9-byte header + payload to w (payload opt).
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return errors.New("payload too large")
	}
	header := [FrameHeaderSize]byte{}
	header[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(header[1:5], f.StreamID)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFrame reads one frame; payloadBuf opt (nil = alloc).
func DecodeFrame(r io.Reader, payloadBuf []byte) (*Frame, error) {
	return DecodeFrameLimit(r, payloadBuf, MaxPayloadSize)
}

// DecodeFrameLimit is DecodeFrame with a payload cap; a larger declared
// length fails with ErrInvalidFrame before any payload is read.
func DecodeFrameLimit(r io.Reader, payloadBuf []byte, maxPayload uint32) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	ft := FrameType(header[0])
	streamID := binary.LittleEndian.Uint32(header[1:5])
	length := binary.LittleEndian.Uint32(header[5:9])
	var payload []byte
	if length > 0 {
		if length > maxPayload {
			return nil, ErrInvalidFrame
		}
		if payloadBuf != nil && cap(payloadBuf) >= int(length) {
			payload = payloadBuf[:length]
		} else {
			payload = make([]byte, length)
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return &Frame{Type: ft, StreamID: streamID, Payload: payload}, nil
}

// EncodeAuthRequest serializes AuthRequest: [4: tokLen][tok][4: sigLen][sig].
func EncodeAuthRequest(req *AuthRequest) []byte {
	b := make([]byte, 0, 8+len(req.Token)+len(req.Sig))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(req.Token)))
	b = append(b, req.Token...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(req.Sig)))
	b = append(b, req.Sig...)
	return b
}

// DecodeAuthRequest parses payload -> AuthRequest. Missing sig section = no sig.
func DecodeAuthRequest(payload []byte) (*AuthRequest, error) {
	if len(payload) < 4 {
		return nil, ErrInvalidFrame
	}
	ln := binary.LittleEndian.Uint32(payload[:4])
	if uint64(len(payload)) < 4+uint64(ln) {
		return nil, ErrInvalidFrame
	}
	req := &AuthRequest{Token: append([]byte(nil), payload[4:4+ln]...)}
	rest := payload[4+ln:]
	if len(rest) == 0 {
		return req, nil
	}
	if len(rest) < 4 {
		return nil, ErrInvalidFrame
	}
	sl := binary.LittleEndian.Uint32(rest[:4])
	if uint64(len(rest)) < 4+uint64(sl) {
		return nil, ErrInvalidFrame
	}
	if sl > 0 {
		req.Sig = append([]byte(nil), rest[4:4+sl]...)
	}
	return req, nil
}

// EncodeAuthResponse serializes AuthResponse.
func EncodeAuthResponse(res *AuthResponse) []byte {
	var ok byte
	if res.OK {
		ok = 1
	}
	b := []byte{ok}
	if !res.OK && res.Error != "" {
		eb := []byte(res.Error)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(eb)))
		b = append(b, eb...)
	}
	return b
}

// DecodeAuthResponse parses payload -> AuthResponse.
func DecodeAuthResponse(payload []byte) (*AuthResponse, error) {
	if len(payload) < 1 {
		return nil, ErrInvalidFrame
	}
	res := &AuthResponse{OK: payload[0] == 1}
	if !res.OK && len(payload) >= 5 {
		ln := binary.LittleEndian.Uint32(payload[1:5])
		if uint64(len(payload)) >= 5+uint64(ln) {
			res.Error = string(payload[5 : 5+ln])
		}
	}
	return res, nil
}

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Magic is the 4-byte constant opening every frame ("SGW" + version gate).
	Magic uint32 = 0x53475731

	// Version is the only wire version this codec speaks. Decode rejects
	// everything else; there is no negotiation.
	Version byte = 1

	// prefixLen is the fixed prefix: magic(4) + version(1) + type(1) + headerLen(4).
	prefixLen = 10
)

// ErrMalformedFrame is the failure class for every decode rejection: short
// buffer, bad magic, unsupported version, or a declared header length that
// overruns the buffer. Wrapped errors carry detail; match with errors.Is.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is one decoded wire message.
type Frame struct {
	Version byte
	Type    MessageType
	Header  Header
	Payload []byte
}

// Encode serializes a frame. It never fails for representable headers; the
// only error source is JSON marshaling of the header, which cannot fail for
// the Header struct but is surfaced rather than swallowed.
func Encode(t MessageType, h Header, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}

	buf := make([]byte, prefixLen+len(hdr)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(t)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(hdr)))
	copy(buf[prefixLen:], hdr)
	copy(buf[prefixLen+len(hdr):], payload)
	return buf, nil
}

// Decode parses a complete frame from buf. It fails closed: any structural
// problem yields an error wrapping ErrMalformedFrame and no partial result.
// The payload slice aliases buf; callers that retain it past the read loop
// must copy.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < prefixLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(buf), prefixLen)
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return Frame{}, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformedFrame, magic)
	}
	if buf[4] != Version {
		return Frame{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, buf[4])
	}

	headerLen := binary.BigEndian.Uint32(buf[6:10])
	if uint64(headerLen) > uint64(len(buf)-prefixLen) {
		return Frame{}, fmt.Errorf("%w: header length %d exceeds %d remaining bytes",
			ErrMalformedFrame, headerLen, len(buf)-prefixLen)
	}

	var h Header
	if headerLen > 0 {
		if err := json.Unmarshal(buf[prefixLen:prefixLen+headerLen], &h); err != nil {
			return Frame{}, fmt.Errorf("%w: header not valid JSON: %v", ErrMalformedFrame, err)
		}
	}

	f := Frame{
		Version: buf[4],
		Type:    MessageType(buf[5]),
		Header:  h,
	}
	if payload := buf[prefixLen+headerLen:]; len(payload) > 0 {
		f.Payload = payload
	}
	return f, nil
}

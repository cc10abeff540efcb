package lmsg

import (
	"fmt"

	"github.com/lancewire/lwp-go/pkg/lbin"
)

// Header is a parsed LWP frame header.
//
// The wire layout is 44 bytes, little endian:
//
//	offset  width  field
//	0       4      magic ("LANC")
//	4       1      version (1)
//	5       1      opcode
//	6       2      flags
//	8       8      correlation id
//	16      4      topic id
//	20      8      offset
//	28      4      payload length
//	32      8      reserved (zero)
//	40      4      header CRC32C over bytes 0-39
type Header struct {
	Opcode        Opcode
	Flags         Flags
	CorrelationID uint64
	TopicID       uint32
	Offset        uint64
	PayloadLen    uint32
}

// Frame is one header plus its (possibly empty) payload. The payload is
// left undecoded at this layer so callers can slice it without copying.
type Frame struct {
	Header
	Payload []byte
}

// IsResponse returns whether the frame is a response frame.
func (f *Frame) IsResponse() bool { return f.Flags.Has(FlagResponse) }

// AppendHeader appends the 44 byte encoding of h to dst, computing the
// header CRC over the first 40 bytes.
func AppendHeader(dst []byte, h *Header) []byte {
	start := len(dst)
	dst = append(dst, Magic...)
	dst = lbin.AppendUint8(dst, Version)
	dst = lbin.AppendUint8(dst, uint8(h.Opcode))
	dst = lbin.AppendUint16(dst, uint16(h.Flags))
	dst = lbin.AppendUint64(dst, h.CorrelationID)
	dst = lbin.AppendUint32(dst, h.TopicID)
	dst = lbin.AppendUint64(dst, h.Offset)
	dst = lbin.AppendUint32(dst, h.PayloadLen)
	dst = lbin.AppendUint64(dst, 0) // reserved
	return lbin.AppendUint32(dst, Crc32c(dst[start:start+40]))
}

// AppendFrame appends the header and payload of f to dst, fixing up the
// header's PayloadLen to match the payload.
func AppendFrame(dst []byte, f *Frame) []byte {
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	dst = AppendHeader(dst, &h)
	return append(dst, f.Payload...)
}

// DecodeHeader parses a 44 byte buffer into a Header.
//
// The returned error wraps ErrInvalidFrame for bad magic, an unsupported
// version, a CRC mismatch, or a payload length above MaxPayload. The
// payload length check happens here, before any payload bytes are read.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: header truncated at %d bytes", ErrInvalidFrame, len(buf))
	}
	buf = buf[:HeaderSize]

	r := lbin.Reader{Src: buf}
	magic := r.Bytes(4)
	version := r.Uint8()
	h.Opcode = Opcode(r.Uint8())
	h.Flags = Flags(r.Uint16())
	h.CorrelationID = r.Uint64()
	h.TopicID = r.Uint32()
	h.Offset = r.Uint64()
	h.PayloadLen = r.Uint32()
	r.Uint64() // reserved
	crc := r.Uint32()

	if string(magic) != Magic {
		return h, fmt.Errorf("%w: bad magic %q", ErrInvalidFrame, magic)
	}
	if version != Version {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, version)
	}
	if want := Crc32c(buf[:40]); crc != want {
		return h, fmt.Errorf("%w: header crc %#x != %#x", ErrInvalidFrame, crc, want)
	}
	if h.PayloadLen > MaxPayload {
		return h, fmt.Errorf("%w: payload length %d exceeds cap %d", ErrInvalidFrame, h.PayloadLen, MaxPayload)
	}
	return h, nil
}

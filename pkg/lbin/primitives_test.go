package lbin

import (
	"bytes"
	"testing"
)

func TestAppendReadRoundTrip(t *testing.T) {
	t.Parallel()

	var b []byte
	b = AppendUint8(b, 0xab)
	b = AppendUint16(b, 0x1234)
	b = AppendUint32(b, 0xdeadbeef)
	b = AppendUint64(b, 0x0102030405060708)
	b = AppendString16(b, "hello")
	b = AppendBytes16(b, []byte{1, 2, 3})

	r := Reader{Src: b}
	if got := r.Uint8(); got != 0xab {
		t.Errorf("uint8: got %#x", got)
	}
	if got := r.Uint16(); got != 0x1234 {
		t.Errorf("uint16: got %#x", got)
	}
	if got := r.Uint32(); got != 0xdeadbeef {
		t.Errorf("uint32: got %#x", got)
	}
	if got := r.Uint64(); got != 0x0102030405060708 {
		t.Errorf("uint64: got %#x", got)
	}
	if got := r.String16(); got != "hello" {
		t.Errorf("string16: got %q", got)
	}
	if got := r.Bytes16(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("bytes16: got %v", got)
	}
	if err := r.Complete(); err != nil {
		t.Errorf("complete: %v", err)
	}
}

func TestLittleEndian(t *testing.T) {
	t.Parallel()

	b := AppendUint32(nil, 1)
	if !bytes.Equal(b, []byte{1, 0, 0, 0}) {
		t.Errorf("uint32(1) encoded %v", b)
	}
	b = AppendUint16(nil, 0x0102)
	if !bytes.Equal(b, []byte{0x02, 0x01}) {
		t.Errorf("uint16(0x0102) encoded %v", b)
	}
}

func TestReaderInvalidation(t *testing.T) {
	t.Parallel()

	r := Reader{Src: []byte{1, 2}}
	if r.Uint32() != 0 {
		t.Error("short read did not return zero")
	}
	if r.Ok() {
		t.Error("reader still ok after short read")
	}
	// Every further read no-ops.
	if r.Uint64() != 0 || r.Uint8() != 0 || r.Bytes(1) != nil {
		t.Error("invalidated reader returned data")
	}
	if err := r.Complete(); err != ErrNotEnoughData {
		t.Errorf("complete: got %v, want ErrNotEnoughData", err)
	}
}

func TestReaderTooMuchData(t *testing.T) {
	t.Parallel()

	r := Reader{Src: []byte{1, 2, 3}}
	r.Uint8()
	if err := r.Complete(); err != ErrTooMuchData {
		t.Errorf("complete: got %v, want ErrTooMuchData", err)
	}
}

func TestString16Truncated(t *testing.T) {
	t.Parallel()

	b := AppendUint16(nil, 10) // claims 10 bytes, provides 2
	b = append(b, "ab"...)
	r := Reader{Src: b}
	if got := r.String16(); got != "" {
		t.Errorf("truncated string16: got %q", got)
	}
	if r.Ok() {
		t.Error("reader still ok after truncated string")
	}
}

package lwp

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	t.Parallel()

	input := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	d := newDecompressor()

	for _, codec := range []CompressionCodec{
		Lz4Compression(),
		GzipCompression(),
		SnappyCompression(),
		ZstdCompression(),
	} {
		c, err := newCompressor(codec)
		if err != nil {
			t.Fatalf("codec %d: %v", codec.codec, err)
		}
		out, ok := c.compress(input)
		if !ok {
			t.Fatalf("codec %d did not shrink compressible input", codec.codec)
		}
		if len(out) >= len(input) {
			t.Fatalf("codec %d: %d bytes from %d", codec.codec, len(out), len(input))
		}
		back, err := d.decompress(out, codec)
		if err != nil {
			t.Fatalf("codec %d decompress: %v", codec.codec, err)
		}
		if !bytes.Equal(back, input) {
			t.Fatalf("codec %d round trip mismatch", codec.codec)
		}
	}
}

func TestNewCompressorNone(t *testing.T) {
	t.Parallel()

	c, err := newCompressor(NoCompression())
	if err != nil || c != nil {
		t.Errorf("NoCompression compressor: %v, %v", c, err)
	}
}

func TestCompressSkipsIncompressible(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	input := make([]byte, 512)
	rng.Read(input)

	c, err := newCompressor(Lz4Compression())
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}
	out, ok := c.compress(input)
	if ok {
		t.Errorf("random input claimed compressed, %d -> %d bytes", len(input), len(out))
	}
	if !bytes.Equal(out, input) {
		t.Error("skipped compression did not return the input")
	}
}

func TestDecompressRejectsOversizedClaim(t *testing.T) {
	t.Parallel()

	c, _ := newCompressor(Lz4Compression())
	out, ok := c.compress(bytes.Repeat([]byte("aaaa"), 1000))
	if !ok {
		t.Fatal("setup: input did not compress")
	}
	// Forge a raw length over the payload cap.
	huge := lmsg.MaxPayload + 1
	out[0], out[1], out[2], out[3] = byte(huge), byte(huge>>8), byte(huge>>16), byte(huge>>24)

	if _, err := newDecompressor().decompress(out, Lz4Compression()); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("got %v, want ErrInvalidFrame", err)
	}
}

func TestDecompressTruncated(t *testing.T) {
	t.Parallel()

	if _, err := newDecompressor().decompress([]byte{1, 0}, Lz4Compression()); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("got %v, want ErrInvalidFrame", err)
	}
}

func TestCapabilityBits(t *testing.T) {
	t.Parallel()

	if NoCompression().capability() != 0 {
		t.Error("none has a capability bit")
	}
	if Lz4Compression().capability() != lmsg.CapLz4 {
		t.Error("lz4 bit wrong")
	}
	if codecForCapability(lmsg.CapLz4|lmsg.CapZstd) != Lz4Compression() {
		t.Error("lz4 should win the pick")
	}
	if codecForCapability(lmsg.CapZstd) != ZstdCompression() {
		t.Error("zstd pick wrong")
	}
	if codecForCapability(0) != NoCompression() {
		t.Error("empty caps should mean no compression")
	}
}

package lwp

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// CompressionCodec configures how produce payloads are compressed before
// being sent. The protocol's default codec is LZ4 block; other codecs are
// used only when the broker selects them during the HELLO capability
// exchange.
type CompressionCodec struct {
	codec int8 // 0: none, 1: lz4, 2: gzip, 3: snappy, 4: zstd
}

// NoCompression disables compression and is the default.
func NoCompression() CompressionCodec { return CompressionCodec{0} }

// Lz4Compression enables LZ4 block compression, the protocol default.
func Lz4Compression() CompressionCodec { return CompressionCodec{1} }

// GzipCompression offers gzip to the broker during capability negotiation.
func GzipCompression() CompressionCodec { return CompressionCodec{2} }

// SnappyCompression offers snappy to the broker during capability
// negotiation.
func SnappyCompression() CompressionCodec { return CompressionCodec{3} }

// ZstdCompression offers zstd to the broker during capability negotiation.
func ZstdCompression() CompressionCodec { return CompressionCodec{4} }

// capability returns the HELLO capability bit for the codec.
func (c CompressionCodec) capability() uint32 {
	switch c.codec {
	case 1:
		return lmsg.CapLz4
	case 2:
		return lmsg.CapGzip
	case 3:
		return lmsg.CapSnappy
	case 4:
		return lmsg.CapZstd
	}
	return 0
}

// codecForCapability maps the broker's selected capability bit back to a
// codec; lz4 wins if the broker set several.
func codecForCapability(caps uint32) CompressionCodec {
	switch {
	case caps&lmsg.CapLz4 != 0:
		return Lz4Compression()
	case caps&lmsg.CapSnappy != 0:
		return SnappyCompression()
	case caps&lmsg.CapZstd != 0:
		return ZstdCompression()
	case caps&lmsg.CapGzip != 0:
		return GzipCompression()
	}
	return NoCompression()
}

// A compressed payload is the u32 little endian raw length followed by the
// compressed block; the raw length bounds decompression allocation and is
// checked against the payload cap before any work happens.
const compressPrefix = 4

type compressor struct {
	codec   CompressionCodec
	lz4Pool sync.Pool // *lz4.Compressor
	gzPool  sync.Pool // *gzip.Writer
	zstdEnc *zstd.Encoder
}

func newCompressor(codec CompressionCodec) (*compressor, error) {
	if codec.codec == 0 {
		return nil, nil
	}
	if codec.codec < 0 || codec.codec > 4 {
		return nil, errors.New("unknown compression codec")
	}
	c := &compressor{codec: codec}
	switch codec.codec {
	case 1:
		c.lz4Pool = sync.Pool{New: func() any { return new(lz4.Compressor) }}
	case 2:
		c.gzPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}
	case 4:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		c.zstdEnc = enc
	}
	return c, nil
}

// compress returns src compressed under the compressor's codec, prefixed
// with the raw length, or src itself with ok=false when compression did
// not shrink the payload (compression is skipped in that case and the
// frame goes out uncompressed).
func (c *compressor) compress(src []byte) ([]byte, bool) {
	if c == nil || len(src) == 0 {
		return src, false
	}
	out := make([]byte, compressPrefix, compressPrefix+len(src))
	out[0] = byte(len(src))
	out[1] = byte(len(src) >> 8)
	out[2] = byte(len(src) >> 16)
	out[3] = byte(len(src) >> 24)

	switch c.codec.codec {
	case 1:
		block := make([]byte, lz4.CompressBlockBound(len(src)))
		lc := c.lz4Pool.Get().(*lz4.Compressor)
		n, err := lc.CompressBlock(src, block)
		c.lz4Pool.Put(lc)
		if err != nil || n == 0 {
			return src, false
		}
		out = append(out, block[:n]...)
	case 2:
		buf := bytes.NewBuffer(out)
		gz := c.gzPool.Get().(*gzip.Writer)
		gz.Reset(buf)
		_, werr := gz.Write(src)
		cerr := gz.Close()
		c.gzPool.Put(gz)
		if werr != nil || cerr != nil {
			return src, false
		}
		out = buf.Bytes()
	case 3:
		out = append(out, snappy.Encode(nil, src)...)
	case 4:
		out = c.zstdEnc.EncodeAll(src, out)
	default:
		return src, false
	}

	if len(out) >= len(src) {
		return src, false
	}
	return out, true
}

type decompressor struct {
	ungzPool sync.Pool // *gzip.Reader
	zstdOnce sync.Once
	zstdDec  *zstd.Decoder
}

func newDecompressor() *decompressor {
	return &decompressor{
		ungzPool: sync.Pool{New: func() any { return new(gzip.Reader) }},
	}
}

// decompress reverses compress for the given codec, enforcing the payload
// cap on the advertised raw length before allocating.
func (d *decompressor) decompress(src []byte, codec CompressionCodec) ([]byte, error) {
	if codec.codec == 0 {
		return src, nil
	}
	if len(src) < compressPrefix {
		return nil, fmt.Errorf("%w: compressed payload shorter than its length prefix", ErrInvalidFrame)
	}
	rawLen := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
	if rawLen > lmsg.MaxPayload {
		return nil, fmt.Errorf("%w: decompressed length %d exceeds cap %d", ErrInvalidFrame, rawLen, lmsg.MaxPayload)
	}
	block := src[compressPrefix:]

	switch codec.codec {
	case 1:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(block, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrInvalidFrame, err)
		}
		return dst[:n], nil
	case 2:
		ungz := d.ungzPool.Get().(*gzip.Reader)
		defer d.ungzPool.Put(ungz)
		if err := ungz.Reset(bytes.NewReader(block)); err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrInvalidFrame, err)
		}
		dst, err := io.ReadAll(io.LimitReader(ungz, int64(rawLen)))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrInvalidFrame, err)
		}
		return dst, nil
	case 3:
		dst, err := snappy.Decode(nil, block)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrInvalidFrame, err)
		}
		return dst, nil
	case 4:
		d.zstdOnce.Do(func() { d.zstdDec, _ = zstd.NewReader(nil) })
		dst, err := d.zstdDec.DecodeAll(block, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidFrame, err)
		}
		return dst, nil
	}
	return nil, errors.New("unknown compression codec")
}

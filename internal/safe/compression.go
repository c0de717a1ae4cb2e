// internal/safe/compression.go
package safe

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Every stored blob starts with one of these format bytes.
const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01
)

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int64
	// zstd level (1=fastest .. 4=best)
	Level int
	// Sniffed content types (prefix match) that are already compressed
	SkipContentTypes []string
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 512,
		Level:   3,
		SkipContentTypes: []string{
			"image/", "video/", "audio/", "font/woff",
			"application/zip", "application/x-gzip", "application/x-rar-compressed",
			"application/pdf", "application/wasm",
		},
	}
}

// compressionManager encodes blobs for storage
type compressionManager struct {
	opts CompressionOptions

	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Fail early on bad options; the pools below assume construction succeeds.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	cm := &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}
	cm.encoders.Put(enc)
	cm.decoders.Put(dec)
	return cm, nil
}

// shouldCompress skips small blobs and formats that are compressed already
func (cm *compressionManager) shouldCompress(content []byte) bool {
	if int64(len(content)) < cm.opts.MinSize {
		return false
	}
	contentType := http.DetectContentType(content)
	for _, skip := range cm.opts.SkipContentTypes {
		if strings.HasPrefix(contentType, skip) {
			return false
		}
	}
	return true
}

// encode prefixes content with its format byte, compressing when it pays off
func (cm *compressionManager) encode(content []byte) []byte {
	if cm.shouldCompress(content) {
		enc := cm.encoders.Get().(*zstd.Encoder)
		dst := make([]byte, 1, len(content)/2+1)
		dst[0] = formatZstd
		dst = enc.EncodeAll(content, dst)
		cm.encoders.Put(enc)
		if len(dst) < len(content)+1 {
			return dst
		}
	}

	raw := make([]byte, len(content)+1)
	raw[0] = formatRaw
	copy(raw[1:], content)
	return raw
}

// decode reverses encode
func (cm *compressionManager) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty stored blob")
	}

	switch stored[0] {
	case formatRaw:
		return stored[1:], nil
	case formatZstd:
		dec := cm.decoders.Get().(*zstd.Decoder)
		defer cm.decoders.Put(dec)
		out, err := dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob format 0x%02x", stored[0])
	}
}

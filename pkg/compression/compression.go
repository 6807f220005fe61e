// Package compression provides payload codecs used by asset providers to store large blobs
// compactly.
package compression

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// CompressorType names a compression algorithm.
type CompressorType string

const (
	CompressorNone    CompressorType = "none"
	CompressorGzip    CompressorType = "gzip"
	CompressorDeflate CompressorType = "deflate"
)

// ParseCompressorType converts a configuration string into a CompressorType. The empty string
// means no compression.
func ParseCompressorType(s string) (CompressorType, error) {
	switch CompressorType(s) {
	case "", CompressorNone:
		return CompressorNone, nil
	case CompressorGzip:
		return CompressorGzip, nil
	case CompressorDeflate:
		return CompressorDeflate, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Compressor compresses and decompresses byte slices.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// Config selects and tunes a compressor.
type Config struct {
	Enabled   bool
	Algorithm CompressorType

	// MinSize is the smallest payload, in bytes, worth compressing.
	MinSize int

	// Level is the algorithm-specific compression level; -1 selects the default.
	Level int
}

// NewDefaultConfig returns a disabled gzip configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Algorithm: CompressorGzip,
		MinSize:   1024,
		Level:     -1,
	}
}

// WithEnabled toggles compression.
func (c *Config) WithEnabled(enabled bool) *Config {
	c.Enabled = enabled
	return c
}

// WithAlgorithm selects the algorithm.
func (c *Config) WithAlgorithm(algorithm CompressorType) *Config {
	c.Algorithm = algorithm
	return c
}

// WithMinSize sets the compression threshold.
func (c *Config) WithMinSize(minSize int) *Config {
	c.MinSize = minSize
	return c
}

// WithLevel sets the compression level.
func (c *Config) WithLevel(level int) *Config {
	c.Level = level
	return c
}

// NewCompressor builds the compressor described by config. A nil or disabled config yields the
// no-op compressor.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil || !config.Enabled {
		return NewNoOpCompressor(), nil
	}

	switch config.Algorithm {
	case CompressorNone:
		return NewNoOpCompressor(), nil
	case CompressorGzip:
		return NewGzipCompressor(config.Level), nil
	case CompressorDeflate:
		return NewDeflateCompressor(config.Level), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

// NoOpCompressor passes data through unchanged.
type NoOpCompressor struct{}

// NewNoOpCompressor creates a pass-through compressor.
func NewNoOpCompressor() *NoOpCompressor {
	return &NoOpCompressor{}
}

func (n *NoOpCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (n *NoOpCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (n *NoOpCompressor) Name() string                           { return string(CompressorNone) }

// GzipCompressor uses gzip.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor creates a gzip compressor at level.
func NewGzipCompressor(level int) *GzipCompressor {
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

func (g *GzipCompressor) Name() string { return string(CompressorGzip) }

// DeflateCompressor uses raw deflate.
type DeflateCompressor struct {
	level int
}

// NewDeflateCompressor creates a deflate compressor at level.
func NewDeflateCompressor(level int) *DeflateCompressor {
	return &DeflateCompressor{level: level}
}

func (d *DeflateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, d.level)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *DeflateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("deflate read: %w", err)
	}
	return out, nil
}

func (d *DeflateCompressor) Name() string { return string(CompressorDeflate) }

// SerializeAndCompress JSON-encodes value and compresses the result when it is at least minSize
// bytes and compression actually shrinks it. The returned flag reports whether it did.
func SerializeAndCompress(value any, compressor Compressor, minSize int) ([]byte, bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("serialize: %w", err)
	}
	return maybeCompress(data, compressor, minSize)
}

// DecompressAndDeserialize reverses SerializeAndCompress into target.
func DecompressAndDeserialize(data []byte, compressed bool, compressor Compressor, target any) error {
	if compressed {
		var err error
		data, err = compressor.Decompress(data)
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("deserialize: %w", err)
	}
	return nil
}

func maybeCompress(data []byte, compressor Compressor, minSize int) ([]byte, bool, error) {
	if compressor == nil || len(data) < minSize {
		return data, false, nil
	}
	compressed, err := compressor.Compress(data)
	if err != nil {
		return nil, false, fmt.Errorf("compress: %w", err)
	}
	if len(compressed) >= len(data) {
		return data, false, nil
	}
	return compressed, true, nil
}

// Blob envelope flags. A stored blob is one flag byte followed by the body.
const (
	flagRaw        byte = 0
	flagCompressed byte = 1
)

// Pack wraps data in a self-describing envelope, compressing it under the same rules as
// SerializeAndCompress.
func Pack(data []byte, compressor Compressor, minSize int) ([]byte, error) {
	body, compressed, err := maybeCompress(data, compressor, minSize)
	if err != nil {
		return nil, err
	}
	flag := flagRaw
	if compressed {
		flag = flagCompressed
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, flag)
	return append(out, body...), nil
}

// Unpack reverses Pack.
func Unpack(blob []byte, compressor Compressor) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("unpack: empty blob")
	}
	switch blob[0] {
	case flagRaw:
		return blob[1:], nil
	case flagCompressed:
		if compressor == nil {
			return nil, fmt.Errorf("unpack: compressed blob without compressor")
		}
		out, err := compressor.Decompress(blob[1:])
		if err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unpack: unknown envelope flag %d", blob[0])
	}
}

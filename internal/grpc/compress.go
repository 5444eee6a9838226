package grpc

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Compressor applies symmetric compression to snapshot frames on the stream.
type Compressor interface {
	//1.- Name returns the codec identifier advertised in the response header.
	Name() string
	//2.- Compress encodes the provided frame into a compressed representation.
	Compress(data []byte) ([]byte, error)
	//3.- Decompress restores the original frame from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// CompressorByName resolves an advertised encoding. An empty name means the
// frames travel uncompressed.
func CompressorByName(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "identity":
		return NewIdentityCompressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "gzip":
		return NewGZIPCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

type identityCompressor struct{}

// NewIdentityCompressor passes frames through untouched.
func NewIdentityCompressor() Compressor { return identityCompressor{} }

func (identityCompressor) Name() string                         { return "identity" }
func (identityCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (identityCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// snappyCompressor uses the snappy block format, cheap enough to run per frame.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return decoded, nil
}

// gzipCompressor wraps the klauspost gzip implementation.
type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by gzip.
func NewGZIPCompressor() Compressor {
	return gzipCompressor{}
}

// Name reports the identifier used for gzip encoded payloads.
func (gzipCompressor) Name() string { return "gzip" }

// Compress encodes data using the gzip format.
func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes gzip-encoded data and returns the raw payload.
func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

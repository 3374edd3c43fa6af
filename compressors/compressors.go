// Package compressors provides the pluggable compression codecs used by the
// segment store. The codec identifier is persisted in each segment file
// header so readers can always pick the right decompressor.
package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexuslake/core"
)

// For returns the compressor implementing the given on-disk codec.
func For(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return &SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return &LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// ByName resolves a config string ("snappy", "lz4", "zstd", "none") to a
// compressor.
func ByName(name string) (core.Compressor, error) {
	switch name {
	case "snappy":
		return &SnappyCompressor{}, nil
	case "lz4":
		return &LZ4Compressor{}, nil
	case "zstd":
		return NewZstdCompressor(), nil
	case "none", "":
		return &NoCompressionCompressor{}, nil
	default:
		return nil, fmt.Errorf("invalid compression name: %q", name)
	}
}

// NoCompressionCompressor implements the Compressor interface without performing compression.
type NoCompressionCompressor struct{}

type plainTextDecoder struct {
	*bytes.Reader
}

func (p *plainTextDecoder) Close() error {
	return nil
}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return &plainTextDecoder{Reader: bytes.NewReader(data)}, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}

// CompressTo "compresses" src data into the dst buffer by simply writing it.
func (c *NoCompressionCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

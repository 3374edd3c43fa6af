package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexuslake/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using Snappy.
// Snappy is the default codec for segment payloads.
type SnappyCompressor struct{}

// snappyReadCloser wraps a bytes.Reader so decompressed in-memory data can be
// returned as an io.ReadCloser.
type snappyReadCloser struct {
	*bytes.Reader
}

// Close is a no-op; there are no external resources behind in-memory data.
func (src *snappyReadCloser) Close() error {
	return nil
}

var _ core.Compressor = (*SnappyCompressor)(nil)
var _ io.ReadCloser = (*snappyReadCloser)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return &snappyReadCloser{Reader: bytes.NewReader(decompressed)}, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

// CompressTo compresses src into dst. snappy.Encode produces the block
// format matching Decompress; the stream format of NewBufferedWriter would
// not round-trip.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Write(snappy.Encode(nil, src))
	return nil
}

package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/INLOpen/nexuslake/core"
)

// WriterOptions configures a segment Writer.
type WriterOptions struct {
	// Path is the final segment file path. The writer stages everything in
	// Path+TempFileSuffix and renames on Finish.
	Path       string
	Compressor core.Compressor
	// BlockSize is the target uncompressed payload size per block. Zero
	// means DefaultBlockSize.
	BlockSize int
	Logger    *slog.Logger
}

// Writer builds one segment file. Rows are buffered into blocks, compressed
// and checksummed on flush. Writers are not safe for concurrent use.
type Writer struct {
	path     string
	tempPath string
	file     *os.File
	offset   int64

	compressor core.Compressor
	blockSize  int

	block     bytes.Buffer
	blockRows uint32

	numBlocks uint32
	numRows   uint64

	logger *slog.Logger
}

// NewWriter creates the temporary segment file and writes the file header.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Compressor == nil {
		return nil, fmt.Errorf("segment: writer requires a compressor")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tempPath := opts.Path + TempFileSuffix
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create directory for %s: %w", tempPath, err)
	}
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to create temporary file %s: %w", tempPath, err)
	}

	header := core.NewFileHeader(core.SegmentMagic, opts.Compressor.Type())
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("segment: failed to write file header: %w", err)
	}

	return &Writer{
		path:       opts.Path,
		tempPath:   tempPath,
		file:       file,
		offset:     int64(header.Size()),
		compressor: opts.Compressor,
		blockSize:  opts.BlockSize,
		logger:     opts.Logger,
	}, nil
}

// Append buffers one row. The row bytes are copied; the caller may reuse the
// slice.
func (w *Writer) Append(row []byte) error {
	if w.file == nil {
		return fmt.Errorf("segment: writer already finished")
	}
	if w.block.Len() > 0 && w.block.Len()+len(row)+binary.MaxVarintLen64 > w.blockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(row)))
	w.block.Write(lenBuf[:n])
	w.block.Write(row)
	w.blockRows++
	w.numRows++
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 || w.blockRows == 0 {
		return nil
	}

	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	if err := w.compressor.CompressTo(compressed, w.block.Bytes()); err != nil {
		return fmt.Errorf("segment: block compression failed: %w", err)
	}
	payload := compressed.Bytes()

	hdr := blockHeader{
		Compression: byte(w.compressor.Type()),
		NumRows:     w.blockRows,
		PayloadLen:  uint32(len(payload)),
		Checksum:    xxhash.Sum64(payload),
	}
	if err := binary.Write(w.file, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("segment: failed to write block header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("segment: failed to write block payload: %w", err)
	}
	w.offset += int64(BlockHeaderSize + len(payload))
	w.numBlocks++

	w.block.Reset()
	w.blockRows = 0
	return nil
}

// NumRows returns the number of rows appended so far.
func (w *Writer) NumRows() uint64 { return w.numRows }

// CurrentSize returns the bytes written to disk so far. Buffered rows of the
// open block are not included.
func (w *Writer) CurrentSize() int64 { return w.offset }

// Path returns the final segment file path.
func (w *Writer) Path() string { return w.path }

// Finish flushes the open block, writes the footer, syncs and renames the
// temporary file into place. It returns the final file size.
func (w *Writer) Finish() (int64, error) {
	if w.file == nil {
		return 0, fmt.Errorf("segment: writer already finished")
	}
	if err := w.flushBlock(); err != nil {
		w.abort()
		return 0, err
	}

	ftr := footer{
		NumBlocks: w.numBlocks,
		NumRows:   w.numRows,
		Magic:     core.SegmentMagic,
	}
	if err := binary.Write(w.file, binary.LittleEndian, &ftr); err != nil {
		w.abort()
		return 0, fmt.Errorf("segment: failed to write footer: %w", err)
	}
	w.offset += FooterSize

	if err := w.file.Sync(); err != nil {
		w.abort()
		return 0, fmt.Errorf("segment: failed to sync %s: %w", w.tempPath, err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		w.abort()
		return 0, fmt.Errorf("segment: failed to close %s: %w", w.tempPath, err)
	}
	w.file = nil

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return 0, fmt.Errorf("segment: failed to rename %s to %s: %w", w.tempPath, w.path, err)
	}
	w.logger.Debug("finished segment file", "path", w.path, "rows", w.numRows, "blocks", w.numBlocks, "size", w.offset)
	return w.offset, nil
}

func (w *Writer) abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove temporary segment file", "path", w.tempPath, "error", err)
	}
}

// Abort discards the writer and removes the temporary file. Safe to call
// after Finish; it then does nothing.
func (w *Writer) Abort() {
	if w.file == nil {
		return
	}
	w.abort()
}

package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/INLOpen/nexuslake/compressors"
	"github.com/INLOpen/nexuslake/core"
)

// Reader gives sequential access to a finalized segment file.
type Reader struct {
	path   string
	file   *os.File
	header core.FileHeader
	ftr    footer

	dataStart int64
	dataLen   int64
}

// OpenReader opens a segment file and validates its header and footer.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to open %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("segment: failed to read header of %s: %w", path, err)
	}
	if header.Magic != core.SegmentMagic {
		file.Close()
		return nil, fmt.Errorf("segment: %s has bad magic 0x%08x", path, header.Magic)
	}
	if header.Version > core.FormatVersion {
		file.Close()
		return nil, fmt.Errorf("segment: %s has unsupported format version %d", path, header.Version)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment: failed to stat %s: %w", path, err)
	}
	headerSize := int64(header.Size())
	if stat.Size() < headerSize+FooterSize {
		file.Close()
		return nil, fmt.Errorf("segment: %s: %w", path, ErrBadFooter)
	}

	var ftr footer
	ftrBuf := make([]byte, FooterSize)
	if _, err := file.ReadAt(ftrBuf, stat.Size()-FooterSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("segment: failed to read footer of %s: %w", path, err)
	}
	ftr.NumBlocks = binary.LittleEndian.Uint32(ftrBuf[0:4])
	ftr.NumRows = binary.LittleEndian.Uint64(ftrBuf[4:12])
	ftr.Magic = binary.LittleEndian.Uint32(ftrBuf[12:16])
	if ftr.Magic != core.SegmentMagic {
		file.Close()
		return nil, fmt.Errorf("segment: %s: %w", path, ErrBadFooter)
	}

	return &Reader{
		path:      path,
		file:      file,
		header:    header,
		ftr:       ftr,
		dataStart: headerSize,
		dataLen:   stat.Size() - headerSize - FooterSize,
	}, nil
}

func (r *Reader) Path() string    { return r.path }
func (r *Reader) NumRows() uint64 { return r.ftr.NumRows }
func (r *Reader) NumBlocks() int  { return int(r.ftr.NumBlocks) }

// Close releases the underlying file. Iterators created from this reader
// must not be used afterwards.
func (r *Reader) Close() error {
	return r.file.Close()
}

// NewIterator returns an iterator over all rows in file order. Multiple
// iterators may be open at once; each reads through its own section reader.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{
		src:       io.NewSectionReader(r.file, r.dataStart, r.dataLen),
		remaining: r.ftr.NumBlocks,
	}
}

// Iterator walks the rows of one segment file. The slice returned by Row is
// only valid until the next call to Next.
type Iterator struct {
	src       *io.SectionReader
	remaining uint32

	block     []byte
	blockRows uint32
	rowInBlk  uint32
	pos       int

	row     []byte
	ordinal uint64
	started bool
	err     error
}

// Next advances to the next row. It returns false at the end of the segment
// or on error; check Error afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.rowInBlk >= it.blockRows {
		if !it.nextBlock() {
			return false
		}
	}

	rowLen, n := binary.Uvarint(it.block[it.pos:])
	if n <= 0 {
		it.err = fmt.Errorf("segment: corrupt row length at block offset %d", it.pos)
		return false
	}
	it.pos += n
	if it.pos+int(rowLen) > len(it.block) {
		it.err = fmt.Errorf("segment: row overruns block payload")
		return false
	}
	it.row = it.block[it.pos : it.pos+int(rowLen)]
	it.pos += int(rowLen)
	it.rowInBlk++
	if it.started {
		it.ordinal++
	}
	it.started = true
	return true
}

func (it *Iterator) nextBlock() bool {
	if it.remaining == 0 {
		return false
	}
	var hdr blockHeader
	if err := binary.Read(it.src, binary.LittleEndian, &hdr); err != nil {
		it.err = fmt.Errorf("segment: failed to read block header: %w", err)
		return false
	}
	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(it.src, payload); err != nil {
		it.err = fmt.Errorf("segment: failed to read block payload: %w", err)
		return false
	}
	if xxhash.Sum64(payload) != hdr.Checksum {
		it.err = ErrChecksumMismatch
		return false
	}

	compressor, err := compressors.For(core.CompressionType(hdr.Compression))
	if err != nil {
		it.err = fmt.Errorf("segment: block uses unknown compression: %w", err)
		return false
	}
	rc, err := compressor.Decompress(payload)
	if err != nil {
		it.err = fmt.Errorf("segment: block decompression failed: %w", err)
		return false
	}
	block, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		it.err = fmt.Errorf("segment: block decompression failed: %w", err)
		return false
	}

	it.block = block
	it.blockRows = hdr.NumRows
	it.rowInBlk = 0
	it.pos = 0
	it.remaining--
	return true
}

// Row returns the current row payload.
func (it *Iterator) Row() []byte { return it.row }

// Ordinal returns the position of the current row within the segment,
// starting at zero.
func (it *Iterator) Ordinal() uint64 { return it.ordinal }

// Error returns the first error the iterator hit, if any.
func (it *Iterator) Error() error { return it.err }

package segment

import (
	"encoding/binary"
	"errors"
)

// format.go: on-disk layout of a segment file.
//
// A segment file holds opaque row payloads in compressed blocks:
//
//	FileHeader (core.FileHeader, magic "NLSG")
//	repeated blocks:
//	  compression flag (1 byte)
//	  num rows         (uint32)
//	  payload length   (uint32)
//	  payload checksum (uint64, xxhash64 of the on-disk payload)
//	  payload          (rows, possibly compressed)
//	footer:
//	  block count (uint32)
//	  row count   (uint64)
//	  magic       (uint32, same as the header magic)
//
// Inside a decompressed payload each row is a uvarint length followed by the
// row bytes. Rows are append-only; a finished segment never changes.

const (
	// BlockHeaderSize is the fixed prefix of every data block: compression
	// flag, row count, payload length and payload checksum.
	BlockHeaderSize = 1 + 4 + 4 + 8

	// FooterSize is the fixed trailer at the end of every segment file.
	FooterSize = 4 + 8 + 4

	// DefaultBlockSize is the target uncompressed payload size per block.
	DefaultBlockSize = 256 * 1024

	// TempFileSuffix marks in-flight segment files that have not been
	// finalized. Leftovers from a crash are safe to delete.
	TempFileSuffix = ".tmp"

	// FileSuffix is the extension of finalized segment files.
	FileSuffix = ".dat"
)

var (
	// ErrChecksumMismatch is returned when a block payload does not match
	// its recorded checksum.
	ErrChecksumMismatch = errors.New("segment: block checksum mismatch")

	// ErrBadFooter is returned when the trailer of a segment file is
	// truncated or carries the wrong magic.
	ErrBadFooter = errors.New("segment: invalid file footer")
)

type blockHeader struct {
	Compression byte
	NumRows     uint32
	PayloadLen  uint32
	Checksum    uint64
}

type footer struct {
	NumBlocks uint32
	NumRows   uint64
	Magic     uint32
}

func putUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

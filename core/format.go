package core

import (
	"encoding/binary"
	"time"
)

// FormatVersion is the on-disk format version for files this package frames.
const FormatVersion uint8 = 1

// Magic numbers identifying persistent file types.
const (
	// SegmentMagic marks opaque rowset segment files ("NLSG").
	SegmentMagic uint32 = 0x4e4c5347
	// TabletMetaMagic marks tablet metadata files ("NLTM").
	TabletMetaMagic uint32 = 0x4e4c544d
)

// FileHeader is a standard header for all persistent data files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

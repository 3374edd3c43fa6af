package core

import (
	"bytes"
	"fmt"
	"io"
)

// TabletID uniquely identifies a tablet within the storage tier.
type TabletID uint64

// TableID identifies the logical table a tablet belongs to.
type TableID uint64

// RowsetID uniquely identifies a rowset. IDs are issued by the engine and
// are monotonically increasing within a process lifetime.
type RowsetID uint64

// Version is an inclusive range of data versions covered by a rowset.
// A tablet's rowsets form a gap-free chain: the next rowset's First is
// always the previous rowset's Last+1.
type Version struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

// NewVersion returns the inclusive version range [first, last].
func NewVersion(first, last int64) Version {
	return Version{First: first, Last: last}
}

// Contains reports whether v fully covers other.
func (v Version) Contains(other Version) bool {
	return v.First <= other.First && other.Last <= v.Last
}

// Merge returns the smallest range covering both v and other.
func (v Version) Merge(other Version) Version {
	out := v
	if other.First < out.First {
		out.First = other.First
	}
	if other.Last > out.Last {
		out.Last = other.Last
	}
	return out
}

// Count returns the number of versions covered by the range.
func (v Version) Count() int64 {
	return v.Last - v.First + 1
}

func (v Version) String() string {
	return fmt.Sprintf("[%d-%d]", v.First, v.Last)
}

// CompactionKind enumerates the compaction strategies the storage tier runs.
// The set is closed: all dispatch over kinds is done with exhaustive
// switches, and adding a kind requires touching every switch.
type CompactionKind int

const (
	// CompactionBase merges the rowsets below the tablet's cumulative point
	// into the base rowset.
	CompactionBase CompactionKind = iota
	// CompactionCumulative merges recently ingested rowsets at or above the
	// cumulative point.
	CompactionCumulative
	// CompactionFull merges the tablet's entire version history and excludes
	// both base and cumulative compaction while it runs.
	CompactionFull
	// CompactionSingleReplica fetches an already-compacted rowset from a peer
	// replica instead of merging locally. It is an internal kind and is not
	// accepted by ParseCompactionKind.
	CompactionSingleReplica
)

func (k CompactionKind) String() string {
	switch k {
	case CompactionBase:
		return "base"
	case CompactionCumulative:
		return "cumulative"
	case CompactionFull:
		return "full"
	case CompactionSingleReplica:
		return "single_replica"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseCompactionKind parses an operator-supplied compaction type string.
// Only the externally triggerable kinds are accepted; anything else yields
// an UnsupportedTypeError.
func ParseCompactionKind(s string) (CompactionKind, error) {
	switch s {
	case "base":
		return CompactionBase, nil
	case "cumulative":
		return CompactionCumulative, nil
	case "full":
		return CompactionFull, nil
	default:
		return 0, &UnsupportedTypeError{Message: fmt.Sprintf("The compaction type '%s' is not supported", s)}
	}
}

// CompressionType identifies the compression algorithm used.
// This is stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// FileRemover abstracts file deletion so tests can intercept it.
type FileRemover interface {
	Remove(name string) error
}

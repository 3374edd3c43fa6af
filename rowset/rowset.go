package rowset

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexuslake/core"
)

// Rowset is an immutable run of rows covering a contiguous version range.
// The segment files on disk never change after the rowset becomes visible;
// row-level deletes are expressed through the delete bitmap instead.
//
// Lifecycle is reference counted. The owning tablet holds one reference for
// as long as the rowset is part of the visible version chain; readers take
// additional references for the duration of a scan. When a compaction
// replaces the rowset it is marked superseded, and the segment files are
// removed once the last reference is dropped.
type Rowset struct {
	meta     RowsetMeta
	segments []string

	mu      sync.RWMutex
	deletes *roaring64.Bitmap

	refs       atomic.Int64
	superseded atomic.Bool
	cleanup    sync.Once

	remover core.FileRemover
	logger  *slog.Logger
}

type osFileRemover struct{}

func (osFileRemover) Remove(name string) error { return os.Remove(name) }

// NewRowset wraps the given segment files into a visible rowset holding one
// reference on behalf of its owner. remover may be nil, in which case files
// are removed through the os package.
func NewRowset(meta RowsetMeta, segments []string, remover core.FileRemover, logger *slog.Logger) *Rowset {
	if remover == nil {
		remover = osFileRemover{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rs := &Rowset{
		meta:     meta,
		segments: append([]string(nil), segments...),
		deletes:  roaring64.New(),
		remover:  remover,
		logger:   logger.With("component", "rowset", "rowset_id", uint64(meta.ID)),
	}
	rs.refs.Store(1)
	return rs
}

// Meta returns a copy of the rowset metadata.
func (rs *Rowset) Meta() RowsetMeta { return rs.meta }

func (rs *Rowset) ID() core.RowsetID     { return rs.meta.ID }
func (rs *Rowset) Version() core.Version { return rs.meta.Version }
func (rs *Rowset) NumRows() int64        { return rs.meta.NumRows }
func (rs *Rowset) NumSegments() int      { return rs.meta.NumSegments }
func (rs *Rowset) DataSize() int64       { return rs.meta.DataSize }
func (rs *Rowset) CreationTime() int64   { return rs.meta.CreationTime }
func (rs *Rowset) CompactionLevel() int  { return rs.meta.CompactionLevel }

// Empty reports whether the rowset holds no rows at all. Empty rowsets still
// occupy a slot in the version chain and are cheap to merge away.
func (rs *Rowset) Empty() bool { return rs.meta.Empty() }

// SegmentPaths returns the on-disk segment files backing this rowset.
func (rs *Rowset) SegmentPaths() []string {
	return append([]string(nil), rs.segments...)
}

// DeleteBitmap returns a snapshot of the row ordinals masked out by newer
// versions. The caller owns the returned bitmap.
func (rs *Rowset) DeleteBitmap() *roaring64.Bitmap {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.deletes.Clone()
}

// LiveRows returns the number of rows not masked by the delete bitmap.
func (rs *Rowset) LiveRows() int64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.meta.NumRows - int64(rs.deletes.GetCardinality())
}

// IsRowDeleted reports whether the row at the given ordinal is masked.
func (rs *Rowset) IsRowDeleted(ordinal uint64) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.deletes.Contains(ordinal)
}

// MarkRowsDeleted masks the given row ordinals. The segment files are left
// untouched; the rows disappear from reads and are dropped for good by the
// next compaction that rewrites this rowset.
func (rs *Rowset) MarkRowsDeleted(ordinals ...uint64) {
	if len(ordinals) == 0 {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.deletes.AddMany(ordinals)
}

// MergeDeleteBitmap folds the given bitmap into the rowset's delete bitmap.
func (rs *Rowset) MergeDeleteBitmap(other *roaring64.Bitmap) {
	if other == nil || other.IsEmpty() {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.deletes.Or(other)
}

// Ref takes an additional reference, keeping the segment files alive until
// the matching Unref. It must not be called after the last reference was
// dropped.
func (rs *Rowset) Ref() {
	if rs.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("rowset %d: Ref after release", rs.meta.ID))
	}
}

// Unref drops one reference. Once the rowset is superseded and the last
// reference is gone, the segment files are removed from disk.
func (rs *Rowset) Unref() {
	n := rs.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("rowset %d: Unref below zero", rs.meta.ID))
	}
	if n == 0 {
		rs.maybeRemoveFiles()
	}
}

// MarkSuperseded flags the rowset as replaced by a compaction output. File
// removal happens once the last reference is dropped, which may be here if
// no reader holds one.
func (rs *Rowset) MarkSuperseded() {
	rs.superseded.Store(true)
	if rs.refs.Load() == 0 {
		rs.maybeRemoveFiles()
	}
}

// Superseded reports whether the rowset has been replaced in the version
// chain and is waiting for its last reference before file removal.
func (rs *Rowset) Superseded() bool { return rs.superseded.Load() }

// RefCount is for tests and status reporting only.
func (rs *Rowset) RefCount() int64 { return rs.refs.Load() }

func (rs *Rowset) maybeRemoveFiles() {
	if !rs.superseded.Load() {
		return
	}
	rs.cleanup.Do(func() {
		for _, path := range rs.segments {
			if err := rs.remover.Remove(path); err != nil && !os.IsNotExist(err) {
				rs.logger.Warn("failed to remove superseded segment file", "path", path, "error", err)
			}
		}
		rs.logger.Debug("removed superseded rowset files", "version", rs.meta.Version.String(), "segments", len(rs.segments))
	})
}

func (rs *Rowset) String() string { return rs.meta.String() }

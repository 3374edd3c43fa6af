package tablet

import (
	"fmt"
	"sort"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
)

// versionIndex is the version history of one tablet: the rowsets ordered by
// version, plus an id map and cached totals.
//
// The index itself is not locked; the owning Tablet serializes access. Every
// mutation re-establishes the chain invariant: versions are non-overlapping,
// strictly increasing and gap free (next.First == prev.Last+1).
type versionIndex struct {
	rowsets   []*rowset.Rowset
	rowsetMap map[core.RowsetID]*rowset.Rowset
	totalSize int64
	totalRows int64
}

func newVersionIndex() *versionIndex {
	return &versionIndex{
		rowsets:   make([]*rowset.Rowset, 0),
		rowsetMap: make(map[core.RowsetID]*rowset.Rowset),
	}
}

// add inserts a rowset at its version position. The new version must either
// extend the chain at the tail or fill nothing: any overlap or gap is
// rejected.
func (vi *versionIndex) add(rs *rowset.Rowset) error {
	if rs == nil {
		return fmt.Errorf("cannot add nil rowset to version index")
	}
	v := rs.Version()
	if v.First > v.Last {
		return fmt.Errorf("rowset %d has inverted version %s", rs.ID(), v)
	}
	if _, exists := vi.rowsetMap[rs.ID()]; exists {
		return fmt.Errorf("rowset with ID %d already exists in version index", rs.ID())
	}
	if n := len(vi.rowsets); n > 0 {
		tail := vi.rowsets[n-1].Version()
		if v.First != tail.Last+1 {
			return fmt.Errorf("version %s does not continue the chain after %s", v, tail)
		}
	} else if v.First != 0 {
		return fmt.Errorf("first version %s must start at 0", v)
	}

	vi.rowsetMap[rs.ID()] = rs
	vi.rowsets = append(vi.rowsets, rs)
	vi.totalSize += rs.DataSize()
	vi.totalRows += rs.NumRows()
	return nil
}

// setRowsets replaces the whole index with rowsets loaded from disk. They may
// arrive in any order; the chain invariant is checked after sorting.
func (vi *versionIndex) setRowsets(rowsets []*rowset.Rowset) error {
	sorted := append([]*rowset.Rowset(nil), rowsets...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version().First < sorted[j].Version().First
	})

	var totalSize, totalRows int64
	rowsetMap := make(map[core.RowsetID]*rowset.Rowset, len(sorted))
	for i, rs := range sorted {
		v := rs.Version()
		if i == 0 {
			if v.First != 0 {
				return fmt.Errorf("first version %s must start at 0", v)
			}
		} else if prev := sorted[i-1].Version(); v.First != prev.Last+1 {
			return fmt.Errorf("version %s does not continue the chain after %s", v, prev)
		}
		if _, exists := rowsetMap[rs.ID()]; exists {
			return fmt.Errorf("duplicate rowset ID %d in version index", rs.ID())
		}
		rowsetMap[rs.ID()] = rs
		totalSize += rs.DataSize()
		totalRows += rs.NumRows()
	}

	vi.rowsets = sorted
	vi.rowsetMap = rowsetMap
	vi.totalSize = totalSize
	vi.totalRows = totalRows
	return nil
}

// replaceRun swaps a contiguous run of rowsets for a single output covering
// exactly the same version range. inputIDs must match the live run in order;
// any mismatch returns core.ErrVersionConflict and mutates nothing.
func (vi *versionIndex) replaceRun(inputIDs []core.RowsetID, output *rowset.Rowset) ([]*rowset.Rowset, error) {
	if output == nil {
		return nil, fmt.Errorf("cannot replace rowsets with a nil output")
	}
	if len(inputIDs) == 0 {
		return nil, fmt.Errorf("replace requires at least one input rowset")
	}

	start := -1
	for i, rs := range vi.rowsets {
		if rs.ID() == inputIDs[0] {
			start = i
			break
		}
	}
	if start < 0 || start+len(inputIDs) > len(vi.rowsets) {
		return nil, core.ErrVersionConflict
	}
	for i, id := range inputIDs {
		if vi.rowsets[start+i].ID() != id {
			return nil, core.ErrVersionConflict
		}
	}

	replaced := vi.rowsets[start : start+len(inputIDs)]
	want := core.NewVersion(replaced[0].Version().First, replaced[len(replaced)-1].Version().Last)
	if output.Version() != want {
		return nil, core.ErrVersionConflict
	}
	if _, exists := vi.rowsetMap[output.ID()]; exists {
		return nil, core.ErrVersionConflict
	}

	removed := append([]*rowset.Rowset(nil), replaced...)
	for _, rs := range removed {
		delete(vi.rowsetMap, rs.ID())
		vi.totalSize -= rs.DataSize()
		vi.totalRows -= rs.NumRows()
	}
	vi.rowsetMap[output.ID()] = output
	vi.totalSize += output.DataSize()
	vi.totalRows += output.NumRows()

	newRowsets := make([]*rowset.Rowset, 0, len(vi.rowsets)-len(removed)+1)
	newRowsets = append(newRowsets, vi.rowsets[:start]...)
	newRowsets = append(newRowsets, output)
	newRowsets = append(newRowsets, vi.rowsets[start+len(removed):]...)
	vi.rowsets = newRowsets

	return removed, nil
}

// get returns the rowset with the given ID.
func (vi *versionIndex) get(id core.RowsetID) (*rowset.Rowset, bool) {
	rs, ok := vi.rowsetMap[id]
	return rs, ok
}

// snapshot returns a copy of the ordered rowset slice.
func (vi *versionIndex) snapshot() []*rowset.Rowset {
	return append([]*rowset.Rowset(nil), vi.rowsets...)
}

// below returns the ordered rowsets whose versions end before point.
func (vi *versionIndex) below(point int64) []*rowset.Rowset {
	var out []*rowset.Rowset
	for _, rs := range vi.rowsets {
		if rs.Version().Last < point {
			out = append(out, rs)
		}
	}
	return out
}

// atOrAbove returns the ordered rowsets whose versions start at or after
// point.
func (vi *versionIndex) atOrAbove(point int64) []*rowset.Rowset {
	var out []*rowset.Rowset
	for _, rs := range vi.rowsets {
		if rs.Version().First >= point {
			out = append(out, rs)
		}
	}
	return out
}

func (vi *versionIndex) count() int  { return len(vi.rowsets) }
func (vi *versionIndex) size() int64 { return vi.totalSize }
func (vi *versionIndex) rows() int64 { return vi.totalRows }

// maxVersion returns the highest version in the chain, or -1 when empty.
func (vi *versionIndex) maxVersion() int64 {
	if len(vi.rowsets) == 0 {
		return -1
	}
	return vi.rowsets[len(vi.rowsets)-1].Version().Last
}

package rowset

import (
	"fmt"

	"github.com/INLOpen/nexuslake/core"
)

// RowsetMeta describes one immutable rowset. It is persisted as part of the
// tablet metadata and carried in memory by the Rowset that owns the files.
type RowsetMeta struct {
	ID       core.RowsetID `json:"id"`
	TabletID core.TabletID `json:"tablet_id"`
	Version  core.Version  `json:"version"`
	// NumRows counts all rows present in the segment files, including rows
	// already masked by the delete bitmap.
	NumRows     int64 `json:"num_rows"`
	NumSegments int   `json:"num_segments"`
	DataSize    int64 `json:"data_size"`
	// CreationTime is the unix time (seconds) the rowset became visible.
	CreationTime int64 `json:"creation_time"`
	// CompactionLevel counts how many times the data has been merged. Fresh
	// ingestion rowsets are level 0; a merge output is one level above its
	// highest input.
	CompactionLevel int `json:"compaction_level"`
}

// Empty reports whether the rowset holds no rows at all.
func (m RowsetMeta) Empty() bool {
	return m.NumRows == 0
}

func (m RowsetMeta) String() string {
	return fmt.Sprintf("rowset %d %s segments=%d rows=%d size=%d level=%d",
		m.ID, m.Version, m.NumSegments, m.NumRows, m.DataSize, m.CompactionLevel)
}

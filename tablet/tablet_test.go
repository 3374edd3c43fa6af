package tablet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/internal/testutil"
)

func newTabletForTest(t *testing.T, persist bool) *Tablet {
	t.Helper()
	metaPath := ""
	if persist {
		metaPath = filepath.Join(t.TempDir(), MetaFileName)
	}
	meta := &TabletMeta{
		TabletID:         7,
		TableID:          3,
		CompactionPolicy: "size_based",
		CreationTime:     time.Now().Unix(),
	}
	return NewTablet(meta, metaPath, nil, nil)
}

func addChain(t *testing.T, tab *Tablet, versions ...[2]int64) {
	t.Helper()
	for i, v := range versions {
		require.NoError(t, tab.AddRowset(newRowsetForTest(t, core.RowsetID(i+1), v[0], v[1])))
	}
}

func TestTablet_ReplaceVersions(t *testing.T) {
	tab := newTabletForTest(t, true)
	addChain(t, tab, [2]int64{0, 1}, [2]int64{2, 2}, [2]int64{3, 3})

	output := newRowsetForTest(t, 10, 2, 3)
	require.NoError(t, tab.ReplaceVersions([]core.RowsetID{2, 3}, output))
	assert.Equal(t, 2, tab.RowsetCount())
	assert.Equal(t, int64(3), tab.MaxVersion())

	// The replaced inputs are superseded; the output carries the chain ref.
	assert.True(t, output.RefCount() >= 1)

	// Replaying the same replace conflicts: the inputs are gone.
	err := tab.ReplaceVersions([]core.RowsetID{2, 3}, newRowsetForTest(t, 11, 2, 3))
	require.ErrorIs(t, err, core.ErrVersionConflict)
	assert.Equal(t, 2, tab.RowsetCount())

	// The swap survives a reload.
	loaded, err := LoadTabletMeta(tab.metaPath)
	require.NoError(t, err)
	require.Len(t, loaded.Rowsets, 2)
	assert.Equal(t, core.NewVersion(2, 3), loaded.Rowsets[1].Meta.Version)
}

func TestTablet_CandidateRowsetsByScope(t *testing.T) {
	tab := newTabletForTest(t, false)
	addChain(t, tab, [2]int64{0, 1}, [2]int64{2, 2}, [2]int64{3, 4})
	tab.EnsureCumulativePoint()
	require.Equal(t, int64(2), tab.CumulativePoint())

	base := tab.CandidateRowsets(core.CompactionBase)
	defer UnrefAll(base)
	require.Len(t, base, 1)
	assert.Equal(t, "[0-1]", base[0].Version().String())

	cumu := tab.CandidateRowsets(core.CompactionCumulative)
	defer UnrefAll(cumu)
	require.Len(t, cumu, 2)

	single := tab.CandidateRowsets(core.CompactionSingleReplica)
	defer UnrefAll(single)
	assert.Len(t, single, 2)

	full := tab.CandidateRowsets(core.CompactionFull)
	defer UnrefAll(full)
	assert.Len(t, full, 3)

	// Snapshots hold an extra reference each.
	assert.Equal(t, int64(3), base[0].RefCount(), "chain ref plus the base and full snapshots")
}

func TestTablet_TryLockCompaction(t *testing.T) {
	tab := newTabletForTest(t, false)

	releaseBase, ok := tab.TryLockCompaction(core.CompactionBase)
	require.True(t, ok)
	_, ok = tab.TryLockCompaction(core.CompactionBase)
	assert.False(t, ok, "base lock is exclusive")

	// Cumulative is independent of base.
	releaseCumu, ok := tab.TryLockCompaction(core.CompactionCumulative)
	require.True(t, ok)

	// Full needs both.
	_, ok = tab.TryLockCompaction(core.CompactionFull)
	assert.False(t, ok)
	assert.False(t, tab.FullCompactionRunning())

	releaseBase()
	releaseCumu()

	releaseFull, ok := tab.TryLockCompaction(core.CompactionFull)
	require.True(t, ok)
	assert.True(t, tab.FullCompactionRunning())
	_, ok = tab.TryLockCompaction(core.CompactionBase)
	assert.False(t, ok, "full holds the base lock")
	_, ok = tab.TryLockCompaction(core.CompactionCumulative)
	assert.False(t, ok, "full holds the cumulative lock")

	releaseFull()
	assert.False(t, tab.FullCompactionRunning())
	release, ok := tab.TryLockCompaction(core.CompactionBase)
	require.True(t, ok)
	release()
}

func TestTablet_FullLockFailureLeavesBaseFree(t *testing.T) {
	tab := newTabletForTest(t, false)

	releaseCumu, ok := tab.TryLockCompaction(core.CompactionCumulative)
	require.True(t, ok)

	// Full cannot get the cumulative lock and must back out of base.
	_, ok = tab.TryLockCompaction(core.CompactionFull)
	require.False(t, ok)

	releaseBase, ok := tab.TryLockCompaction(core.CompactionBase)
	require.True(t, ok, "a failed full attempt must release the base lock")
	releaseBase()
	releaseCumu()
}

func TestTablet_CompactionRunningProbes(t *testing.T) {
	tab := newTabletForTest(t, false)

	assert.False(t, tab.CompactionRunning(core.CompactionBase))
	assert.False(t, tab.CompactionRunning(core.CompactionCumulative))
	assert.False(t, tab.CompactionRunning(core.CompactionFull))

	release, ok := tab.TryLockCompaction(core.CompactionCumulative)
	require.True(t, ok)
	assert.True(t, tab.CompactionRunning(core.CompactionCumulative))
	assert.False(t, tab.CompactionRunning(core.CompactionBase))
	assert.False(t, tab.CompactionRunning(core.CompactionFull))
	release()

	releaseFull, ok := tab.TryLockCompaction(core.CompactionFull)
	require.True(t, ok)
	assert.True(t, tab.CompactionRunning(core.CompactionFull))
	assert.True(t, tab.CompactionRunning(core.CompactionBase))
	assert.True(t, tab.CompactionRunning(core.CompactionCumulative))
	releaseFull()
	assert.False(t, tab.CompactionRunning(core.CompactionFull))
}

func TestTablet_AdvanceCumulativePoint(t *testing.T) {
	tab := newTabletForTest(t, true)
	addChain(t, tab, [2]int64{0, 1}, [2]int64{2, 2})
	tab.EnsureCumulativePoint()
	require.Equal(t, int64(2), tab.CumulativePoint())

	require.NoError(t, tab.AdvanceCumulativePoint(3))
	assert.Equal(t, int64(3), tab.CumulativePoint())

	// Moving backwards is a no-op.
	require.NoError(t, tab.AdvanceCumulativePoint(1))
	assert.Equal(t, int64(3), tab.CumulativePoint())

	loaded, err := LoadTabletMeta(tab.metaPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.CumulativePoint)
}

func TestTablet_RecordCompactionTimes(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1_700_000_000, 0))
	meta := &TabletMeta{TabletID: 1, TableID: 1}
	tab := NewTablet(meta, "", clock, nil)

	tab.RecordCompactionStart(core.CompactionCumulative)
	clock.Advance(5 * time.Second)
	tab.RecordCompactionFailure(core.CompactionCumulative)
	clock.Advance(5 * time.Second)
	tab.RecordCompactionSuccess(core.CompactionCumulative)

	st := tab.Status()
	assert.Equal(t, int64(1_700_000_000_000), st.Cumulative.LastRunTimeMs)
	assert.Equal(t, int64(1_700_000_005_000), st.Cumulative.LastFailureTimeMs)
	assert.Equal(t, int64(1_700_000_010_000), st.Cumulative.LastSuccessTimeMs)
	assert.Equal(t, int64(1), st.Cumulative.FailureCount)
	assert.Zero(t, st.Base.LastRunTimeMs)

	assert.Equal(t, st.Cumulative.LastFailureTimeMs, tab.LastFailureMillis(core.CompactionCumulative))
}

func TestTablet_Status(t *testing.T) {
	tab := newTabletForTest(t, false)
	addChain(t, tab, [2]int64{0, 1}, [2]int64{2, 4})
	tab.EnsureCumulativePoint()

	st := tab.Status()
	assert.Equal(t, core.TabletID(7), st.TabletID)
	assert.Equal(t, core.TableID(3), st.TableID)
	assert.Equal(t, "size_based", st.CumulativePolicy)
	assert.Equal(t, int64(2), st.CumulativePoint)
	assert.Equal(t, 2, st.RowsetCount)
	require.Len(t, st.Rowsets, 2)
	assert.Contains(t, st.Rowsets[0], "[0-1]")
	assert.Contains(t, st.Rowsets[1], "[2-4]")
}

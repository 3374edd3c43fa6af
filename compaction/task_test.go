package compaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/internal/testutil"
	"github.com/INLOpen/nexuslake/tablet"
)

func taskParams(tab *tablet.Tablet, m Merger) TaskParams {
	return TaskParams{
		Tablet: tab,
		Merger: m,
		Clock:  testutil.NewMockClock(testBaseTime),
		Logger: discardLogger(),
	}
}

// singletonChain builds specs [0-0]..[n-1 - n-1] with the given sizes.
func singletonChain(sizes ...int64) []rowsetSpec {
	specs := make([]rowsetSpec, len(sizes))
	for i, size := range sizes {
		specs[i] = rowsetSpec{
			id:    uint64(i + 1),
			first: int64(i), last: int64(i),
			rows: 10, size: size,
			created: testBaseTime.Unix(),
		}
	}
	return specs
}

func TestBaseCompaction_MergesEverythingBelowPoint(t *testing.T) {
	// A base and five deltas meet the delta-count trigger.
	tab := newTestTablet(t, tabletConfig{point: 6},
		singletonChain(1000, 100, 100, 100, 100, 100)...)
	merger := &mockMerger{}

	task, err := NewBaseCompaction(taskParams(tab, merger))
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, TaskSucceeded, task.State())
	assert.Equal(t, core.NewVersion(0, 5), task.InputVersion())
	assert.Equal(t, [][]int64{{0, 5}}, chainVersions(tab))
	assert.Equal(t, 1, merger.callCount())
	assert.Equal(t, []core.RowsetID{1, 2, 3, 4, 5, 6}, merger.lastInputs)

	// Both lanes are free again.
	release, ok := tab.TryLockCompaction(core.CompactionBase)
	require.True(t, ok)
	release()
}

func TestBaseCompaction_BelowTriggers_Benign(t *testing.T) {
	// Two tiny deltas against a large base: neither the count nor the ratio
	// trigger fires.
	tab := newTestTablet(t, tabletConfig{point: 3},
		singletonChain(100_000, 100, 100)...)
	merger := &mockMerger{}

	task, err := NewBaseCompaction(taskParams(tab, merger))
	require.NoError(t, err)
	runErr := task.Run(context.Background())

	assert.ErrorIs(t, runErr, core.ErrNoSuitableVersion)
	assert.Equal(t, TaskFailedBenign, task.State())
	assert.Equal(t, 0, merger.callCount())
	assert.Equal(t, 3, tab.RowsetCount())
}

func TestBaseCompaction_DataRatioTrigger(t *testing.T) {
	// Two deltas only, but their size is 40% of the base.
	tab := newTestTablet(t, tabletConfig{point: 3},
		singletonChain(1000, 200, 200)...)
	merger := &mockMerger{}

	task, err := NewBaseCompaction(taskParams(tab, merger))
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, TaskSucceeded, task.State())
	assert.Equal(t, [][]int64{{0, 2}}, chainVersions(tab))
}

func TestCumulativeCompaction_PicksAndPromotes(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 1},
		singletonChain(100, 100, 100, 100)...)
	merger := &mockMerger{}
	params := taskParams(tab, merger)
	params.Policy = newSizeBasedForTest(looseTunables())

	task, err := NewCumulativeCompaction(params)
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, TaskSucceeded, task.State())
	assert.Equal(t, [][]int64{{0, 0}, {1, 3}}, chainVersions(tab))
	assert.Equal(t, int64(4), tab.CumulativePoint())
}

func TestCumulativeCompaction_InitializesPointLazily(t *testing.T) {
	// A tablet that never compacted has point zero; the task derives it from
	// the oldest rowset before consulting the policy.
	tab := newTestTablet(t, tabletConfig{point: 0},
		singletonChain(100, 100, 100)...)
	merger := &mockMerger{}
	params := taskParams(tab, merger)
	params.Policy = newSizeBasedForTest(looseTunables())

	task, err := NewCumulativeCompaction(params)
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, [][]int64{{0, 0}, {1, 2}}, chainVersions(tab))
}

func TestCumulativeCompaction_RequiresPolicy(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 1}, singletonChain(100, 100)...)
	_, err := NewCumulativeCompaction(taskParams(tab, &mockMerger{}))
	require.Error(t, err)
}

func TestTask_LockContention_Benign(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 1},
		singletonChain(100, 100, 100)...)
	release, ok := tab.TryLockCompaction(core.CompactionCumulative)
	require.True(t, ok)
	defer release()

	merger := &mockMerger{}
	params := taskParams(tab, merger)
	params.Policy = newSizeBasedForTest(looseTunables())
	task, err := NewCumulativeCompaction(params)
	require.NoError(t, err)

	runErr := task.Run(context.Background())
	assert.ErrorIs(t, runErr, core.ErrAlreadyRunning)
	assert.Equal(t, TaskFailedBenign, task.State())
	assert.Equal(t, 0, merger.callCount())
}

func TestFullCompaction_RewritesWholeChain(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 1},
		singletonChain(1000, 100, 100)...)
	merger := &mockMerger{}

	task, err := NewFullCompaction(taskParams(tab, merger))
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, TaskSucceeded, task.State())
	assert.Equal(t, [][]int64{{0, 2}}, chainVersions(tab))
	assert.Equal(t, int64(3), tab.CumulativePoint())
	assert.False(t, tab.FullCompactionRunning())

	for _, kind := range []core.CompactionKind{core.CompactionBase, core.CompactionCumulative} {
		release, ok := tab.TryLockCompaction(kind)
		require.True(t, ok, "lane %s still locked", kind)
		release()
	}
}

func TestFullCompaction_SingleRowset_Benign(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 1}, singletonChain(1000)...)
	task, err := NewFullCompaction(taskParams(tab, &mockMerger{}))
	require.NoError(t, err)

	runErr := task.Run(context.Background())
	assert.ErrorIs(t, runErr, core.ErrNoSuitableVersion)
	assert.Equal(t, TaskFailedBenign, task.State())
	assert.False(t, tab.FullCompactionRunning())
}

func TestTask_AdmissionDenied_Benign(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 6},
		singletonChain(1000, 100, 100, 100, 100, 100)...)
	merger := &mockMerger{}
	params := taskParams(tab, merger)
	params.Admission = admitFunc(func(int64) error { return core.ErrMemoryLimitExceeded })

	task, err := NewBaseCompaction(params)
	require.NoError(t, err)
	runErr := task.Run(context.Background())

	assert.ErrorIs(t, runErr, core.ErrMemoryLimitExceeded)
	assert.Equal(t, TaskFailedBenign, task.State())
	assert.Equal(t, 0, merger.callCount())
	assert.Zero(t, tab.LastFailureMillis(core.CompactionBase))
	assert.Equal(t, 6, tab.RowsetCount())
}

func TestTask_MergeFailure_Fatal(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 6},
		singletonChain(1000, 100, 100, 100, 100, 100)...)
	merger := &mockMerger{err: errors.New("segment write failed")}

	task, err := NewBaseCompaction(taskParams(tab, merger))
	require.NoError(t, err)
	runErr := task.Run(context.Background())

	require.Error(t, runErr)
	assert.Equal(t, TaskFailedFatal, task.State())
	assert.NotZero(t, tab.LastFailureMillis(core.CompactionBase))
	assert.Equal(t, 6, tab.RowsetCount(), "failed merge must leave the chain alone")

	release, ok := tab.TryLockCompaction(core.CompactionBase)
	require.True(t, ok)
	release()
}

func TestTask_OutputVersionMismatch_Fatal(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 6},
		singletonChain(1000, 100, 100, 100, 100, 100)...)
	badVersion := core.NewVersion(0, 4)
	merger := &mockMerger{outVer: &badVersion}

	task, err := NewBaseCompaction(taskParams(tab, merger))
	require.NoError(t, err)
	runErr := task.Run(context.Background())

	assert.ErrorIs(t, runErr, core.ErrVersionConflict)
	assert.Equal(t, TaskFailedFatal, task.State())
	assert.Equal(t, 6, tab.RowsetCount())
}

func TestNewCompactionTask_Factory(t *testing.T) {
	tab := newTestTablet(t, tabletConfig{point: 1, peers: []string{"http://peer:8080"}},
		singletonChain(100, 100)...)
	params := taskParams(tab, &mockMerger{})
	params.Policy = newSizeBasedForTest(looseTunables())
	params.PeerClient = &mockPeerClient{}

	for kind, want := range map[core.CompactionKind]TaskState{
		core.CompactionBase:          TaskCreated,
		core.CompactionCumulative:    TaskCreated,
		core.CompactionFull:          TaskCreated,
		core.CompactionSingleReplica: TaskCreated,
	} {
		task, err := NewCompactionTask(kind, params)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, task.Kind())
		assert.Equal(t, want, task.State())
	}

	_, err := NewCompactionTask(core.CompactionKind(99), params)
	require.Error(t, err)
}

func TestTaskState_Strings(t *testing.T) {
	assert.Equal(t, "created", TaskCreated.String())
	assert.Equal(t, "failed_benign", TaskFailedBenign.String())
	assert.True(t, TaskSucceeded.Terminal())
	assert.False(t, TaskPrepared.Terminal())
}

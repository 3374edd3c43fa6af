package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/hooks"
)

func TestNewEngine_RequiresDataDir(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory")
}

func TestEngine_StartCloseLifecycle(t *testing.T) {
	eng, err := NewEngine(Options{
		DataDir:       t.TempDir(),
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, "lifecycle_test_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	require.ErrorIs(t, eng.CheckStarted(), core.ErrEngineClosed, "not started yet")

	require.NoError(t, eng.Start())
	require.NoError(t, eng.CheckStarted())
	require.ErrorIs(t, eng.Start(), ErrEngineAlreadyStarted)

	require.NoError(t, eng.Close())
	require.ErrorIs(t, eng.CheckStarted(), core.ErrEngineClosed)
	require.NoError(t, eng.Close(), "second close is a no-op")
}

func TestEngine_StartPreHookVeto(t *testing.T) {
	eng, err := NewEngine(Options{
		DataDir:       t.TempDir(),
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, "start_veto_test_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	veto := &mockListener{returnErr: errors.New("not now")}
	post := &mockListener{}
	eng.GetHookManager().Register(hooks.EventPreStartEngine, veto)
	eng.GetHookManager().Register(hooks.EventPostStartEngine, post)

	err = eng.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled by pre-hook")
	assert.ErrorIs(t, eng.CheckStarted(), core.ErrEngineClosed)
	assert.Zero(t, post.eventCount(), "post-start must not fire on a vetoed start")

	veto.returnErr = nil
	require.NoError(t, eng.Start())
	assert.Equal(t, 1, post.eventCount())
	require.NoError(t, eng.Close())
}

func TestEngine_ClosePreHookVeto(t *testing.T) {
	eng, _ := newEngineForTest(t, "close_veto_test_", nil)

	veto := &mockListener{returnErr: errors.New("hold on")}
	eng.GetHookManager().Register(hooks.EventPreCloseEngine, veto)

	err := eng.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled by pre-hook")
	require.NoError(t, eng.CheckStarted(), "vetoed close leaves the engine running")

	// Clear the veto so the t.Cleanup close succeeds.
	veto.returnErr = nil
}

func TestEngine_DataDirLock(t *testing.T) {
	dataDir := t.TempDir()
	eng1, err := NewEngine(Options{
		DataDir:       dataDir,
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, "lock_test_a_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, eng1.Start())
	defer eng1.Close()

	eng2, err := NewEngine(Options{
		DataDir:       dataDir,
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, "lock_test_b_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	err = eng2.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")

	// Releasing the first engine's lock lets the second start.
	require.NoError(t, eng1.Close())
	require.NoError(t, eng2.Start())
	require.NoError(t, eng2.Close())
}

func TestEngine_CreateAndDropTablet(t *testing.T) {
	eng, _ := newEngineForTest(t, "tablet_lifecycle_test_", nil)

	created := &mockListener{}
	dropped := &mockListener{}
	eng.GetHookManager().Register(hooks.EventPostTabletCreate, created)
	eng.GetHookManager().Register(hooks.EventPostTabletDrop, dropped)

	tab, err := eng.CreateTablet(1, 100, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "size_based", tab.PolicyName(), "empty policy takes the engine default")
	require.Equal(t, 1, created.eventCount())
	payload, ok := created.lastEvent().Payload().(hooks.TabletCreatePayload)
	require.True(t, ok)
	assert.Equal(t, core.TabletID(1), payload.TabletID)
	assert.Equal(t, core.TableID(100), payload.TableID)

	// A pre-drop veto keeps the tablet.
	veto := &mockListener{returnErr: errors.New("keep it")}
	eng.GetHookManager().Register(hooks.EventPreTabletDrop, veto)
	err = eng.DropTablet(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled by pre-hook")
	_, ok = eng.Manager().GetTablet(1)
	assert.True(t, ok)
	assert.Zero(t, dropped.eventCount())

	veto.returnErr = nil
	require.NoError(t, eng.DropTablet(1))
	_, ok = eng.Manager().GetTablet(1)
	assert.False(t, ok)
	assert.Equal(t, 1, dropped.eventCount())

	err = eng.DropTablet(1)
	assert.ErrorIs(t, err, core.ErrTabletNotFound)
}

func TestEngine_SubmitCompactionTask(t *testing.T) {
	eng, _ := newEngineForTest(t, "submit_test_", nil)

	postCompaction := &mockListener{}
	rowsetCreated := &mockListener{}
	rowsetDeleted := &mockListener{}
	eng.GetHookManager().Register(hooks.EventPostCompaction, postCompaction)
	eng.GetHookManager().Register(hooks.EventPostRowsetCreate, rowsetCreated)
	eng.GetHookManager().Register(hooks.EventPreRowsetDelete, rowsetDeleted)

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)
	ingestRowset(t, eng, tab, 3, 3, 4, 0)
	ingestRowset(t, eng, tab, 4, 4, 2, 0)

	handle, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)
	assert.Equal(t, core.TabletID(1), handle.TabletID())
	assert.Equal(t, core.CompactionCumulative, handle.Kind())
	assert.NotEmpty(t, handle.ID())

	require.NoError(t, waitTask(t, handle))
	assert.Equal(t, "succeeded", handle.State().String())

	// Three deltas above the point merged into one rowset.
	assert.Equal(t, 2, tab.RowsetCount())

	assert.Equal(t, int64(1), eng.metrics.CompactionTotal.Value())
	assert.Equal(t, int64(1), eng.metrics.CompactionSucceededTotal.Value())
	assert.Equal(t, int64(1), eng.metrics.ManualTriggerTotal.Value())
	assert.Equal(t, int64(3), eng.metrics.CompactionRowsetsMergedTotal.Value())
	assert.Greater(t, eng.metrics.CompactionDataReadBytesTotal.Value(), int64(0))
	assert.Greater(t, eng.metrics.CompactionDataWrittenBytesTotal.Value(), int64(0))
	assert.Equal(t, int64(0), eng.metrics.CompactionsInProgress.Value())

	require.Equal(t, 1, postCompaction.eventCount())
	payload, ok := postCompaction.lastEvent().Payload().(hooks.PostCompactionPayload)
	require.True(t, ok)
	assert.Equal(t, core.TabletID(1), payload.TabletID)
	assert.Equal(t, core.CompactionCumulative, payload.Kind)
	assert.Equal(t, "succeeded", payload.State)
	assert.Len(t, payload.InputRowsets, 3)
	require.NotNil(t, payload.OutputRowset)
	assert.Equal(t, int64(9), payload.OutputRowset.Rows)

	require.Equal(t, 1, rowsetCreated.eventCount())
	// The three replaced rowsets each had one segment file.
	assert.Equal(t, 3, rowsetDeleted.eventCount())
}

func TestEngine_SubmitCompactionTask_Validation(t *testing.T) {
	eng, _ := newEngineForTest(t, "submit_validation_test_", nil)

	_, err := eng.SubmitCompactionTask(99, core.CompactionCumulative, false)
	assert.ErrorIs(t, err, core.ErrTabletNotFound)

	_, err = eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)

	_, err = eng.SubmitCompactionTask(1, core.CompactionBase, true)
	assert.ErrorIs(t, err, core.ErrNotSupported, "remote fetch is cumulative only")

	_, err = eng.SubmitCompactionTask(1, core.CompactionCumulative, true)
	assert.ErrorIs(t, err, core.ErrNotSupported, "remote fetch needs replica peers")
}

func TestEngine_SubmitCompactionTask_AlreadyRunning(t *testing.T) {
	eng, _ := newEngineForTest(t, "submit_dedupe_test_", nil)

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)
	ingestRowset(t, eng, tab, 3, 3, 4, 0)

	gate := make(chan struct{})
	block := &mockListener{onEventFunc: func(hooks.HookEvent) { <-gate }}
	eng.GetHookManager().Register(hooks.EventPreCompaction, block)

	first, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)

	_, err = eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)

	finished, _ := first.WaitTimeout(50 * time.Millisecond)
	assert.False(t, finished, "task must still be parked on the pre-hook")

	close(gate)
	require.NoError(t, waitTask(t, first))

	// The slot frees up for a new submission.
	ingestRowset(t, eng, tab, 4, 4, 2, 0)
	ingestRowset(t, eng, tab, 5, 5, 2, 0)
	again, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, again))
}

func TestEngine_PreCompactionVeto(t *testing.T) {
	eng, _ := newEngineForTest(t, "compaction_veto_test_", nil)

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)
	ingestRowset(t, eng, tab, 3, 3, 4, 0)

	veto := &mockListener{returnErr: errors.New("maintenance window")}
	eng.GetHookManager().Register(hooks.EventPreCompaction, veto)

	handle, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)
	err = waitTask(t, handle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled by pre-hook")

	assert.Equal(t, 3, tab.RowsetCount(), "vetoed task must not touch the tablet")
	assert.Equal(t, int64(1), eng.metrics.CompactionVetoedTotal.Value())
	assert.Equal(t, int64(0), eng.metrics.CompactionTotal.Value())
}

func TestEngine_BenignFailureMetrics(t *testing.T) {
	eng, _ := newEngineForTest(t, "benign_test_", nil)

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)

	// A single delta above the point is below every trigger.
	handle, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)
	err = waitTask(t, handle)
	require.ErrorIs(t, err, core.ErrNoSuitableVersion)
	assert.Equal(t, "failed_benign", handle.State().String())

	assert.Equal(t, int64(1), eng.metrics.CompactionSkippedTotal.Value())
	assert.Equal(t, int64(0), eng.metrics.CompactionErrorsTotal.Value())
	assert.Equal(t, int64(0), eng.metrics.AdmissionDeniedTotal.Value())
}

func TestEngine_AdmissionDenialMetrics(t *testing.T) {
	eng, _ := newEngineForTest(t, "admission_deny_test_", func(o *Options) {
		o.MemoryLimitRatio = 0.5
	})
	// Pin memory readings at full so any merge projection is denied.
	eng.admission.vmStat = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1 << 30, Used: 1 << 30}, nil
	}

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)
	ingestRowset(t, eng, tab, 3, 3, 4, 0)

	handle, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)
	err = waitTask(t, handle)
	require.ErrorIs(t, err, core.ErrMemoryLimitExceeded)
	assert.Equal(t, "failed_benign", handle.State().String())

	assert.Equal(t, int64(1), eng.metrics.CompactionSkippedTotal.Value())
	assert.Equal(t, int64(1), eng.metrics.AdmissionDeniedTotal.Value())
	assert.Equal(t, 3, tab.RowsetCount())
}

func TestEngine_SubmitTableCompaction(t *testing.T) {
	eng, _ := newEngineForTest(t, "table_submit_test_", nil)

	tabA, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	tabB, err := eng.CreateTablet(2, 100, "size_based", nil)
	require.NoError(t, err)
	_, err = eng.CreateTablet(3, 200, "size_based", nil)
	require.NoError(t, err)

	ingestRowset(t, eng, tabA, 0, 1, 5, 0)
	ingestRowset(t, eng, tabA, 2, 2, 3, 0)
	ingestRowset(t, eng, tabA, 3, 3, 4, 0)
	ingestRowset(t, eng, tabB, 0, 1, 5, 0)
	ingestRowset(t, eng, tabB, 2, 2, 3, 0)
	ingestRowset(t, eng, tabB, 3, 3, 4, 0)

	handles, err := eng.SubmitTableCompaction(100, core.CompactionCumulative)
	require.NoError(t, err)
	require.Len(t, handles, 2, "one task per tablet of the table")
	for _, h := range handles {
		require.NoError(t, waitTask(t, h))
	}
	assert.Equal(t, 2, tabA.RowsetCount())
	assert.Equal(t, 2, tabB.RowsetCount())

	handles, err = eng.SubmitTableCompaction(999, core.CompactionCumulative)
	require.NoError(t, err)
	assert.Empty(t, handles, "unknown table submits nothing")
}

func TestEngine_RunningKind(t *testing.T) {
	eng, _ := newEngineForTest(t, "running_kind_test_", func(o *Options) {
		o.MemoryLimitRatio = 0.9
	})

	// Parking the task inside the admission check keeps the tablet's
	// cumulative lane locked, which is what the probe inspects.
	gate := make(chan struct{})
	eng.admission.vmStat = func() (*mem.VirtualMemoryStat, error) {
		<-gate
		return &mem.VirtualMemoryStat{Total: 1 << 40, Used: 0}, nil
	}

	_, _, err := eng.RunningKind(99)
	assert.ErrorIs(t, err, core.ErrTabletNotFound)

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)
	ingestRowset(t, eng, tab, 3, 3, 4, 0)

	_, running, err := eng.RunningKind(1)
	require.NoError(t, err)
	assert.False(t, running)

	handle, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		kind, running, err := eng.RunningKind(1)
		return err == nil && running && kind == core.CompactionCumulative
	}, 5*time.Second, 10*time.Millisecond)

	close(gate)
	require.NoError(t, waitTask(t, handle))

	_, running, err = eng.RunningKind(1)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestEngine_PeerRowset(t *testing.T) {
	eng, _ := newEngineForTest(t, "peer_rowset_test_", nil)

	tab, err := eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 5, 8, 1)
	ingestRowset(t, eng, tab, 6, 6, 2, 0)

	_, err = eng.PeerRowset(99, 2, 10)
	assert.ErrorIs(t, err, core.ErrTabletNotFound)

	rs, err := eng.PeerRowset(1, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rs.Version().First)
	assert.Equal(t, int64(5), rs.Version().Last)
	rs.Unref()

	// Level 0 rowsets are never served to peers.
	_, err = eng.PeerRowset(1, 0, 10)
	assert.ErrorIs(t, err, core.ErrNoSuitableVersion)

	// The rowset must fit entirely below the requested end.
	_, err = eng.PeerRowset(1, 2, 3)
	assert.ErrorIs(t, err, core.ErrNoSuitableVersion)
}

func TestEngine_TabletStatusAndOverall(t *testing.T) {
	eng, clk := newEngineForTest(t, "status_test_", nil)

	tab, err := eng.CreateTablet(1, 100, "time_series", nil)
	require.NoError(t, err)
	ingestRowset(t, eng, tab, 0, 1, 5, 0)
	ingestRowset(t, eng, tab, 2, 2, 3, 0)
	ingestRowset(t, eng, tab, 3, 3, 4, 0)

	_, err = eng.TabletStatus(99)
	assert.ErrorIs(t, err, core.ErrTabletNotFound)

	st, err := eng.TabletStatus(1)
	require.NoError(t, err)
	assert.Equal(t, core.TabletID(1), st.TabletID)
	assert.Equal(t, "time_series", st.CumulativePolicy)
	assert.Equal(t, 3, st.RowsetCount)
	assert.Len(t, st.Rowsets, 3)

	clk.Advance(90 * time.Second)

	overall := eng.OverallCompactionStatus()
	assert.True(t, overall.Started)
	assert.Equal(t, 1, overall.Tablets)
	assert.Empty(t, overall.Running)
	assert.Empty(t, overall.Latency)
	assert.Equal(t, int64(90), overall.UptimeSeconds)

	handle, err := eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, handle))

	overall = eng.OverallCompactionStatus()
	require.Contains(t, overall.Latency, "cumulative")
	assert.Equal(t, int64(1), overall.Latency["cumulative"].Count)
}

func TestEngine_SubmitAfterClose(t *testing.T) {
	eng, err := NewEngine(Options{
		DataDir:       t.TempDir(),
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, "closed_submit_test_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	_, err = eng.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.SubmitCompactionTask(1, core.CompactionCumulative, false)
	assert.ErrorIs(t, err, core.ErrEngineClosed)
	_, err = eng.CreateTablet(2, 100, "size_based", nil)
	assert.ErrorIs(t, err, core.ErrEngineClosed)
	err = eng.DropTablet(1)
	assert.ErrorIs(t, err, core.ErrEngineClosed)
}

func TestEngine_ReloadAfterRestart(t *testing.T) {
	dataDir := t.TempDir()
	eng1, err := NewEngine(Options{
		DataDir:       dataDir,
		CheckInterval: time.Hour,
		Tunables:      looseTunables(),
		Metrics:       NewEngineMetrics(false, "reload_test_a_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, eng1.Start())

	tab, err := eng1.CreateTablet(1, 100, "size_based", nil)
	require.NoError(t, err)
	ingestRowset(t, eng1, tab, 0, 1, 5, 0)
	ingestRowset(t, eng1, tab, 2, 2, 3, 0)
	require.NoError(t, eng1.Close())

	eng2, err := NewEngine(Options{
		DataDir:       dataDir,
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, "reload_test_b_"),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, eng2.Start())
	defer eng2.Close()

	tab2, ok := eng2.Manager().GetTablet(1)
	require.True(t, ok)
	assert.Equal(t, 2, tab2.RowsetCount())
	assert.Equal(t, int64(2), tab2.MaxVersion())
}

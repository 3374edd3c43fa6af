package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/compressors"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/hooks"
	"github.com/INLOpen/nexuslake/internal/testutil"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// testBaseTime anchors the mock clocks used across the package tests.
var testBaseTime = time.Unix(1_700_000_000, 0)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockListener is a HookListener test double shared across the engine tests.
type mockListener struct {
	priority    int
	returnErr   error
	isAsync     bool
	onEventFunc func(event hooks.HookEvent)

	mu     sync.Mutex
	events []hooks.HookEvent
}

func (m *mockListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func (m *mockListener) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockListener) lastEvent() hooks.HookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

// looseTunables lowers every policy threshold so small synthetic rowsets
// compact and promote.
func looseTunables() compaction.PolicyTunables {
	tn := compaction.DefaultPolicyTunables()
	tn.MinSingletonDeltas = 2
	tn.CompactionLowerSizeBytes = 1
	tn.PromotionMinSizeBytes = 1
	tn.PromotionSizeBytes = 1
	return tn
}

// newEngineForTest builds and starts an engine over a temp dir with the
// background scheduler effectively disabled. metricPrefix must be unique per
// test so injected expvar names cannot collide.
func newEngineForTest(t *testing.T, metricPrefix string, mutate func(*Options)) (*Engine, *testutil.MockClock) {
	t.Helper()
	clk := testutil.NewMockClock(testBaseTime)
	opts := Options{
		DataDir:       t.TempDir(),
		Tunables:      looseTunables(),
		CheckInterval: time.Hour,
		Metrics:       NewEngineMetrics(false, metricPrefix),
		Logger:        discardLogger(),
		Clock:         clk,
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := NewEngine(opts)
	require.NoError(t, err, "NewEngine failed")
	require.NoError(t, eng.Start(), "Start failed")
	t.Cleanup(func() {
		require.NoError(t, eng.Close())
	})
	return eng, clk
}

// ingestRowset writes one real segment file and appends it to the tablet.
// level stamps the rowset's compaction level without an actual merge.
func ingestRowset(t *testing.T, eng *Engine, tab *tablet.Tablet, first, last int64, rows int, level int) *rowset.Rowset {
	t.Helper()
	id := eng.Manager().NextRowsetID()
	var paths []string
	var size int64
	if rows > 0 {
		w, err := eng.Store().NewWriter(tab.ID(), id, 0, &compressors.NoCompressionCompressor{}, 0)
		require.NoError(t, err)
		for i := 0; i < rows; i++ {
			require.NoError(t, w.Append([]byte(fmt.Sprintf("t%d-v%d-%d", tab.ID(), first, i))))
		}
		size, err = w.Finish()
		require.NoError(t, err)
		paths = []string{w.Path()}
	}
	meta := rowset.RowsetMeta{
		ID:              id,
		TabletID:        tab.ID(),
		Version:         core.NewVersion(first, last),
		NumRows:         int64(rows),
		NumSegments:     len(paths),
		DataSize:        size,
		CompactionLevel: level,
	}
	rs := rowset.NewRowset(meta, paths, eng.Store(), nil)
	require.NoError(t, tab.AddRowset(rs))
	return rs
}

// waitTask blocks until the handle finishes or the test deadline passes.
func waitTask(t *testing.T, h *TaskHandle) error {
	t.Helper()
	finished, err := h.WaitTimeout(10 * time.Second)
	require.True(t, finished, "task did not finish in time")
	return err
}

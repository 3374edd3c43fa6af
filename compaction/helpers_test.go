package compaction

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/internal/testutil"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

const (
	testTabletID core.TabletID = 7001
	testTableID  core.TableID  = 42
)

// testBaseTime anchors the mock clocks used across the package tests.
var testBaseTime = time.Unix(1_700_000_000, 0)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rowsetSpec describes one synthetic rowset. Synthetic rowsets carry no
// segment files; size and rows are whatever the descriptor claims.
type rowsetSpec struct {
	id      uint64
	first   int64
	last    int64
	rows    int64
	size    int64
	level   int
	created int64
}

func newRowsetFromSpec(sp rowsetSpec) *rowset.Rowset {
	return rowset.NewRowset(rowset.RowsetMeta{
		ID:              core.RowsetID(sp.id),
		TabletID:        testTabletID,
		Version:         core.NewVersion(sp.first, sp.last),
		NumRows:         sp.rows,
		DataSize:        sp.size,
		CreationTime:    sp.created,
		CompactionLevel: sp.level,
	}, nil, nil, nil)
}

// delta builds a one-version rowset spec with sensible filler values.
func delta(id uint64, version int64, size int64) rowsetSpec {
	return rowsetSpec{id: id, first: version, last: version, rows: 10, size: size}
}

type tabletConfig struct {
	policy string
	point  int64
	peers  []string
	clock  core.Clock
}

func newTestTablet(t *testing.T, cfg tabletConfig, specs ...rowsetSpec) *tablet.Tablet {
	t.Helper()
	if cfg.policy == "" {
		cfg.policy = PolicySizeBased
	}
	if cfg.clock == nil {
		cfg.clock = testutil.NewMockClock(testBaseTime)
	}
	meta := &tablet.TabletMeta{
		TabletID:         testTabletID,
		TableID:          testTableID,
		CompactionPolicy: cfg.policy,
		ReplicaPeers:     cfg.peers,
		CumulativePoint:  cfg.point,
	}
	metaPath := filepath.Join(t.TempDir(), tablet.MetaFileName)
	tab := tablet.NewTablet(meta, metaPath, cfg.clock, discardLogger())

	rowsets := make([]*rowset.Rowset, len(specs))
	for i, sp := range specs {
		rowsets[i] = newRowsetFromSpec(sp)
	}
	require.NoError(t, tab.RestoreRowsets(rowsets))
	return tab
}

// mockMerger synthesizes an output rowset covering exactly the requested
// version, or fails with err when set.
type mockMerger struct {
	mu     sync.Mutex
	calls  int
	err    error
	outVer *core.Version // overrides the requested output version when set

	lastInputs []core.RowsetID
}

func (m *mockMerger) Merge(_ context.Context, tabletID core.TabletID, inputs []*rowset.Rowset, outVersion core.Version) (*rowset.Rowset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastInputs = nil
	for _, rs := range inputs {
		m.lastInputs = append(m.lastInputs, rs.ID())
	}
	if m.err != nil {
		return nil, m.err
	}
	version := outVersion
	if m.outVer != nil {
		version = *m.outVer
	}
	var rows, size int64
	level := 0
	for _, rs := range inputs {
		rows += rs.LiveRows()
		size += rs.DataSize()
		if rs.CompactionLevel() > level {
			level = rs.CompactionLevel()
		}
	}
	return rowset.NewRowset(rowset.RowsetMeta{
		ID:              core.RowsetID(9000 + m.calls),
		TabletID:        tabletID,
		Version:         version,
		NumRows:         rows,
		DataSize:        size,
		CompactionLevel: level + 1,
	}, nil, nil, nil), nil
}

func (m *mockMerger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// admitFunc adapts a function to AdmissionGuard.
type admitFunc func(estimatedBytes int64) error

func (f admitFunc) AdmitMerge(estimatedBytes int64) error { return f(estimatedBytes) }

// mockPeerClient serves canned responses keyed by peer address.
type mockPeerClient struct {
	mu        sync.Mutex
	responses map[string]peerResponse
	calls     []string
}

type peerResponse struct {
	rowset *rowset.Rowset
	err    error
}

func (m *mockPeerClient) FetchCompactedRowset(_ context.Context, peer string, _ core.TabletID, _ core.Version) (*rowset.Rowset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, peer)
	resp, ok := m.responses[peer]
	if !ok {
		return nil, core.ErrNoSuitableVersion
	}
	return resp.rowset, resp.err
}

// looseTunables returns tunables with every trigger and promotion threshold
// lowered so small synthetic rowsets compact and promote.
func looseTunables() PolicyTunables {
	tn := DefaultPolicyTunables()
	tn.MinSingletonDeltas = 2
	tn.CompactionLowerSizeBytes = 1
	tn.PromotionMinSizeBytes = 1
	tn.PromotionSizeBytes = 1
	return tn
}

func versionRange(first, last int64) []int64 { return []int64{first, last} }

// chainVersions flattens the tablet's version chain for assertions.
func chainVersions(tab *tablet.Tablet) [][]int64 {
	rowsets := tab.Rowsets()
	defer tablet.UnrefAll(rowsets)
	out := make([][]int64, len(rowsets))
	for i, rs := range rowsets {
		out[i] = versionRange(rs.Version().First, rs.Version().Last)
	}
	return out
}

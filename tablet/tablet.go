package tablet

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
)

const kindCount = 4

// kindTimes is the per-kind compaction bookkeeping read by the scheduler and
// the status endpoint. All fields are unix milliseconds; zero means never.
type kindTimes struct {
	lastRun     atomic.Int64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
	failures    atomic.Int64
}

// Tablet is one horizontal shard of a table. It owns a gap-free chain of
// immutable rowsets and the locks that keep competing compaction strategies
// apart.
//
// Lock model: baseLock serializes base compaction, cumuLock serializes
// cumulative (and single-replica) compaction, and full compaction takes both
// in the fixed order base then cumulative. fullRunning is observable state
// derived from holding both; it is set inside the acquisition path and
// cleared inside release, so observers can never see it without the locks
// actually being held.
type Tablet struct {
	id           core.TabletID
	tableID      core.TableID
	policyName   string
	replicaPeers []string
	creationTime int64
	metaPath     string

	mu              sync.RWMutex
	versions        *versionIndex
	cumulativePoint int64

	baseLock    sync.Mutex
	cumuLock    sync.Mutex
	fullRunning atomic.Bool

	times [kindCount]kindTimes

	clock  core.Clock
	logger *slog.Logger
}

// NewTablet builds an in-memory tablet from its meta. Rowsets are attached
// afterwards through AddRowset (ingestion) or RestoreRowsets (load).
func NewTablet(meta *TabletMeta, metaPath string, clock core.Clock, logger *slog.Logger) *Tablet {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tablet{
		id:              meta.TabletID,
		tableID:         meta.TableID,
		policyName:      meta.CompactionPolicy,
		replicaPeers:    append([]string(nil), meta.ReplicaPeers...),
		creationTime:    meta.CreationTime,
		metaPath:        metaPath,
		versions:        newVersionIndex(),
		cumulativePoint: meta.CumulativePoint,
		clock:           clock,
		logger:          logger.With("component", "tablet", "tablet_id", uint64(meta.TabletID)),
	}
}

func (t *Tablet) ID() core.TabletID      { return t.id }
func (t *Tablet) TableID() core.TableID  { return t.tableID }
func (t *Tablet) PolicyName() string     { return t.policyName }
func (t *Tablet) CreationTime() int64    { return t.creationTime }
func (t *Tablet) ReplicaPeers() []string { return append([]string(nil), t.replicaPeers...) }
func (t *Tablet) HasReplicaPeers() bool  { return len(t.replicaPeers) > 0 }

// CumulativePoint returns the version boundary between base scope (below)
// and cumulative scope (at or above).
func (t *Tablet) CumulativePoint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cumulativePoint
}

// EnsureCumulativePoint lazily initializes the point for tablets that have
// never compacted: everything after the oldest rowset is cumulative scope.
func (t *Tablet) EnsureCumulativePoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cumulativePoint == 0 && t.versions.count() > 0 {
		t.cumulativePoint = t.versions.rowsets[0].Version().Last + 1
	}
}

// AdvanceCumulativePoint moves the point forward and persists the tablet
// meta. Attempts to move it backwards are ignored.
func (t *Tablet) AdvanceCumulativePoint(point int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if point <= t.cumulativePoint {
		return nil
	}
	prev := t.cumulativePoint
	t.cumulativePoint = point
	if err := t.saveMetaLocked(); err != nil {
		t.cumulativePoint = prev
		return err
	}
	t.logger.Debug("advanced cumulative point", "from", prev, "to", point)
	return nil
}

// RowsetCount returns the number of live rowsets in the version chain.
func (t *Tablet) RowsetCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions.count()
}

// TotalDataSize returns the summed data size of all live rowsets.
func (t *Tablet) TotalDataSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions.size()
}

// MaxVersion returns the newest version in the chain, or -1 when the tablet
// is empty.
func (t *Tablet) MaxVersion() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions.maxVersion()
}

// Rowsets returns a referenced snapshot of the whole version chain in
// version order. The caller must Unref every returned rowset.
func (t *Tablet) Rowsets() []*rowset.Rowset {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return refAll(t.versions.snapshot())
}

// CandidateRowsets returns the referenced, ordered rowsets in scope for the
// given compaction kind: below the cumulative point for base, at or above it
// for cumulative and single-replica, the whole chain for full. The caller
// must Unref every returned rowset.
func (t *Tablet) CandidateRowsets(kind core.CompactionKind) []*rowset.Rowset {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch kind {
	case core.CompactionBase:
		return refAll(t.versions.below(t.cumulativePoint))
	case core.CompactionCumulative, core.CompactionSingleReplica:
		return refAll(t.versions.atOrAbove(t.cumulativePoint))
	case core.CompactionFull:
		return refAll(t.versions.snapshot())
	default:
		return nil
	}
}

func refAll(rowsets []*rowset.Rowset) []*rowset.Rowset {
	for _, rs := range rowsets {
		rs.Ref()
	}
	return rowsets
}

// UnrefAll releases a snapshot obtained from Rowsets or CandidateRowsets.
func UnrefAll(rowsets []*rowset.Rowset) {
	for _, rs := range rowsets {
		rs.Unref()
	}
}

// AddRowset appends a rowset at the tail of the version chain and persists
// the tablet meta. This is the ingestion and bootstrap path.
func (t *Tablet) AddRowset(rs *rowset.Rowset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.versions.snapshot()
	if err := t.versions.add(rs); err != nil {
		return err
	}
	if err := t.saveMetaLocked(); err != nil {
		if restoreErr := t.versions.setRowsets(before); restoreErr != nil {
			t.logger.Error("failed to roll back rowset add after meta save failure", "error", restoreErr)
		}
		return err
	}
	return nil
}

// RestoreRowsets installs rowsets loaded from disk, replacing any current
// chain. Used only while loading; nothing is persisted.
func (t *Tablet) RestoreRowsets(rowsets []*rowset.Rowset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions.setRowsets(rowsets)
}

// ReplaceVersions is the sole mutation path compaction uses: it atomically
// swaps a contiguous run of input rowsets for one output covering exactly
// the same version range, persists the meta, then marks the inputs
// superseded and drops the chain's reference on them.
//
// Any mismatch between inputIDs and the live chain, or between the output
// version and the replaced range, returns core.ErrVersionConflict with the
// chain untouched.
func (t *Tablet) ReplaceVersions(inputIDs []core.RowsetID, output *rowset.Rowset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.versions.snapshot()
	removed, err := t.versions.replaceRun(inputIDs, output)
	if err != nil {
		return err
	}
	if err := t.saveMetaLocked(); err != nil {
		if restoreErr := t.versions.setRowsets(before); restoreErr != nil {
			t.logger.Error("failed to restore version chain after meta save failure", "error", restoreErr)
		}
		return fmt.Errorf("failed to persist tablet meta: %w", err)
	}

	for _, rs := range removed {
		rs.MarkSuperseded()
		rs.Unref()
	}
	t.logger.Info("replaced versions",
		"inputs", len(removed),
		"output_rowset", uint64(output.ID()),
		"output_version", output.Version().String())
	return nil
}

// SaveMeta persists the manifest outside the usual mutation paths, e.g.
// after delete-bitmap updates or at shutdown.
func (t *Tablet) SaveMeta() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveMetaLocked()
}

// saveMetaLocked persists the manifest. Callers hold t.mu.
func (t *Tablet) saveMetaLocked() error {
	if t.metaPath == "" {
		return nil
	}
	return SaveTabletMeta(t.metaPath, t.buildMetaLocked())
}

func (t *Tablet) buildMetaLocked() *TabletMeta {
	records := make([]rowsetRecord, 0, t.versions.count())
	for _, rs := range t.versions.rowsets {
		rec := rowsetRecord{Meta: rs.Meta()}
		if bm := rs.DeleteBitmap(); !bm.IsEmpty() {
			if b, err := bm.ToBytes(); err == nil {
				rec.DeleteBitmap = b
			} else {
				t.logger.Warn("failed to serialize delete bitmap", "rowset_id", uint64(rs.ID()), "error", err)
			}
		}
		records = append(records, rec)
	}
	return &TabletMeta{
		TabletID:         t.id,
		TableID:          t.tableID,
		CompactionPolicy: t.policyName,
		ReplicaPeers:     t.replicaPeers,
		CreationTime:     t.creationTime,
		CumulativePoint:  t.cumulativePoint,
		Rowsets:          records,
	}
}

// TryLockCompaction attempts to take the lock(s) for the given kind without
// blocking. On success it returns a release func and true; on contention it
// returns (nil, false) immediately.
func (t *Tablet) TryLockCompaction(kind core.CompactionKind) (func(), bool) {
	switch kind {
	case core.CompactionBase:
		if !t.baseLock.TryLock() {
			return nil, false
		}
		return t.baseLock.Unlock, true
	case core.CompactionCumulative, core.CompactionSingleReplica:
		if !t.cumuLock.TryLock() {
			return nil, false
		}
		return t.cumuLock.Unlock, true
	case core.CompactionFull:
		if !t.baseLock.TryLock() {
			return nil, false
		}
		if !t.cumuLock.TryLock() {
			t.baseLock.Unlock()
			return nil, false
		}
		t.fullRunning.Store(true)
		return t.releaseFull, true
	default:
		return nil, false
	}
}

// LockCompaction blocks until the lock(s) for the given kind are held and
// returns the release func. Full takes base then cumulative; the fixed order
// makes deadlock with other full compactions impossible.
func (t *Tablet) LockCompaction(kind core.CompactionKind) func() {
	switch kind {
	case core.CompactionBase:
		t.baseLock.Lock()
		return t.baseLock.Unlock
	case core.CompactionCumulative, core.CompactionSingleReplica:
		t.cumuLock.Lock()
		return t.cumuLock.Unlock
	case core.CompactionFull:
		t.baseLock.Lock()
		t.cumuLock.Lock()
		t.fullRunning.Store(true)
		return t.releaseFull
	default:
		return func() {}
	}
}

func (t *Tablet) releaseFull() {
	t.fullRunning.Store(false)
	t.cumuLock.Unlock()
	t.baseLock.Unlock()
}

// FullCompactionRunning reports whether a full compaction currently holds
// both locks.
func (t *Tablet) FullCompactionRunning() bool { return t.fullRunning.Load() }

// CompactionRunning is the non-blocking probe behind the run_status
// endpoint. For full it reads the derived flag; for base and cumulative it
// peeks the lock with TryLock and releases immediately.
func (t *Tablet) CompactionRunning(kind core.CompactionKind) bool {
	switch kind {
	case core.CompactionFull:
		return t.fullRunning.Load()
	case core.CompactionBase:
		if t.baseLock.TryLock() {
			t.baseLock.Unlock()
			return false
		}
		return true
	case core.CompactionCumulative, core.CompactionSingleReplica:
		if t.cumuLock.TryLock() {
			t.cumuLock.Unlock()
			return false
		}
		return true
	default:
		return false
	}
}

func (t *Tablet) timesFor(kind core.CompactionKind) *kindTimes {
	return &t.times[int(kind)]
}

// RecordCompactionStart stamps the last-run time for the kind.
func (t *Tablet) RecordCompactionStart(kind core.CompactionKind) {
	t.timesFor(kind).lastRun.Store(t.clock.Now().UnixMilli())
}

// RecordCompactionSuccess stamps the last-success time for the kind.
func (t *Tablet) RecordCompactionSuccess(kind core.CompactionKind) {
	t.timesFor(kind).lastSuccess.Store(t.clock.Now().UnixMilli())
}

// RecordCompactionFailure stamps the last-failure time and bumps the
// failure count for the kind.
func (t *Tablet) RecordCompactionFailure(kind core.CompactionKind) {
	kt := t.timesFor(kind)
	kt.lastFailure.Store(t.clock.Now().UnixMilli())
	kt.failures.Add(1)
}

// LastFailureMillis returns the unix-millisecond time of the kind's last
// failure, zero when it never failed.
func (t *Tablet) LastFailureMillis(kind core.CompactionKind) int64 {
	return t.timesFor(kind).lastFailure.Load()
}

// KindStatus is the JSON shape of per-kind bookkeeping.
type KindStatus struct {
	LastRunTimeMs     int64 `json:"last_run_time_ms"`
	LastSuccessTimeMs int64 `json:"last_success_time_ms"`
	LastFailureTimeMs int64 `json:"last_failure_time_ms"`
	FailureCount      int64 `json:"failure_count"`
}

func (t *Tablet) kindStatus(kind core.CompactionKind) KindStatus {
	kt := t.timesFor(kind)
	return KindStatus{
		LastRunTimeMs:     kt.lastRun.Load(),
		LastSuccessTimeMs: kt.lastSuccess.Load(),
		LastFailureTimeMs: kt.lastFailure.Load(),
		FailureCount:      kt.failures.Load(),
	}
}

// CompactionStatus is the rowset and version summary served by the show
// endpoint.
type CompactionStatus struct {
	TabletID         core.TabletID `json:"tablet_id"`
	TableID          core.TableID  `json:"table_id"`
	CumulativePolicy string        `json:"cumulative_policy"`
	CumulativePoint  int64         `json:"cumulative_point"`
	RowsetCount      int           `json:"rowset_count"`
	TotalRows        int64         `json:"total_rows"`
	TotalSize        int64         `json:"total_size"`
	Base             KindStatus    `json:"base"`
	Cumulative       KindStatus    `json:"cumulative"`
	Full             KindStatus    `json:"full"`
	Rowsets          []string      `json:"rowsets"`
}

// Status snapshots the tablet's compaction-facing state.
func (t *Tablet) Status() CompactionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lines := make([]string, 0, t.versions.count())
	for _, rs := range t.versions.rowsets {
		m := rs.Meta()
		lines = append(lines, fmt.Sprintf("%s segments=%d rows=%d size=%d level=%d",
			m.Version, m.NumSegments, m.NumRows, m.DataSize, m.CompactionLevel))
	}
	return CompactionStatus{
		TabletID:         t.id,
		TableID:          t.tableID,
		CumulativePolicy: t.policyName,
		CumulativePoint:  t.cumulativePoint,
		RowsetCount:      t.versions.count(),
		TotalRows:        t.versions.rows(),
		TotalSize:        t.versions.size(),
		Base:             t.kindStatus(core.CompactionBase),
		Cumulative:       t.kindStatus(core.CompactionCumulative),
		Full:             t.kindStatus(core.CompactionFull),
		Rowsets:          lines,
	}
}

// Package engine ties the compaction subsystem together: it owns the tablet
// registry, runs the background compaction scheduler, executes manually
// submitted tasks, and exposes the status surface the control plane serves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/compressors"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/hooks"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/segment"
	"github.com/INLOpen/nexuslake/sys"
	"github.com/INLOpen/nexuslake/tablet"
)

var ErrEngineAlreadyStarted = errors.New("engine is already started")

// Defaults applied by NewEngine for zero option fields.
const (
	DefaultMinIntervalAfterFailure = 5 * time.Second
	DefaultManualWaitTimeout       = 2 * time.Second
	DefaultPeerRequestTimeout      = 30 * time.Second
)

// Options configures an Engine. Only DataDir is required.
type Options struct {
	DataDir string

	// Merge output knobs, passed through to the segment compactor.
	Compressor     core.Compressor
	BlockSize      int
	MaxSegmentSize int64

	// DefaultPolicy names the cumulative policy for tablets whose meta does
	// not set one. Empty means size_based.
	DefaultPolicy string
	Tunables      compaction.PolicyTunables

	// Scheduler knobs.
	CheckInterval           time.Duration
	MinIntervalAfterFailure time.Duration
	MaxConcurrentBase       int
	MaxConcurrentCumulative int

	// MemoryLimitRatio is the share of physical memory above which merge
	// admission is denied. Zero disables the guard.
	MemoryLimitRatio float64

	// ManualWaitTimeout bounds how long a manual run request blocks on its
	// task before reporting it as triggered.
	ManualWaitTimeout time.Duration

	// PeerClient fetches compacted rowsets for single-replica compaction.
	// Nil builds an HTTP client with PeerRequestTimeout.
	PeerClient         compaction.PeerClient
	PeerRequestTimeout time.Duration

	Metrics              *EngineMetrics
	PrometheusRegisterer prometheus.Registerer
	TracerProvider       trace.TracerProvider
	Logger               *slog.Logger
	Clock                core.Clock
}

// Engine is the storage node's compaction subsystem. Construct with
// NewEngine, call Start before submitting work and Close to shut down.
type Engine struct {
	opts Options

	isStarted atomic.Bool
	isClosing atomic.Bool

	logger *slog.Logger
	clock  core.Clock
	tracer trace.Tracer

	metrics     *EngineMetrics
	prom        *promMetrics
	durations   *latencyDigests
	hookManager hooks.HookManager

	store      *segment.Store
	compactor  *segment.Compactor
	manager    *tablet.Manager
	admission  *MemoryAdmissionGuard
	peerClient compaction.PeerClient

	scheduler *compactionScheduler
	inflight  *inflightTable

	policyMu sync.Mutex
	policies map[string]compaction.CumulativeCompactionPolicy

	releaseLock func() error
	startTime   time.Time

	// taskWg tracks every running task goroutine; Close waits for them.
	taskWg sync.WaitGroup
}

// NewEngine builds an engine over the given data directory. The directory is
// created if missing; tablets load on Start.
func NewEngine(opts Options) (*Engine, error) {
	eng, err := initializeEngine(opts)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

func initializeEngine(opts Options) (eng *Engine, err error) {
	defer func() {
		if err != nil && eng != nil {
			eng.CleanupEngine()
			eng = nil
		}
	}()

	if opts.DataDir == "" {
		return nil, fmt.Errorf("engine: data directory must be specified")
	}

	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})).With("component", "engine")
	} else {
		logger = opts.Logger.With("component", "engine")
	}

	var clk core.Clock
	if opts.Clock == nil {
		clk = core.SystemClock{}
	} else {
		clk = opts.Clock
	}

	if opts.Compressor == nil {
		opts.Compressor = &compressors.NoCompressionCompressor{}
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = compaction.PolicySizeBased
	}
	if opts.MinIntervalAfterFailure <= 0 {
		opts.MinIntervalAfterFailure = DefaultMinIntervalAfterFailure
	}
	if opts.ManualWaitTimeout <= 0 {
		opts.ManualWaitTimeout = DefaultManualWaitTimeout
	}
	if opts.PeerRequestTimeout <= 0 {
		opts.PeerRequestTimeout = DefaultPeerRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NewEngineMetrics(true, "nexuslake_")
	}

	eng = &Engine{
		opts:      opts,
		logger:    logger,
		clock:     clk,
		metrics:   opts.Metrics,
		prom:      newPromMetrics(opts.PrometheusRegisterer),
		durations: newLatencyDigests(),
		inflight:  newInflightTable(),
		policies:  make(map[string]compaction.CumulativeCompactionPolicy),
	}

	if opts.TracerProvider != nil {
		eng.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexuslake/engine")
	} else {
		eng.tracer = noop.NewTracerProvider().Tracer("")
	}

	eng.hookManager = hooks.NewHookManager(logger.With("component", "HookManager"))

	store, err := segment.NewStore(opts.DataDir, logger)
	if err != nil {
		return eng, err
	}
	eng.store = store

	remover := &hookedRemover{inner: store, hooks: eng.hookManager, logger: logger}
	eng.manager = tablet.NewManager(store, remover, clk, logger)

	eng.compactor, err = segment.NewCompactor(segment.CompactorOptions{
		Store:          store,
		Compressor:     opts.Compressor,
		BlockSize:      opts.BlockSize,
		MaxSegmentSize: opts.MaxSegmentSize,
		NextRowsetID:   eng.manager.NextRowsetID,
		Remover:        remover,
		Clock:          clk,
		Logger:         logger,
		Tracer:         eng.tracer,
	})
	if err != nil {
		return eng, fmt.Errorf("failed to initialize compactor: %w", err)
	}

	eng.admission = NewMemoryAdmissionGuard(opts.MemoryLimitRatio, logger)

	if opts.PeerClient != nil {
		eng.peerClient = opts.PeerClient
	} else {
		eng.peerClient, err = compaction.NewHTTPPeerClient(compaction.HTTPPeerClientOptions{
			Client:       &http.Client{Timeout: opts.PeerRequestTimeout},
			Store:        store,
			NextRowsetID: eng.manager.NextRowsetID,
			Remover:      remover,
			Logger:       logger,
		})
		if err != nil {
			return eng, fmt.Errorf("failed to initialize peer client: %w", err)
		}
	}

	eng.scheduler = newCompactionScheduler(eng)

	return eng, nil
}

// CleanupEngine releases resources after a failed initialization or start.
func (e *Engine) CleanupEngine() {
	e.logger.Info("Cleaning up engine resources after initialization failure...")
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.releaseLock != nil {
		if err := e.releaseLock(); err != nil {
			e.logger.Warn("failed to release data directory lock", "error", err)
		}
		e.releaseLock = nil
	}
}

// Start locks the data directory, loads every tablet and launches the
// background scheduler. The pre-start hook runs first and may cancel it.
func (e *Engine) Start() error {
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreStartEngineEvent()); err != nil {
		return fmt.Errorf("engine start cancelled by pre-hook: %w", err)
	}

	if !e.isStarted.CompareAndSwap(false, true) {
		return ErrEngineAlreadyStarted
	}
	e.isClosing.Store(false)

	release, err := sys.AcquireFileLock(filepath.Join(e.opts.DataDir, "nexuslake"), 3, 100*time.Millisecond, sys.DefaultLockStaleTTL)
	if err != nil {
		e.isStarted.Store(false)
		return fmt.Errorf("data directory %s is already in use: %w", e.opts.DataDir, err)
	}
	e.releaseLock = release

	testFilePath := filepath.Join(e.opts.DataDir, ".writable_test")
	if testFile, testErr := os.Create(testFilePath); testErr != nil {
		e.logger.Error("Data directory is not writable.", "path", e.opts.DataDir, "error", testErr)
		e.failStart()
		return fmt.Errorf("data directory %s is not writable: %w", e.opts.DataDir, testErr)
	} else {
		_ = testFile.Close()
		_ = os.Remove(testFilePath)
	}

	if err := e.manager.LoadTablets(); err != nil {
		e.logger.Error("Failed to load tablets.", "error", err)
		e.failStart()
		return fmt.Errorf("failed to load tablets: %w", err)
	}

	e.startTime = e.clock.Now()
	e.metrics.uptimeSecondsFunc = func() interface{} {
		return int64(e.clock.Now().Sub(e.startTime).Seconds())
	}
	e.metrics.tabletCountFunc = func() interface{} {
		return e.manager.TabletCount()
	}
	e.metrics.publishFuncGauges()

	e.scheduler.Start()
	e.logger.Info("Engine background services started.", "data_dir", e.opts.DataDir, "tablets", e.manager.TabletCount())

	e.hookManager.Trigger(context.Background(), hooks.NewPostStartEngineEvent())

	return nil
}

// failStart unwinds a partially successful Start so it can be retried.
func (e *Engine) failStart() {
	if e.releaseLock != nil {
		if err := e.releaseLock(); err != nil {
			e.logger.Warn("failed to release data directory lock", "error", err)
		}
		e.releaseLock = nil
	}
	e.isStarted.Store(false)
}

// Close stops the scheduler, waits for running tasks and releases the data
// directory lock. The pre-close hook runs first and may cancel it.
func (e *Engine) Close() error {
	if !e.isStarted.Load() {
		e.logger.Info("Close called on a non-running or already closed engine.")
		return nil
	}
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreCloseEngineEvent()); err != nil {
		return fmt.Errorf("engine close cancelled by pre-hook: %w", err)
	}

	if !e.isClosing.CompareAndSwap(false, true) {
		e.logger.Info("Close operation already in progress.")
		return nil
	}

	e.scheduler.Stop()
	e.taskWg.Wait()

	e.hookManager.Stop()

	var closeErr error
	if e.releaseLock != nil {
		closeErr = errors.Join(closeErr, e.releaseLock())
		e.releaseLock = nil
	}

	if closeErr != nil {
		return fmt.Errorf("errors during close: %w", closeErr)
	}

	e.isStarted.Store(false)
	e.hookManager.Trigger(context.Background(), hooks.NewPostCloseEngineEvent())

	e.logger.Info("Shutdown complete.")
	return nil
}

// CheckStarted gates every mutating operation.
func (e *Engine) CheckStarted() error {
	if !e.isStarted.Load() || e.isClosing.Load() {
		return core.ErrEngineClosed
	}
	return nil
}

// GetHookManager exposes the hook manager for listener registration.
func (e *Engine) GetHookManager() hooks.HookManager { return e.hookManager }

// Manager exposes the tablet registry.
func (e *Engine) Manager() *tablet.Manager { return e.manager }

// Store exposes the segment store.
func (e *Engine) Store() *segment.Store { return e.store }

// ManualWaitTimeout is the bound a manual run request waits on its task.
func (e *Engine) ManualWaitTimeout() time.Duration { return e.opts.ManualWaitTimeout }

// CreateTablet registers a new empty tablet and fires the post-create hook.
// An empty policy name takes the engine's default.
func (e *Engine) CreateTablet(tabletID core.TabletID, tableID core.TableID, policy string, peers []string) (*tablet.Tablet, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = e.opts.DefaultPolicy
	}
	tab, err := e.manager.CreateTablet(tabletID, tableID, policy, peers)
	if err != nil {
		return nil, err
	}
	e.hookManager.Trigger(context.Background(), hooks.NewPostTabletCreateEvent(hooks.TabletCreatePayload{
		TabletID: tabletID,
		TableID:  tableID,
	}))
	return tab, nil
}

// DropTablet removes a tablet and its files. The pre-drop hook may cancel it.
func (e *Engine) DropTablet(tabletID core.TabletID) error {
	if err := e.CheckStarted(); err != nil {
		return err
	}
	if _, ok := e.manager.GetTablet(tabletID); !ok {
		return fmt.Errorf("tablet %d: %w", tabletID, core.ErrTabletNotFound)
	}
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreTabletDropEvent(hooks.TabletDropPayload{TabletID: tabletID})); err != nil {
		return fmt.Errorf("tablet drop cancelled by pre-hook: %w", err)
	}
	if err := e.manager.DropTablet(tabletID); err != nil {
		return err
	}
	e.hookManager.Trigger(context.Background(), hooks.NewPostTabletDropEvent(hooks.TabletDropPayload{TabletID: tabletID}))
	return nil
}

// TabletStatus snapshots one tablet's compaction-facing state.
func (e *Engine) TabletStatus(tabletID core.TabletID) (tablet.CompactionStatus, error) {
	tab, ok := e.manager.GetTablet(tabletID)
	if !ok {
		return tablet.CompactionStatus{}, fmt.Errorf("tablet %d: %w", tabletID, core.ErrTabletNotFound)
	}
	return tab.Status(), nil
}

// RunningKind probes whether any compaction currently runs on the tablet.
// The probe order is fixed: full excludes the others, then cumulative, then
// base. It never blocks.
func (e *Engine) RunningKind(tabletID core.TabletID) (core.CompactionKind, bool, error) {
	tab, ok := e.manager.GetTablet(tabletID)
	if !ok {
		return 0, false, fmt.Errorf("tablet %d: %w", tabletID, core.ErrTabletNotFound)
	}
	if tab.FullCompactionRunning() {
		return core.CompactionFull, true, nil
	}
	if tab.CompactionRunning(core.CompactionCumulative) {
		return core.CompactionCumulative, true, nil
	}
	if tab.CompactionRunning(core.CompactionBase) {
		return core.CompactionBase, true, nil
	}
	return 0, false, nil
}

// SubmitCompactionTask runs one compaction of the given kind on the tablet
// asynchronously and returns its handle. fetchFromRemote turns a cumulative
// request into a single-replica fetch, which requires configured peers.
func (e *Engine) SubmitCompactionTask(tabletID core.TabletID, kind core.CompactionKind, fetchFromRemote bool) (*TaskHandle, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	tab, ok := e.manager.GetTablet(tabletID)
	if !ok {
		return nil, fmt.Errorf("tablet %d: %w", tabletID, core.ErrTabletNotFound)
	}
	if fetchFromRemote {
		if kind != core.CompactionCumulative {
			return nil, fmt.Errorf("remote fetch is only available for cumulative compaction: %w", core.ErrNotSupported)
		}
		if !tab.HasReplicaPeers() {
			return nil, fmt.Errorf("tablet %d has no replica peers: %w", tabletID, core.ErrNotSupported)
		}
		kind = core.CompactionSingleReplica
	}

	handle, err := e.submit(tab, kind)
	if err != nil {
		return nil, fmt.Errorf("tablet %d, kind %s: %w", tabletID, kind, err)
	}
	e.metrics.ManualTriggerTotal.Add(1)
	return handle, nil
}

// SubmitTableCompaction submits one task of the given kind for every tablet
// of the table. Tablets already compacting that kind are skipped. A table
// with no tablets submits nothing and is not an error.
func (e *Engine) SubmitTableCompaction(tableID core.TableID, kind core.CompactionKind) ([]*TaskHandle, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	tablets := e.manager.TabletsForTable(tableID)
	handles := make([]*TaskHandle, 0, len(tablets))
	for _, tab := range tablets {
		handle, err := e.submit(tab, kind)
		if err != nil {
			e.logger.Debug("skipping tablet during table compaction",
				"tablet_id", uint64(tab.ID()), "kind", kind.String(), "error", err)
			continue
		}
		handles = append(handles, handle)
	}
	e.metrics.ManualTriggerTotal.Add(1)
	return handles, nil
}

// TriggerCompactionCheck asks the scheduler to run a check cycle now instead
// of waiting for the next tick.
func (e *Engine) TriggerCompactionCheck() {
	e.scheduler.Trigger()
}

// submit registers a handle and runs the task on its own goroutine. Callers
// have already validated the tablet and kind.
func (e *Engine) submit(tab *tablet.Tablet, kind core.CompactionKind) (*TaskHandle, error) {
	handle := newTaskHandle(tab.ID(), kind, e.clock.Now())
	if err := e.inflight.add(handle); err != nil {
		return nil, err
	}
	e.taskWg.Add(1)
	go e.runTask(handle, tab, kind)
	return handle, nil
}

func (e *Engine) runTask(h *TaskHandle, tab *tablet.Tablet, kind core.CompactionKind) {
	defer e.taskWg.Done()
	defer e.inflight.remove(h)

	e.metrics.CompactionsInProgress.Add(1)
	defer e.metrics.CompactionsInProgress.Add(-1)

	ctx := context.Background()

	task, err := compaction.NewCompactionTask(kind, compaction.TaskParams{
		Tablet:     tab,
		Merger:     e.compactor,
		Policy:     e.policyFor(tab),
		Tunables:   e.opts.Tunables,
		Admission:  e.admission,
		PeerClient: e.peerClient,
		Clock:      e.clock,
		Logger:     e.logger,
		Tracer:     e.tracer,
	})
	if err != nil {
		e.logger.Error("failed to build compaction task",
			"tablet_id", uint64(tab.ID()), "kind", kind.String(), "error", err)
		h.complete(compaction.TaskFailedFatal, err)
		return
	}
	h.attach(task)

	if err := e.hookManager.Trigger(ctx, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{
		TabletID: tab.ID(),
		TableID:  tab.TableID(),
		Kind:     kind,
	})); err != nil {
		e.logger.Info("compaction cancelled by pre-hook",
			"tablet_id", uint64(tab.ID()), "kind", kind.String(), "error", err)
		e.metrics.CompactionVetoedTotal.Add(1)
		h.complete(task.State(), fmt.Errorf("compaction cancelled by pre-hook: %w", err))
		return
	}

	start := e.clock.Now()
	runErr := task.Run(ctx)
	duration := e.clock.Now().Sub(start)

	e.observeTaskOutcome(task, kind, duration, runErr)
	e.firePostCompaction(task, tab, kind, duration, runErr)
	h.complete(task.State(), runErr)
}

func (e *Engine) observeTaskOutcome(task compaction.Task, kind core.CompactionKind, duration time.Duration, runErr error) {
	e.metrics.CompactionTotal.Add(1)
	e.prom.tasksTotal.WithLabelValues(kind.String(), task.State().String()).Inc()

	switch task.State() {
	case compaction.TaskSucceeded:
		e.metrics.CompactionSucceededTotal.Add(1)
		observeLatency(e.metrics.CompactionLatencyHist, duration.Seconds())
		e.durations.observe(kind, float64(duration.Milliseconds()))

		var inputRows, inputBytes int64
		inputs := task.InputMetas()
		for _, m := range inputs {
			inputRows += m.NumRows
			inputBytes += m.DataSize
		}
		e.metrics.CompactionRowsetsMergedTotal.Add(int64(len(inputs)))
		e.metrics.CompactionDataReadBytesTotal.Add(inputBytes)
		if out, ok := task.OutputMeta(); ok {
			e.metrics.CompactionDataWrittenBytesTotal.Add(out.DataSize)
			if dropped := inputRows - out.NumRows; dropped > 0 {
				e.metrics.CompactionRowsDroppedTotal.Add(dropped)
			}
		}
	case compaction.TaskFailedBenign:
		e.metrics.CompactionSkippedTotal.Add(1)
		if errors.Is(runErr, core.ErrMemoryLimitExceeded) {
			e.metrics.AdmissionDeniedTotal.Add(1)
			e.prom.admissionDenied.Inc()
		}
	case compaction.TaskFailedFatal:
		e.metrics.CompactionErrorsTotal.Add(1)
		e.prom.failedTotal.WithLabelValues(kind.String()).Inc()
	}
}

func (e *Engine) firePostCompaction(task compaction.Task, tab *tablet.Tablet, kind core.CompactionKind, duration time.Duration, runErr error) {
	payload := hooks.PostCompactionPayload{
		TabletID:     tab.ID(),
		TableID:      tab.TableID(),
		Kind:         kind,
		State:        task.State().String(),
		InputRowsets: rowsetInfos(task.InputMetas()),
		Duration:     duration,
		Err:          runErr,
	}
	out, ok := task.OutputMeta()
	if ok {
		info := rowsetInfo(out)
		payload.OutputRowset = &info
	}
	e.hookManager.Trigger(context.Background(), hooks.NewPostCompactionEvent(payload))

	if ok {
		e.hookManager.Trigger(context.Background(), hooks.NewPostRowsetCreateEvent(hooks.RowsetCreatePayload{
			TabletID: tab.ID(),
			Rowset:   rowsetInfo(out),
		}))
	}
}

// policyFor returns the cumulative policy for the tablet's configured name.
// Policies are stateless, so one instance per name is shared by all tablets.
func (e *Engine) policyFor(tab *tablet.Tablet) compaction.CumulativeCompactionPolicy {
	name := tab.PolicyName()
	if name == "" {
		name = e.opts.DefaultPolicy
	}
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	if p, ok := e.policies[name]; ok {
		return p
	}
	p := compaction.NewCumulativePolicy(name, e.opts.Tunables, e.clock, e.logger)
	e.policies[name] = p
	return p
}

// PeerRowset finds a compacted local rowset whose version starts exactly at
// first and ends at or before last, for serving to a replica peer. The
// caller must Unref the returned rowset. No such rowset reports
// core.ErrNoSuitableVersion.
func (e *Engine) PeerRowset(tabletID core.TabletID, first, last int64) (*rowset.Rowset, error) {
	tab, ok := e.manager.GetTablet(tabletID)
	if !ok {
		return nil, fmt.Errorf("tablet %d: %w", tabletID, core.ErrTabletNotFound)
	}
	all := tab.Rowsets()
	var match *rowset.Rowset
	for _, rs := range all {
		if match == nil && rs.Version().First == first && rs.Version().Last <= last && rs.CompactionLevel() >= 1 {
			match = rs
			continue
		}
		rs.Unref()
	}
	if match == nil {
		return nil, fmt.Errorf("no compacted rowset starting at version %d: %w", first, core.ErrNoSuitableVersion)
	}
	return match, nil
}

// OverallCompactionStatus summarizes in-flight work and per-kind latency
// quantiles across the whole engine.
func (e *Engine) OverallCompactionStatus() OverallStatus {
	now := e.clock.Now()
	handles := e.inflight.snapshot()
	running := make([]RunningTask, 0, len(handles))
	for _, h := range handles {
		running = append(running, RunningTask{
			ID:           h.ID(),
			TabletID:     h.TabletID(),
			Kind:         h.Kind().String(),
			State:        h.State().String(),
			RunningForMs: now.Sub(h.StartedAt()).Milliseconds(),
		})
	}
	sort.Slice(running, func(i, j int) bool {
		if running[i].TabletID != running[j].TabletID {
			return running[i].TabletID < running[j].TabletID
		}
		return running[i].Kind < running[j].Kind
	})

	status := OverallStatus{
		Started: e.isStarted.Load(),
		Tablets: e.manager.TabletCount(),
		Running: running,
		Latency: e.durations.snapshot(),
	}
	if status.Started && !e.startTime.IsZero() {
		status.UptimeSeconds = int64(now.Sub(e.startTime).Seconds())
	}
	return status
}

func rowsetInfo(m rowset.RowsetMeta) hooks.RowsetInfo {
	return hooks.RowsetInfo{
		ID:      uint64(m.ID),
		Version: m.Version,
		Rows:    m.NumRows,
		Size:    m.DataSize,
		Level:   m.CompactionLevel,
	}
}

func rowsetInfos(metas []rowset.RowsetMeta) []hooks.RowsetInfo {
	out := make([]hooks.RowsetInfo, 0, len(metas))
	for _, m := range metas {
		out = append(out, rowsetInfo(m))
	}
	return out
}

// hookedRemover interposes the pre-delete hook on every segment file
// removal. Listener errors are logged and ignored; once a rowset's reference
// count reaches zero the removal is already committed.
type hookedRemover struct {
	inner  core.FileRemover
	hooks  hooks.HookManager
	logger *slog.Logger
}

var _ core.FileRemover = (*hookedRemover)(nil)

func (r *hookedRemover) Remove(name string) error {
	if err := r.hooks.Trigger(context.Background(), hooks.NewPreRowsetDeleteEvent(hooks.RowsetDeletePayload{Path: name})); err != nil {
		r.logger.Warn("pre-delete hook objected to rowset file removal, removing anyway", "path", name, "error", err)
	}
	return r.inner.Remove(name)
}

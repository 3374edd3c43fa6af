package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// TaskState is the lifecycle of one compaction task.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskPrepared
	TaskExecuted
	TaskSucceeded
	TaskFailedBenign
	TaskFailedFatal
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskPrepared:
		return "prepared"
	case TaskExecuted:
		return "executed"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailedBenign:
		return "failed_benign"
	case TaskFailedFatal:
		return "failed_fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailedBenign || s == TaskFailedFatal
}

// Task is one compaction execution against one tablet. Prepare acquires the
// kind's lock(s) and selects inputs; Execute performs the merge and version
// swap; Run drives both and classifies the outcome. A task runs on a single
// goroutine; only State is safe to read from others.
type Task interface {
	Kind() core.CompactionKind
	State() TaskState
	TabletID() core.TabletID
	// InputVersion is the version range the task decided to compact. Valid
	// once Prepare succeeded.
	InputVersion() core.Version
	// InputMetas returns metadata snapshots of the selected input rowsets.
	// Valid once Prepare succeeded, even after the inputs are released.
	InputMetas() []rowset.RowsetMeta
	// OutputMeta returns the installed output rowset's metadata. The bool is
	// false unless the task succeeded.
	OutputMeta() (rowset.RowsetMeta, bool)
	Prepare(ctx context.Context) error
	Execute(ctx context.Context) error
	Run(ctx context.Context) error
}

// TaskParams wires a task's collaborators. Tablet and Merger are required
// for every kind; Policy for cumulative and single-replica promotion;
// PeerClient only for single-replica.
type TaskParams struct {
	Tablet     *tablet.Tablet
	Merger     Merger
	Policy     CumulativeCompactionPolicy
	Tunables   PolicyTunables
	Admission  AdmissionGuard
	PeerClient PeerClient
	Clock      core.Clock
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// NewCompactionTask builds the task for the given kind. The switch is
// exhaustive over the closed kind set.
func NewCompactionTask(kind core.CompactionKind, p TaskParams) (Task, error) {
	switch kind {
	case core.CompactionBase:
		return NewBaseCompaction(p)
	case core.CompactionCumulative:
		return NewCumulativeCompaction(p)
	case core.CompactionFull:
		return NewFullCompaction(p)
	case core.CompactionSingleReplica:
		return NewSingleReplicaCompaction(p)
	default:
		return nil, fmt.Errorf("unknown compaction kind %d", int(kind))
	}
}

// task is the scaffold embedded by the four kinds.
type task struct {
	kind      core.CompactionKind
	tab       *tablet.Tablet
	merger    Merger
	admission AdmissionGuard
	tunables  PolicyTunables
	clock     core.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	state atomic.Int32

	inputs       []*rowset.Rowset
	inputMetas   []rowset.RowsetMeta
	inputVersion core.Version
	output       *rowset.Rowset
	releaseLock  func()
}

func newTask(kind core.CompactionKind, p TaskParams) (task, error) {
	if p.Tablet == nil {
		return task{}, fmt.Errorf("compaction: task requires a tablet")
	}
	if p.Merger == nil && kind != core.CompactionSingleReplica {
		return task{}, fmt.Errorf("compaction: task requires a merger")
	}
	if p.Clock == nil {
		p.Clock = core.SystemClock{}
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return task{
		kind:      kind,
		tab:       p.Tablet,
		merger:    p.Merger,
		admission: p.Admission,
		tunables:  p.Tunables.withDefaults(),
		clock:     p.Clock,
		logger: p.Logger.With("component", "compaction",
			"kind", kind.String(),
			"tablet_id", uint64(p.Tablet.ID())),
		tracer: p.Tracer,
	}, nil
}

func (t *task) Kind() core.CompactionKind  { return t.kind }
func (t *task) State() TaskState           { return TaskState(t.state.Load()) }
func (t *task) TabletID() core.TabletID    { return t.tab.ID() }
func (t *task) InputVersion() core.Version { return t.inputVersion }

func (t *task) InputMetas() []rowset.RowsetMeta { return t.inputMetas }

func (t *task) OutputMeta() (rowset.RowsetMeta, bool) {
	if t.output == nil {
		return rowset.RowsetMeta{}, false
	}
	return t.output.Meta(), true
}

func (t *task) setState(s TaskState) { t.state.Store(int32(s)) }

// acquire takes the kind's lock(s) without blocking and stamps the start
// time. Contention returns core.ErrAlreadyRunning.
func (t *task) acquire() error {
	release, ok := t.tab.TryLockCompaction(t.kind)
	if !ok {
		return core.ErrAlreadyRunning
	}
	t.releaseLock = release
	t.tab.RecordCompactionStart(t.kind)
	return nil
}

// acquireBlocking waits for the kind's lock(s). Used by full compaction,
// which is manual and expected to queue behind running work.
func (t *task) acquireBlocking() {
	t.releaseLock = t.tab.LockCompaction(t.kind)
	t.tab.RecordCompactionStart(t.kind)
}

// captureInputs records the referenced input snapshot and its version span.
// Meta copies outlive the references so the outcome can still be reported
// after release.
func (t *task) captureInputs(inputs []*rowset.Rowset) {
	t.inputs = inputs
	t.inputMetas = make([]rowset.RowsetMeta, len(inputs))
	for i, rs := range inputs {
		t.inputMetas[i] = rs.Meta()
	}
	t.inputVersion = core.NewVersion(
		inputs[0].Version().First,
		inputs[len(inputs)-1].Version().Last)
}

// releaseAll drops the input references and the lock guard. Idempotent.
func (t *task) releaseAll() {
	if t.inputs != nil {
		tablet.UnrefAll(t.inputs)
		t.inputs = nil
	}
	if t.releaseLock != nil {
		t.releaseLock()
		t.releaseLock = nil
	}
}

// mergeAndReplace is the shared execute path for the locally merging kinds:
// admission check, merge, version swap. The merge output is cleaned up if
// the swap fails.
func (t *task) mergeAndReplace(ctx context.Context) error {
	var estimated int64
	inputIDs := make([]core.RowsetID, len(t.inputs))
	for i, rs := range t.inputs {
		estimated += rs.DataSize()
		inputIDs[i] = rs.ID()
	}
	if t.admission != nil {
		if err := t.admission.AdmitMerge(estimated); err != nil {
			return err
		}
	}

	output, err := t.merger.Merge(ctx, t.tab.ID(), t.inputs, t.inputVersion)
	if err != nil {
		return fmt.Errorf("merge failed for version %s: %w", t.inputVersion, err)
	}
	if err := t.tab.ReplaceVersions(inputIDs, output); err != nil {
		output.MarkSuperseded()
		output.Unref()
		return fmt.Errorf("failed to install compaction output %s: %w", output.Version(), err)
	}
	t.output = output
	return nil
}

// runSteps drives Prepare then Execute, classifies the error, releases all
// resources and records the tablet bookkeeping.
func (t *task) runSteps(ctx context.Context, prepare, execute func(context.Context) error) error {
	start := t.clock.Now()
	var span trace.Span
	if t.tracer != nil {
		ctx, span = t.tracer.Start(ctx, "Compaction.Run")
		defer span.End()
		span.SetAttributes(
			attribute.String("compaction.kind", t.kind.String()),
			attribute.Int64("tablet.id", int64(t.tab.ID())),
		)
	}

	err := prepare(ctx)
	if err == nil {
		t.setState(TaskPrepared)
		err = execute(ctx)
		if err == nil {
			t.setState(TaskExecuted)
		}
	}
	numInputs := len(t.inputs)
	t.releaseAll()
	duration := t.clock.Now().Sub(start)

	switch {
	case err == nil:
		t.setState(TaskSucceeded)
		t.tab.RecordCompactionSuccess(t.kind)
		t.logger.Info("compaction succeeded",
			"version", t.inputVersion.String(),
			"inputs", numInputs,
			"duration", duration.String())
	case core.IsBenign(err):
		t.setState(TaskFailedBenign)
		t.logger.Debug("compaction found nothing to do", "reason", err, "duration", duration.String())
	case errors.Is(err, core.ErrAlreadyRunning):
		t.setState(TaskFailedBenign)
		t.logger.Debug("compaction lock contended, skipping")
	case errors.Is(err, core.ErrNotSupported):
		t.setState(TaskFailedBenign)
		t.logger.Warn("compaction not supported on this tablet", "error", err)
	default:
		t.setState(TaskFailedFatal)
		t.tab.RecordCompactionFailure(t.kind)
		t.logger.Error("compaction failed",
			"version", t.inputVersion.String(),
			"error", err,
			"duration", duration.String())
	}
	if span != nil && t.State() == TaskFailedFatal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

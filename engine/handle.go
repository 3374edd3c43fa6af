package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/core"
)

// TaskHandle tracks one asynchronously submitted compaction task. The
// submitter may wait on it with a bound, poll it, or abandon it; the task
// keeps running either way and records its outcome here.
type TaskHandle struct {
	id        uuid.UUID
	kind      core.CompactionKind
	tabletID  core.TabletID
	startedAt time.Time

	done chan struct{}

	mu    sync.Mutex
	task  compaction.Task
	state compaction.TaskState
	err   error
}

func newTaskHandle(tabletID core.TabletID, kind core.CompactionKind, startedAt time.Time) *TaskHandle {
	return &TaskHandle{
		id:        uuid.New(),
		kind:      kind,
		tabletID:  tabletID,
		startedAt: startedAt,
		done:      make(chan struct{}),
		state:     compaction.TaskCreated,
	}
}

func (h *TaskHandle) ID() string               { return h.id.String() }
func (h *TaskHandle) Kind() core.CompactionKind { return h.kind }
func (h *TaskHandle) TabletID() core.TabletID   { return h.tabletID }
func (h *TaskHandle) StartedAt() time.Time      { return h.startedAt }

// Done is closed once the task reached a terminal state.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// attach links the running task so State reflects its live progress.
func (h *TaskHandle) attach(task compaction.Task) {
	h.mu.Lock()
	h.task = task
	h.mu.Unlock()
}

// State returns the task's current state, terminal or not.
func (h *TaskHandle) State() compaction.TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.task != nil {
		return h.task.State()
	}
	return h.state
}

// Err returns the task's final error. Meaningful only once Done is closed.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// complete records the terminal outcome and releases every waiter. Called
// exactly once, by the goroutine that ran the task.
func (h *TaskHandle) complete(state compaction.TaskState, err error) {
	h.mu.Lock()
	h.task = nil
	h.state = state
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// WaitTimeout blocks until the task finishes or d elapses. finished reports
// which of the two happened; err is the task's final error when finished.
func (h *TaskHandle) WaitTimeout(d time.Duration) (finished bool, err error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return true, h.Err()
	case <-timer.C:
		return false, nil
	}
}

// inflightKey identifies the one slot a tablet has per compaction kind.
type inflightKey struct {
	tabletID core.TabletID
	kind     core.CompactionKind
}

// inflightTable tracks running handles so status queries can enumerate them
// and duplicate submissions are rejected before any goroutine is spawned.
type inflightTable struct {
	mu      sync.Mutex
	handles map[inflightKey]*TaskHandle
}

func newInflightTable() *inflightTable {
	return &inflightTable{handles: make(map[inflightKey]*TaskHandle)}
}

// add registers h, refusing a second task of the same kind on the same
// tablet with core.ErrAlreadyRunning.
func (t *inflightTable) add(h *TaskHandle) error {
	key := inflightKey{h.tabletID, h.kind}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handles[key]; exists {
		return core.ErrAlreadyRunning
	}
	t.handles[key] = h
	return nil
}

func (t *inflightTable) remove(h *TaskHandle) {
	key := inflightKey{h.tabletID, h.kind}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles[key] == h {
		delete(t.handles, key)
	}
}

// snapshot returns the current handles in no particular order.
func (t *inflightTable) snapshot() []*TaskHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TaskHandle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	return out
}

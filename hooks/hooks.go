// Package hooks lets external components observe and veto engine
// operations. Pre events run synchronously and may cancel the operation by
// returning an error; Post events are informational and may run async.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexuslake/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Engine lifecycle events.
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"

	// Compaction lifecycle events.
	EventPreCompaction  EventType = "PreCompaction"
	EventPostCompaction EventType = "PostCompaction"

	// Tablet lifecycle events.
	EventPostTabletCreate EventType = "PostTabletCreate"
	EventPreTabletDrop    EventType = "PreTabletDrop"
	EventPostTabletDrop   EventType = "PostTabletDrop"

	// Rowset lifecycle events.
	EventPostRowsetCreate EventType = "PostRowsetCreate"
	EventPreRowsetDelete  EventType = "PreRowsetDelete"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event
	// type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for
	// graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to
// events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is
	// triggered. Returning an error from a "Pre" hook (e.g. PreCompaction)
	// cancels the operation. Errors from "Post" hooks are logged without
	// affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed
	// first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for
	// Post-events.
	IsAsync() bool
}

// RowsetInfo holds immutable facts about a rowset for use in hook payloads.
type RowsetInfo struct {
	ID      uint64
	Version core.Version
	Rows    int64
	Size    int64
	Level   int
}

// EngineLifecyclePayload is used for engine start/close events.
type EngineLifecyclePayload struct{}

// NewPreStartEngineEvent creates an event for before the engine starts.
func NewPreStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPostStartEngineEvent creates an event for after the engine has started.
func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPreCloseEngineEvent creates an event for before the engine closes.
func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

// NewPostCloseEngineEvent creates an event for after the engine has closed.
func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// PreCompactionPayload contains the data for a PreCompaction event. A
// listener returning an error vetoes the task before it takes any lock.
type PreCompactionPayload struct {
	TabletID core.TabletID
	TableID  core.TableID
	Kind     core.CompactionKind
}

// NewPreCompactionEvent creates a new event for before a compaction starts.
func NewPreCompactionEvent(payload PreCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: payload}
}

// PostCompactionPayload describes a finished compaction task, whatever its
// outcome. OutputRowset is nil unless the task succeeded.
type PostCompactionPayload struct {
	TabletID     core.TabletID
	TableID      core.TableID
	Kind         core.CompactionKind
	State        string
	InputRowsets []RowsetInfo
	OutputRowset *RowsetInfo
	Duration     time.Duration
	Err          error
}

// NewPostCompactionEvent creates a new event for after a compaction finishes.
func NewPostCompactionEvent(payload PostCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: payload}
}

// TabletCreatePayload contains the data for a PostTabletCreate event.
type TabletCreatePayload struct {
	TabletID core.TabletID
	TableID  core.TableID
}

// NewPostTabletCreateEvent creates an event for after a tablet is registered.
func NewPostTabletCreateEvent(payload TabletCreatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTabletCreate, payload: payload}
}

// TabletDropPayload contains the data for tablet drop events. The Pre event
// is cancelable.
type TabletDropPayload struct {
	TabletID core.TabletID
}

// NewPreTabletDropEvent creates an event for before a tablet is dropped.
func NewPreTabletDropEvent(payload TabletDropPayload) HookEvent {
	return &BaseEvent{eventType: EventPreTabletDrop, payload: payload}
}

// NewPostTabletDropEvent creates an event for after a tablet is dropped.
func NewPostTabletDropEvent(payload TabletDropPayload) HookEvent {
	return &BaseEvent{eventType: EventPostTabletDrop, payload: payload}
}

// RowsetCreatePayload contains the data for a PostRowsetCreate event, fired
// when a new rowset becomes visible in a tablet's version chain.
type RowsetCreatePayload struct {
	TabletID core.TabletID
	Rowset   RowsetInfo
}

// NewPostRowsetCreateEvent creates an event for a newly installed rowset.
func NewPostRowsetCreateEvent(payload RowsetCreatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRowsetCreate, payload: payload}
}

// RowsetDeletePayload contains the data for a PreRowsetDelete event, fired
// just before a segment file of an unreferenced rowset is removed from disk.
// Errors from listeners are logged, not honored; the file is gone either way.
type RowsetDeletePayload struct {
	Path string
}

// NewPreRowsetDeleteEvent creates an event for before a segment file is
// deleted.
func NewPreRowsetDeleteEvent(payload RowsetDeletePayload) HookEvent {
	return &BaseEvent{eventType: EventPreRowsetDelete, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	// Get the existing slice of listeners for this event type.
	l := m.listeners[eventType]

	// Find the correct insertion index to maintain sorted order.
	// sort.Search finds the first index i where l[i].priority >= item.priority.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	// Optimized insertion to reduce re-allocations.
	// Append a zero value to the slice, which might grow the slice once.
	l = append(l, nil)
	// Shift elements to make space for the new item.
	copy(l[idx+1:], l[idx:])
	// Insert the new item at the correct position.
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			// --- Synchronous Execution ---
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					// For Pre-hooks, the error is critical and cancels the operation.
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				// For synchronous Post-hooks, we just log the error and continue.
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			// --- Asynchronous Execution --- (Only for Post-hooks that return IsAsync() == true)
			m.wg.Add(1)
			// Pass item as an argument to the closure to capture its current value.
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

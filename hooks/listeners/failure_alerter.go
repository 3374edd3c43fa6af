package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/hooks"
)

// FailureAlerterListener logs a warning when a compaction task fails for a
// non-benign reason. Benign outcomes (nothing to merge, lock contention,
// memory pressure) are routine and stay quiet.
type FailureAlerterListener struct {
	logger *slog.Logger
}

// NewFailureAlerterListener creates a new listener for monitoring compaction failures.
func NewFailureAlerterListener(logger *slog.Logger) *FailureAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FailureAlerterListener{
		logger: logger.With("component", "FailureAlerterListener"),
	}
}

// OnEvent handles the PostCompaction event.
func (l *FailureAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostCompaction {
		return nil // Ignore other events
	}

	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok {
		l.logger.Error("Received PostCompaction event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if payload.State != compaction.TaskFailedFatal.String() {
		return nil
	}

	l.logger.Warn("Compaction task failed",
		"kind", payload.Kind.String(),
		"tablet_id", uint64(payload.TabletID),
		"table_id", uint64(payload.TableID),
		"duration", payload.Duration.String(),
		"error", payload.Err,
	)

	return nil
}

// Priority defines the execution order.
func (l *FailureAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *FailureAlerterListener) IsAsync() bool { return true }

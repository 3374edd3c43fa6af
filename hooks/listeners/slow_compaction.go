package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/hooks"
)

// DurationRule defines the maximum acceptable run time for one compaction kind.
type DurationRule struct {
	Kind core.CompactionKind
	Max  time.Duration
}

// SlowCompactionListener checks finished compactions for run times that exceed
// configured per-kind thresholds.
type SlowCompactionListener struct {
	logger *slog.Logger
	rules  map[core.CompactionKind]time.Duration
}

// NewSlowCompactionListener creates a new listener for detecting slow compactions.
// Rules define what counts as slow for each compaction kind; kinds without a
// rule are never reported.
func NewSlowCompactionListener(logger *slog.Logger, rules []DurationRule) *SlowCompactionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ruleMap := make(map[core.CompactionKind]time.Duration)
	for _, rule := range rules {
		ruleMap[rule.Kind] = rule.Max
	}

	return &SlowCompactionListener{
		logger: logger.With("component", "SlowCompactionListener"),
		rules:  ruleMap,
	}
}

// OnEvent handles PostCompaction events to check for slow runs.
func (l *SlowCompactionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostCompaction {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok {
		l.logger.Error("Received PostCompaction event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	maxDuration, hasRule := l.rules[payload.Kind]
	if !hasRule {
		return nil
	}

	if payload.Duration > maxDuration {
		l.logger.Warn("Slow compaction detected",
			"kind", payload.Kind.String(),
			"tablet_id", uint64(payload.TabletID),
			"state", payload.State,
			"duration", payload.Duration.String(),
			"max_threshold", maxDuration.String(),
			"input_rowsets", len(payload.InputRowsets),
		)
	}

	// This is a detection hook, not a validation hook, so we don't cancel anything.
	return nil
}

// Priority defines the execution order.
func (l *SlowCompactionListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *SlowCompactionListener) IsAsync() bool { return true }

package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuslake/hooks"
)

// WriteAmplificationListener calculates and exposes metrics about data amplification during compaction.
var (
	// Use sync.Once to ensure these expvars are only ever created once,
	// making NewWriteAmplificationListener idempotent.
	wafMetricsOnce    sync.Once
	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
)

func initWAFMetrics() {
	wafMetricsOnce.Do(func() {
		totalBytesRead = expvar.NewInt("engine_compaction_bytes_read_total")
		totalBytesWritten = expvar.NewInt("engine_compaction_bytes_written_total")
		compactionEvents = expvar.NewInt("engine_compaction_events_total")
		// Expose the calculated WAF as a float.
		// This function will be called by the metrics endpoint each time it's scraped.
		expvar.Publish("engine_compaction_waf", expvar.Func(func() interface{} {
			read := totalBytesRead.Value()
			if read == 0 {
				return 0.0 // Avoid division by zero.
			}
			return float64(totalBytesWritten.Value()) / float64(read)
		}))
	})
}

type WriteAmplificationListener struct {
	logger *slog.Logger

	// Metrics to track
	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
}

// NewWriteAmplificationListener creates a new listener.
func NewWriteAmplificationListener(logger *slog.Logger) *WriteAmplificationListener {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initWAFMetrics() // This will only run the registration logic once.
	return &WriteAmplificationListener{
		logger:            logger.With("component", "WriteAmplificationListener"),
		totalBytesRead:    totalBytesRead,
		totalBytesWritten: totalBytesWritten,
		compactionEvents:  compactionEvents,
	}
}

// OnEvent is called when a PostCompaction event is triggered.
func (l *WriteAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok {
		// This listener only cares about PostCompaction events.
		return nil
	}
	if payload.OutputRowset == nil {
		// Nothing durable was written, so the event does not amplify anything.
		return nil
	}

	var bytesRead int64
	for _, rowsetInfo := range payload.InputRowsets {
		bytesRead += rowsetInfo.Size
	}
	bytesWritten := payload.OutputRowset.Size

	l.totalBytesRead.Add(bytesRead)
	l.totalBytesWritten.Add(bytesWritten)
	l.compactionEvents.Add(1)

	l.logger.Info("Compaction event processed",
		"kind", payload.Kind.String(),
		"tablet_id", uint64(payload.TabletID),
		"bytes_read", bytesRead,
		"bytes_written", bytesWritten,
	)

	// This is an async post-hook, so we don't return an error.
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *WriteAmplificationListener) Priority() int {
	return 100 // A lower priority is fine for metrics.
}

// IsAsync indicates this listener can run in the background.
func (l *WriteAmplificationListener) IsAsync() bool {
	return true
}

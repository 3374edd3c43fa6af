package engine

import (
	"expvar"
	"fmt"
)

// EngineMetrics holds all expvar variables for one Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	prefix string

	// Task outcomes. CompactionTotal counts every task that reached a
	// terminal state; the three outcome counters partition it.
	CompactionTotal          *expvar.Int
	CompactionSucceededTotal *expvar.Int
	CompactionSkippedTotal   *expvar.Int
	CompactionErrorsTotal    *expvar.Int
	CompactionVetoedTotal    *expvar.Int
	AdmissionDeniedTotal     *expvar.Int

	// Merge volume.
	CompactionDataReadBytesTotal    *expvar.Int
	CompactionDataWrittenBytesTotal *expvar.Int
	CompactionRowsetsMergedTotal    *expvar.Int
	CompactionRowsDroppedTotal      *expvar.Int

	// Scheduler activity.
	SchedulerCyclesTotal    *expvar.Int
	SchedulerSubmittedTotal *expvar.Int
	SchedulerSkippedTotal   *expvar.Int
	ManualTriggerTotal      *expvar.Int

	CompactionsInProgress *expvar.Int

	CompactionLatencyHist *expvar.Map

	uptimeSecondsFunc func() interface{}
	tabletCountFunc   func() interface{}
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with expvar variables.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally:        publishGlobally,
		prefix:                   prefix,
		CompactionTotal:          newIntFunc(prefix + "compaction_total"),
		CompactionSucceededTotal: newIntFunc(prefix + "compaction_succeeded_total"),
		CompactionSkippedTotal:   newIntFunc(prefix + "compaction_skipped_total"),
		CompactionErrorsTotal:    newIntFunc(prefix + "compaction_errors_total"),
		CompactionVetoedTotal:    newIntFunc(prefix + "compaction_vetoed_total"),
		AdmissionDeniedTotal:     newIntFunc(prefix + "compaction_admission_denied_total"),

		CompactionDataReadBytesTotal:    newIntFunc(prefix + "compaction_data_read_bytes_total"),
		CompactionDataWrittenBytesTotal: newIntFunc(prefix + "compaction_data_written_bytes_total"),
		CompactionRowsetsMergedTotal:    newIntFunc(prefix + "compaction_rowsets_merged_total"),
		CompactionRowsDroppedTotal:      newIntFunc(prefix + "compaction_rows_dropped_total"),

		SchedulerCyclesTotal:    newIntFunc(prefix + "scheduler_cycles_total"),
		SchedulerSubmittedTotal: newIntFunc(prefix + "scheduler_submitted_total"),
		SchedulerSkippedTotal:   newIntFunc(prefix + "scheduler_skipped_total"),
		ManualTriggerTotal:      newIntFunc(prefix + "manual_trigger_total"),

		CompactionsInProgress: newIntFunc(prefix + "compactions_in_progress"),

		CompactionLatencyHist: newMapFunc(prefix + "compaction_latency_seconds"),
	}

	histMaps := []*expvar.Map{
		em.CompactionLatencyHist,
	}
	for _, m := range histMaps {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	return em
}

// publishFuncGauges exposes the function-backed gauges under the global
// expvar namespace. No-op unless the metrics were published globally and the
// functions have been wired.
func (em *EngineMetrics) publishFuncGauges() {
	if !em.PublishedGlobally {
		return
	}
	if em.uptimeSecondsFunc != nil {
		publishExpvarFunc(em.prefix+"uptime_seconds", em.uptimeSecondsFunc)
	}
	if em.tabletCountFunc != nil {
		publishExpvarFunc(em.prefix+"tablet_count", em.tabletCountFunc)
	}
}

// GetTabletCount reports the current tablet count through the wired gauge.
func (em *EngineMetrics) GetTabletCount() (int, error) {
	if em.tabletCountFunc == nil {
		return 0, fmt.Errorf("tabletCountFunc not initialized in injected metrics")
	}
	val := em.tabletCountFunc()
	if count, ok := val.(int); ok {
		return count, nil
	}
	if count64, ok64 := val.(int64); ok64 {
		return int(count64), nil
	}
	return 0, fmt.Errorf("tabletCountFunc did not return int or int64, got %T", val)
}

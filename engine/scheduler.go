package engine

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/tablet"
)

// Defaults for zero scheduler option fields.
const (
	DefaultCheckInterval           = 60 * time.Second
	DefaultMaxConcurrentBase       = 2
	DefaultMaxConcurrentCumulative = 4
)

// compactionScheduler periodically scans every tablet and submits base and
// cumulative compactions where they look worthwhile. Full and single-replica
// compactions are never scheduled automatically; they only run on request.
type compactionScheduler struct {
	eng *Engine

	interval                time.Duration
	minIntervalAfterFailure time.Duration

	triggerChan  chan struct{}
	shutdownChan chan struct{}
	wg           sync.WaitGroup

	// Per-kind concurrency limits. Acquire by sending, release by receiving.
	baseSem chan struct{}
	cumuSem chan struct{}
}

func newCompactionScheduler(eng *Engine) *compactionScheduler {
	s := &compactionScheduler{
		eng:                     eng,
		interval:                eng.opts.CheckInterval,
		minIntervalAfterFailure: eng.opts.MinIntervalAfterFailure,
		triggerChan:             make(chan struct{}, 1),
		shutdownChan:            make(chan struct{}),
	}
	if s.interval <= 0 {
		eng.logger.Warn("Invalid compaction check interval, defaulting to 60 seconds.", "interval", eng.opts.CheckInterval, "default_seconds", 60)
		s.interval = DefaultCheckInterval
	}

	maxBase := eng.opts.MaxConcurrentBase
	if maxBase <= 0 {
		maxBase = DefaultMaxConcurrentBase
	}
	maxCumu := eng.opts.MaxConcurrentCumulative
	if maxCumu <= 0 {
		maxCumu = DefaultMaxConcurrentCumulative
	}
	if maxBase > runtime.NumCPU() {
		eng.logger.Warn("MaxConcurrentBase is set higher than the number of available CPUs.", "provided_value", maxBase, "num_cpu", runtime.NumCPU())
		maxBase = runtime.NumCPU()
	}
	if maxCumu > runtime.NumCPU() {
		eng.logger.Warn("MaxConcurrentCumulative is set higher than the number of available CPUs.", "provided_value", maxCumu, "num_cpu", runtime.NumCPU())
		maxCumu = runtime.NumCPU()
	}
	s.baseSem = make(chan struct{}, maxBase)
	s.cumuSem = make(chan struct{}, maxCumu)

	return s
}

// Start begins the background check loop.
func (s *compactionScheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runCycle()
			case <-s.triggerChan:
				s.runCycle()
			case <-s.shutdownChan:
				s.eng.logger.Info("Shutting down compaction scheduler loop.")
				return
			}
		}
	}()
	s.eng.logger.Info("Started background compaction scheduler.", "check_interval", s.interval.String())
}

// Stop signals the loop to shut down and waits for it and any semaphore
// babysitter goroutines. Safe to call on a scheduler that never started.
func (s *compactionScheduler) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
	s.wg.Wait()
	s.eng.logger.Info("Compaction scheduler stopped.")
}

// Trigger requests an immediate check cycle without blocking.
func (s *compactionScheduler) Trigger() {
	select {
	case s.triggerChan <- struct{}{}:
		s.eng.logger.Info("Manual compaction check triggered.")
	default:
		s.eng.logger.Info("Compaction check already pending, skipping manual trigger.")
	}
}

// candidate is a tablet that looks worth compacting this cycle, ordered by
// how many rowsets the kind could merge.
type candidate struct {
	tab   *tablet.Tablet
	score int
}

// runCycle scans all tablets and submits at most one task per tablet and
// kind. The cheap screen here only filters obvious no-ops; the task itself
// re-evaluates the real policy triggers under the tablet lock.
func (s *compactionScheduler) runCycle() {
	_, span := s.eng.tracer.Start(context.Background(), "compactionScheduler.runCycle")
	defer span.End()

	s.eng.metrics.SchedulerCyclesTotal.Add(1)
	s.eng.logger.Debug("Checking tablets for compaction...", "trace_id", span.SpanContext().TraceID().String())

	tablets := s.eng.manager.GetAllTablets(nil)
	now := s.eng.clock.Now()

	// Base runs first: a base merge stays below the cumulative point, so it
	// cannot disturb the cumulative screen taken later in the same cycle.
	var submitted int
	for _, kind := range []core.CompactionKind{core.CompactionBase, core.CompactionCumulative} {
		candidates := s.collectCandidates(tablets, kind, now)
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

		sem := s.semFor(kind)
		for _, cand := range candidates {
			select {
			case sem <- struct{}{}:
			default:
				s.eng.metrics.SchedulerSkippedTotal.Add(1)
				s.eng.logger.Debug("Skipping compaction due to concurrency limit.",
					"tablet_id", uint64(cand.tab.ID()), "kind", kind.String(), "max_concurrent", cap(sem))
				span.SetAttributes(attribute.String("compaction.skipped_reason", "concurrency_limit"))
				continue
			}

			handle, err := s.eng.submit(cand.tab, kind)
			if err != nil {
				<-sem
				s.eng.logger.Debug("Tablet already compacting, skipping.",
					"tablet_id", uint64(cand.tab.ID()), "kind", kind.String(), "error", err)
				continue
			}
			submitted++
			s.eng.metrics.SchedulerSubmittedTotal.Add(1)
			s.eng.logger.Info("Compaction needed, starting task.",
				"tablet_id", uint64(cand.tab.ID()), "kind", kind.String(), "candidate_rowsets", cand.score)

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				<-handle.Done()
				<-sem
			}()
		}
	}

	span.SetAttributes(attribute.Int("compaction.submitted_count", submitted))
	if submitted == 0 {
		s.eng.logger.Debug("No compaction needed or initiated in this cycle.")
	}
}

// collectCandidates screens tablets for one kind: not already compacting,
// out of the failure backoff window and holding at least two mergeable
// rowsets.
func (s *compactionScheduler) collectCandidates(tablets []*tablet.Tablet, kind core.CompactionKind, now time.Time) []candidate {
	var out []candidate
	for _, tab := range tablets {
		if tab.CompactionRunning(kind) {
			continue
		}
		if lastFailure := tab.LastFailureMillis(kind); lastFailure > 0 {
			if now.Sub(time.UnixMilli(lastFailure)) < s.minIntervalAfterFailure {
				continue
			}
		}
		rowsets := tab.CandidateRowsets(kind)
		score := len(rowsets)
		tablet.UnrefAll(rowsets)
		if score < 2 {
			continue
		}
		out = append(out, candidate{tab: tab, score: score})
	}
	return out
}

func (s *compactionScheduler) semFor(kind core.CompactionKind) chan struct{} {
	if kind == core.CompactionBase {
		return s.baseSem
	}
	return s.cumuSem
}

package compaction

import (
	"log/slog"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// TimeSeriesPolicy serves append-mostly, time-ordered ingestion: it merges
// the oldest window of fresh (level zero) rowsets whenever enough bytes,
// files or time has accumulated, and always moves the cumulative point past
// its output because time-ordered workloads do not write behind it.
type TimeSeriesPolicy struct {
	tunables PolicyTunables
	clock    core.Clock
	logger   *slog.Logger
}

var _ CumulativeCompactionPolicy = (*TimeSeriesPolicy)(nil)

func (p *TimeSeriesPolicy) Name() string { return PolicyTimeSeries }

// PickInputRowsets applies the triggers in order: accumulated window size,
// file count, window age, a run of empty rowsets, and finally (when level
// compaction is enabled) a run of level-one outputs worth re-merging.
func (p *TimeSeriesPolicy) PickInputRowsets(t *tablet.Tablet, candidates []*rowset.Rowset) ([]*rowset.Rowset, error) {
	if len(candidates) < 2 {
		return nil, core.ErrNoSuitableVersion
	}

	// The window is the oldest run of consecutive fresh rowsets. Compacted
	// outputs ahead of it are skipped; one inside it ends the run.
	var window []*rowset.Rowset
	var windowSize int64
	for _, rs := range candidates {
		if rs.CompactionLevel() >= p.tunables.TimeSeriesLevelThreshold {
			if len(window) == 0 {
				continue
			}
			break
		}
		window = append(window, rs)
		windowSize += rs.DataSize()
		if windowSize >= p.tunables.TimeSeriesGoalSizeBytes && len(window) >= 2 {
			return window, nil
		}
	}

	if len(window) >= p.tunables.TimeSeriesFileCountThreshold {
		return window, nil
	}

	if len(window) >= 2 {
		age := p.clock.Now().Unix() - window[0].CreationTime()
		if age >= p.tunables.TimeSeriesTimeThresholdSeconds {
			return window, nil
		}
	}

	if run := longestEmptyRun(window); len(run) >= p.tunables.TimeSeriesEmptyRowsetThreshold {
		return run, nil
	}

	if p.tunables.TimeSeriesLevelThreshold >= 2 {
		if run := levelOneRun(candidates, p.tunables.TimeSeriesGoalSizeBytes); run != nil {
			return run, nil
		}
	}

	return nil, core.ErrNoSuitableVersion
}

// UpdateCumulativePoint always advances past the output.
func (p *TimeSeriesPolicy) UpdateCumulativePoint(t *tablet.Tablet, output *rowset.Rowset) error {
	return t.AdvanceCumulativePoint(output.Version().Last + 1)
}

// longestEmptyRun returns the longest run of consecutive empty rowsets.
func longestEmptyRun(rowsets []*rowset.Rowset) []*rowset.Rowset {
	var best, cur []*rowset.Rowset
	for _, rs := range rowsets {
		if rs.Empty() {
			cur = append(cur, rs)
			if len(cur) > len(best) {
				best = cur
			}
			continue
		}
		cur = nil
	}
	return best
}

// levelOneRun returns the first run of consecutive level-one rowsets whose
// accumulated size reaches goalSize, or nil.
func levelOneRun(candidates []*rowset.Rowset, goalSize int64) []*rowset.Rowset {
	var run []*rowset.Rowset
	var runSize int64
	for _, rs := range candidates {
		if rs.CompactionLevel() != 1 {
			run = nil
			runSize = 0
			continue
		}
		run = append(run, rs)
		runSize += rs.DataSize()
		if runSize >= goalSize && len(run) >= 2 {
			return run
		}
	}
	return nil
}

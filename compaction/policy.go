// Package compaction implements the compaction strategies of the storage
// tier: the policies that choose input rowsets, the tasks that execute the
// four compaction kinds, and the peer client used by single-replica
// compaction.
package compaction

import (
	"context"
	"io"
	"log/slog"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// Merger produces one output rowset covering exactly outVersion from the
// live rows of the inputs. The segment store's compactor implements it.
type Merger interface {
	Merge(ctx context.Context, tabletID core.TabletID, inputs []*rowset.Rowset, outVersion core.Version) (*rowset.Rowset, error)
}

// AdmissionGuard decides whether a merge may start right now. Denials are
// expressed as core.ErrMemoryLimitExceeded and treated as benign skips.
type AdmissionGuard interface {
	AdmitMerge(estimatedBytes int64) error
}

// CumulativeCompactionPolicy picks the cumulative-scope rowsets worth
// merging and owns advancing the tablet's cumulative point afterwards.
// Implementations are stateless and safe for concurrent use.
type CumulativeCompactionPolicy interface {
	Name() string
	// PickInputRowsets selects a consecutive run from candidates (already
	// ordered by version and limited to cumulative scope). It returns
	// core.ErrNoSuitableVersion when nothing is worth merging yet.
	PickInputRowsets(t *tablet.Tablet, candidates []*rowset.Rowset) ([]*rowset.Rowset, error)
	// UpdateCumulativePoint is called after the output rowset has landed.
	UpdateCumulativePoint(t *tablet.Tablet, output *rowset.Rowset) error
}

// Policy names accepted in tablet metas and config.
const (
	PolicySizeBased  = "size_based"
	PolicyTimeSeries = "time_series"
)

// PolicyTunables collects every knob the two policies read. Zero values are
// replaced by the defaults below.
type PolicyTunables struct {
	// Size-based promotion of the cumulative point.
	PromotionSizeBytes    int64
	PromotionRatio        float64
	PromotionMinSizeBytes int64
	// Size-based pick window.
	CompactionLowerSizeBytes int64
	MinSingletonDeltas       int
	MaxSingletonDeltas       int
	// Base compaction triggers.
	BaseMinRowsetNum int
	BaseMinDataRatio float64
	// Time-series pick windows.
	TimeSeriesGoalSizeBytes        int64
	TimeSeriesFileCountThreshold   int
	TimeSeriesTimeThresholdSeconds int64
	TimeSeriesLevelThreshold       int
	TimeSeriesEmptyRowsetThreshold int
}

// DefaultPolicyTunables returns the stock thresholds.
func DefaultPolicyTunables() PolicyTunables {
	return PolicyTunables{
		PromotionSizeBytes:             1024 * 1024 * 1024,
		PromotionRatio:                 0.05,
		PromotionMinSizeBytes:          64 * 1024 * 1024,
		CompactionLowerSizeBytes:       64 * 1024 * 1024,
		MinSingletonDeltas:             5,
		MaxSingletonDeltas:             1000,
		BaseMinRowsetNum:               5,
		BaseMinDataRatio:               0.3,
		TimeSeriesGoalSizeBytes:        1024 * 1024 * 1024,
		TimeSeriesFileCountThreshold:   2000,
		TimeSeriesTimeThresholdSeconds: 3600,
		TimeSeriesLevelThreshold:       1,
		TimeSeriesEmptyRowsetThreshold: 5,
	}
}

// withDefaults fills zero fields from DefaultPolicyTunables.
func (pt PolicyTunables) withDefaults() PolicyTunables {
	def := DefaultPolicyTunables()
	if pt.PromotionSizeBytes <= 0 {
		pt.PromotionSizeBytes = def.PromotionSizeBytes
	}
	if pt.PromotionRatio <= 0 {
		pt.PromotionRatio = def.PromotionRatio
	}
	if pt.PromotionMinSizeBytes <= 0 {
		pt.PromotionMinSizeBytes = def.PromotionMinSizeBytes
	}
	if pt.CompactionLowerSizeBytes <= 0 {
		pt.CompactionLowerSizeBytes = def.CompactionLowerSizeBytes
	}
	if pt.MinSingletonDeltas <= 0 {
		pt.MinSingletonDeltas = def.MinSingletonDeltas
	}
	if pt.MaxSingletonDeltas <= 0 {
		pt.MaxSingletonDeltas = def.MaxSingletonDeltas
	}
	if pt.BaseMinRowsetNum <= 0 {
		pt.BaseMinRowsetNum = def.BaseMinRowsetNum
	}
	if pt.BaseMinDataRatio <= 0 {
		pt.BaseMinDataRatio = def.BaseMinDataRatio
	}
	if pt.TimeSeriesGoalSizeBytes <= 0 {
		pt.TimeSeriesGoalSizeBytes = def.TimeSeriesGoalSizeBytes
	}
	if pt.TimeSeriesFileCountThreshold <= 0 {
		pt.TimeSeriesFileCountThreshold = def.TimeSeriesFileCountThreshold
	}
	if pt.TimeSeriesTimeThresholdSeconds <= 0 {
		pt.TimeSeriesTimeThresholdSeconds = def.TimeSeriesTimeThresholdSeconds
	}
	if pt.TimeSeriesLevelThreshold <= 0 {
		pt.TimeSeriesLevelThreshold = def.TimeSeriesLevelThreshold
	}
	if pt.TimeSeriesEmptyRowsetThreshold <= 0 {
		pt.TimeSeriesEmptyRowsetThreshold = def.TimeSeriesEmptyRowsetThreshold
	}
	return pt
}

// NewCumulativePolicy resolves a policy name from tablet meta or config. An
// unknown name falls back to size_based with a warning rather than failing
// the tablet.
func NewCumulativePolicy(name string, tunables PolicyTunables, clock core.Clock, logger *slog.Logger) CumulativeCompactionPolicy {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tunables = tunables.withDefaults()
	switch name {
	case PolicyTimeSeries:
		return &TimeSeriesPolicy{tunables: tunables, clock: clock, logger: logger}
	case PolicySizeBased, "":
		return &SizeBasedPolicy{tunables: tunables, logger: logger}
	default:
		logger.Warn("unknown cumulative compaction policy, falling back to size_based", "policy", name)
		return &SizeBasedPolicy{tunables: tunables, logger: logger}
	}
}

package compaction

import (
	"log/slog"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// SizeBasedPolicy is the default cumulative policy: it waits for enough
// small deltas (or enough bytes) to accumulate, merges them in one pass and
// promotes the cumulative point once outputs grow past a fraction of the
// base data.
type SizeBasedPolicy struct {
	tunables PolicyTunables
	logger   *slog.Logger
}

var _ CumulativeCompactionPolicy = (*SizeBasedPolicy)(nil)

func (p *SizeBasedPolicy) Name() string { return PolicySizeBased }

// PickInputRowsets takes the oldest consecutive candidates until either the
// delta-count or accumulated-size trigger fires, capped at
// MaxSingletonDeltas rowsets.
func (p *SizeBasedPolicy) PickInputRowsets(t *tablet.Tablet, candidates []*rowset.Rowset) ([]*rowset.Rowset, error) {
	if len(candidates) < 2 {
		return nil, core.ErrNoSuitableVersion
	}

	var totalSize int64
	picked := make([]*rowset.Rowset, 0, len(candidates))
	for _, rs := range candidates {
		picked = append(picked, rs)
		totalSize += rs.DataSize()
		if len(picked) >= p.tunables.MaxSingletonDeltas {
			break
		}
	}
	if len(picked) < 2 {
		return nil, core.ErrNoSuitableVersion
	}
	if len(picked) < p.tunables.MinSingletonDeltas && totalSize < p.tunables.CompactionLowerSizeBytes {
		return nil, core.ErrNoSuitableVersion
	}
	return picked, nil
}

// UpdateCumulativePoint advances the point past the output once the output
// is either empty or at least the promotion threshold:
// clamp(baseSize*PromotionRatio, PromotionMinSizeBytes, PromotionSizeBytes).
// Smaller outputs stay in cumulative scope so later passes keep folding them.
func (p *SizeBasedPolicy) UpdateCumulativePoint(t *tablet.Tablet, output *rowset.Rowset) error {
	if output.Empty() {
		return t.AdvanceCumulativePoint(output.Version().Last + 1)
	}

	baseRowsets := t.CandidateRowsets(core.CompactionBase)
	var baseSize int64
	for _, rs := range baseRowsets {
		baseSize += rs.DataSize()
	}
	tablet.UnrefAll(baseRowsets)

	threshold := int64(float64(baseSize) * p.tunables.PromotionRatio)
	if threshold < p.tunables.PromotionMinSizeBytes {
		threshold = p.tunables.PromotionMinSizeBytes
	}
	if threshold > p.tunables.PromotionSizeBytes {
		threshold = p.tunables.PromotionSizeBytes
	}

	if output.DataSize() < threshold {
		p.logger.Debug("cumulative output below promotion threshold",
			"tablet_id", uint64(t.ID()),
			"output_size", output.DataSize(),
			"threshold", threshold)
		return nil
	}
	return t.AdvanceCumulativePoint(output.Version().Last + 1)
}

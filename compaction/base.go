package compaction

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// BaseCompaction merges the base rowset with the singleton deltas below the
// cumulative point into a new level-0 base. It runs when enough deltas have
// accumulated, or when their combined size is large relative to the base.
type BaseCompaction struct {
	task
}

var _ Task = (*BaseCompaction)(nil)

// NewBaseCompaction builds a base compaction task for the tablet in
// p.Tablet.
func NewBaseCompaction(p TaskParams) (*BaseCompaction, error) {
	t, err := newTask(core.CompactionBase, p)
	if err != nil {
		return nil, err
	}
	return &BaseCompaction{task: t}, nil
}

// Prepare locks the base lane and picks every rowset below the cumulative
// point. Fewer than two candidates, or candidates that do not meet the
// delta-count or data-ratio trigger, end the task benignly.
func (c *BaseCompaction) Prepare(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	candidates := c.tab.CandidateRowsets(core.CompactionBase)
	if len(candidates) < 2 {
		tablet.UnrefAll(candidates)
		return fmt.Errorf("base compaction needs a base and at least one delta: %w", core.ErrNoSuitableVersion)
	}
	if err := c.shouldCompact(candidates); err != nil {
		tablet.UnrefAll(candidates)
		return err
	}
	c.captureInputs(candidates)
	c.logger.Debug("base compaction prepared",
		"inputs", len(candidates),
		"version", c.inputVersion.String())
	return nil
}

// shouldCompact applies the base triggers. candidates[0] is the current
// base; the rest are the singleton deltas below the cumulative point.
func (c *BaseCompaction) shouldCompact(candidates []*rowset.Rowset) error {
	deltas := candidates[1:]
	if len(deltas) >= c.tunables.BaseMinRowsetNum {
		return nil
	}
	baseSize := candidates[0].DataSize()
	var deltaSize int64
	for _, rs := range deltas {
		deltaSize += rs.DataSize()
	}
	if baseSize == 0 {
		// An empty base is absorbed as soon as any delta exists.
		return nil
	}
	if ratio := float64(deltaSize) / float64(baseSize); ratio >= c.tunables.BaseMinDataRatio {
		return nil
	}
	return fmt.Errorf("base compaction below trigger, %d deltas and %d/%d bytes: %w",
		len(deltas), deltaSize, baseSize, core.ErrNoSuitableVersion)
}

// Execute merges the candidates and installs the new base.
func (c *BaseCompaction) Execute(ctx context.Context) error {
	return c.mergeAndReplace(ctx)
}

// Run drives the task end to end.
func (c *BaseCompaction) Run(ctx context.Context) error {
	return c.runSteps(ctx, c.Prepare, c.Execute)
}

package compaction

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/tablet"
)

// FullCompaction rewrites the tablet's entire version chain into a single
// rowset. It is triggered manually, takes both compaction lanes, and waits
// for in-flight base or cumulative work instead of skipping.
type FullCompaction struct {
	task
}

var _ Task = (*FullCompaction)(nil)

// NewFullCompaction builds a full compaction task.
func NewFullCompaction(p TaskParams) (*FullCompaction, error) {
	t, err := newTask(core.CompactionFull, p)
	if err != nil {
		return nil, err
	}
	return &FullCompaction{task: t}, nil
}

// Prepare blocks until both lanes are held, then snapshots the whole chain.
// A chain of fewer than two rowsets has nothing to rewrite.
func (c *FullCompaction) Prepare(ctx context.Context) error {
	c.acquireBlocking()
	candidates := c.tab.CandidateRowsets(core.CompactionFull)
	if len(candidates) < 2 {
		tablet.UnrefAll(candidates)
		return fmt.Errorf("full compaction needs at least two rowsets: %w", core.ErrNoSuitableVersion)
	}
	c.captureInputs(candidates)
	c.logger.Debug("full compaction prepared",
		"inputs", len(candidates),
		"version", c.inputVersion.String())
	return nil
}

// Execute merges the whole chain and moves the cumulative point past the
// output, since nothing below it remains to cumulate.
func (c *FullCompaction) Execute(ctx context.Context) error {
	if err := c.mergeAndReplace(ctx); err != nil {
		return err
	}
	if err := c.tab.AdvanceCumulativePoint(c.output.Version().Last + 1); err != nil {
		return fmt.Errorf("failed to advance cumulative point past %s: %w", c.output.Version(), err)
	}
	return nil
}

// Run drives the task end to end.
func (c *FullCompaction) Run(ctx context.Context) error {
	return c.runSteps(ctx, c.Prepare, c.Execute)
}

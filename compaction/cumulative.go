package compaction

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// CumulativeCompaction merges a run of recent rowsets at or above the
// cumulative point, as chosen by the tablet's cumulative policy, and then
// lets the policy advance the point past the output.
type CumulativeCompaction struct {
	task
	policy CumulativeCompactionPolicy
}

var _ Task = (*CumulativeCompaction)(nil)

// NewCumulativeCompaction builds a cumulative compaction task. A policy is
// required; the engine caches one per tablet.
func NewCumulativeCompaction(p TaskParams) (*CumulativeCompaction, error) {
	t, err := newTask(core.CompactionCumulative, p)
	if err != nil {
		return nil, err
	}
	if p.Policy == nil {
		return nil, fmt.Errorf("compaction: cumulative task requires a policy")
	}
	return &CumulativeCompaction{task: t, policy: p.Policy}, nil
}

// Prepare locks the cumulative lane, initializes the cumulative point if the
// tablet has never run one, and asks the policy for an input run.
func (c *CumulativeCompaction) Prepare(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	c.tab.EnsureCumulativePoint()
	candidates := c.tab.CandidateRowsets(core.CompactionCumulative)
	picked, err := c.policy.PickInputRowsets(c.tab, candidates)
	if err != nil {
		tablet.UnrefAll(candidates)
		return err
	}
	releaseUnpicked(candidates, picked)
	c.captureInputs(picked)
	c.logger.Debug("cumulative compaction prepared",
		"candidates", len(candidates),
		"inputs", len(picked),
		"version", c.inputVersion.String())
	return nil
}

// Execute merges the picked run, installs the output, and advances the
// cumulative point per policy.
func (c *CumulativeCompaction) Execute(ctx context.Context) error {
	if err := c.mergeAndReplace(ctx); err != nil {
		return err
	}
	if err := c.policy.UpdateCumulativePoint(c.tab, c.output); err != nil {
		return fmt.Errorf("failed to advance cumulative point past %s: %w", c.output.Version(), err)
	}
	return nil
}

// Run drives the task end to end.
func (c *CumulativeCompaction) Run(ctx context.Context) error {
	return c.runSteps(ctx, c.Prepare, c.Execute)
}

// releaseUnpicked unrefs every candidate the policy left out.
func releaseUnpicked(candidates, picked []*rowset.Rowset) {
	if len(picked) == 0 {
		tablet.UnrefAll(candidates)
		return
	}
	inPicked := make(map[core.RowsetID]struct{}, len(picked))
	for _, rs := range picked {
		inPicked[rs.ID()] = struct{}{}
	}
	for _, rs := range candidates {
		if _, ok := inPicked[rs.ID()]; !ok {
			rs.Unref()
		}
	}
}

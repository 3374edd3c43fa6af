package compaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// SingleReplicaCompaction converges the tablet with a replica peer instead
// of merging locally: it fetches a rowset the peer has already compacted and
// swaps it in for the matching run of local rowsets. Only the peer pays the
// merge cost.
type SingleReplicaCompaction struct {
	task
	policy CumulativeCompactionPolicy
	peers  PeerClient
}

var _ Task = (*SingleReplicaCompaction)(nil)

// NewSingleReplicaCompaction builds a single-replica convergence task.
func NewSingleReplicaCompaction(p TaskParams) (*SingleReplicaCompaction, error) {
	t, err := newTask(core.CompactionSingleReplica, p)
	if err != nil {
		return nil, err
	}
	if p.Policy == nil {
		return nil, fmt.Errorf("compaction: single-replica task requires a policy")
	}
	if p.PeerClient == nil {
		return nil, fmt.Errorf("compaction: single-replica task requires a peer client")
	}
	return &SingleReplicaCompaction{task: t, policy: p.Policy, peers: p.PeerClient}, nil
}

// Prepare rejects tablets without configured peers, then takes the
// cumulative lane and snapshots the rowsets above the cumulative point.
func (c *SingleReplicaCompaction) Prepare(ctx context.Context) error {
	if !c.tab.HasReplicaPeers() {
		return fmt.Errorf("tablet %d has no replica peers configured: %w", c.tab.ID(), core.ErrNotSupported)
	}
	if err := c.acquire(); err != nil {
		return err
	}
	c.tab.EnsureCumulativePoint()
	candidates := c.tab.CandidateRowsets(core.CompactionSingleReplica)
	if len(candidates) < 2 {
		tablet.UnrefAll(candidates)
		return fmt.Errorf("single-replica compaction needs at least two rowsets above the cumulative point: %w",
			core.ErrNoSuitableVersion)
	}
	c.captureInputs(candidates)
	c.logger.Debug("single-replica compaction prepared",
		"inputs", len(candidates),
		"version", c.inputVersion.String(),
		"peers", len(c.tab.ReplicaPeers()))
	return nil
}

// Execute asks each peer in turn for a compacted rowset starting at the
// input span, installs the first one that aligns with the local chain and
// advances the cumulative point past it.
func (c *SingleReplicaCompaction) Execute(ctx context.Context) error {
	fetched, err := c.fetchFromAnyPeer(ctx)
	if err != nil {
		return err
	}

	prefix, err := c.alignToInputs(fetched)
	if err != nil {
		fetched.MarkSuperseded()
		fetched.Unref()
		return err
	}
	inputIDs := make([]core.RowsetID, len(prefix))
	for i, rs := range prefix {
		inputIDs[i] = rs.ID()
	}
	if err := c.tab.ReplaceVersions(inputIDs, fetched); err != nil {
		fetched.MarkSuperseded()
		fetched.Unref()
		return fmt.Errorf("failed to install peer rowset %s: %w", fetched.Version(), err)
	}
	c.output = fetched

	if err := c.policy.UpdateCumulativePoint(c.tab, fetched); err != nil {
		return fmt.Errorf("failed to advance cumulative point past %s: %w", fetched.Version(), err)
	}
	return nil
}

// fetchFromAnyPeer tries the configured peers in order. Peers without
// coverage are skipped; if every peer fails, the last error wins, preferring
// a fatal one over no-coverage so real faults are not masked.
func (c *SingleReplicaCompaction) fetchFromAnyPeer(ctx context.Context) (*rowset.Rowset, error) {
	var lastErr error
	for _, peer := range c.tab.ReplicaPeers() {
		fetched, err := c.peers.FetchCompactedRowset(ctx, peer, c.tab.ID(), c.inputVersion)
		if err == nil {
			return fetched, nil
		}
		if errors.Is(err, core.ErrNoSuitableVersion) {
			c.logger.Debug("peer has no compacted rowset for span",
				"peer", peer, "version", c.inputVersion.String())
			if lastErr == nil {
				lastErr = err
			}
			continue
		}
		c.logger.Warn("peer fetch failed", "peer", peer, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("no peer could serve span %s: %w", c.inputVersion, lastErr)
}

// alignToInputs finds the run of local inputs the fetched rowset replaces.
// The fetched version must end exactly on a local rowset boundary; anything
// else means the chains diverged.
func (c *SingleReplicaCompaction) alignToInputs(fetched *rowset.Rowset) ([]*rowset.Rowset, error) {
	want := fetched.Version()
	for i, rs := range c.inputs {
		if rs.Version().Last == want.Last {
			return c.inputs[:i+1], nil
		}
		if rs.Version().Last > want.Last {
			break
		}
	}
	return nil, fmt.Errorf("peer rowset %s does not end on a local rowset boundary: %w",
		want, core.ErrVersionConflict)
}

// Run drives the task end to end.
func (c *SingleReplicaCompaction) Run(ctx context.Context) error {
	return c.runSteps(ctx, c.Prepare, c.Execute)
}

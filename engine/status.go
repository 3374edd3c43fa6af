package engine

import (
	"sync"

	"github.com/caio/go-tdigest/v4"

	"github.com/INLOpen/nexuslake/core"
)

// KindLatency summarizes the durations of succeeded tasks of one kind.
type KindLatency struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// RunningTask describes one in-flight compaction in the overall status.
type RunningTask struct {
	ID           string        `json:"id"`
	TabletID     core.TabletID `json:"tablet_id"`
	Kind         string        `json:"kind"`
	State        string        `json:"state"`
	RunningForMs int64         `json:"running_for_ms"`
}

// OverallStatus is the engine-wide compaction summary served when a status
// query names no tablet.
type OverallStatus struct {
	Started       bool                   `json:"started"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Tablets       int                    `json:"tablets"`
	Running       []RunningTask          `json:"running"`
	Latency       map[string]KindLatency `json:"latency"`
}

// latencyDigests keeps one t-digest of merge durations per compaction kind.
// Digests are not safe for concurrent use, so observations serialize on one
// mutex; compactions finish rarely enough that contention does not matter.
type latencyDigests struct {
	mu     sync.Mutex
	byKind map[core.CompactionKind]*tdigest.TDigest
}

func newLatencyDigests() *latencyDigests {
	return &latencyDigests{byKind: make(map[core.CompactionKind]*tdigest.TDigest)}
}

// observe records one task duration in milliseconds.
func (l *latencyDigests) observe(kind core.CompactionKind, millis float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	td, ok := l.byKind[kind]
	if !ok {
		var err error
		td, err = tdigest.New()
		if err != nil {
			return
		}
		l.byKind[kind] = td
	}
	// Weight 1 and a finite value cannot fail.
	_ = td.AddWeighted(millis, 1)
}

// snapshot renders the per-kind quantiles for the status payload.
func (l *latencyDigests) snapshot() map[string]KindLatency {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]KindLatency, len(l.byKind))
	for kind, td := range l.byKind {
		if td.Count() == 0 {
			continue
		}
		out[kind.String()] = KindLatency{
			Count: int64(td.Count()),
			P50Ms: td.Quantile(0.50),
			P95Ms: td.Quantile(0.95),
			P99Ms: td.Quantile(0.99),
		}
	}
	return out
}

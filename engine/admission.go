package engine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/core"
)

// vmStatFunc matches mem.VirtualMemory. Tests substitute fixed readings.
type vmStatFunc func() (*mem.VirtualMemoryStat, error)

// MemoryAdmissionGuard refuses merge admission while projected memory use is
// above a configured share of physical memory. Denials are
// core.ErrMemoryLimitExceeded, which tasks end as a benign skip; the merge is
// simply retried on a later cycle.
type MemoryAdmissionGuard struct {
	limitRatio float64
	vmStat     vmStatFunc
	logger     *slog.Logger
}

var _ compaction.AdmissionGuard = (*MemoryAdmissionGuard)(nil)

// NewMemoryAdmissionGuard builds a guard denying merges above limitRatio of
// physical memory. A ratio <= 0 disables the guard; a ratio above 1.0 is
// clamped with a warning.
func NewMemoryAdmissionGuard(limitRatio float64, logger *slog.Logger) *MemoryAdmissionGuard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if limitRatio > 1.0 {
		logger.Warn("memory limit ratio above 1.0, clamping", "ratio", limitRatio)
		limitRatio = 1.0
	}
	return &MemoryAdmissionGuard{
		limitRatio: limitRatio,
		vmStat:     mem.VirtualMemory,
		logger:     logger.With("component", "admission"),
	}
}

// AdmitMerge implements compaction.AdmissionGuard. The probe fails open: an
// unreadable memory stat admits the merge rather than stalling compaction.
func (g *MemoryAdmissionGuard) AdmitMerge(estimatedBytes int64) error {
	if g.limitRatio <= 0 {
		return nil
	}
	stat, err := g.vmStat()
	if err != nil {
		g.logger.Warn("could not read memory stats, admitting merge", "error", err)
		return nil
	}
	if stat.Total == 0 {
		return nil
	}
	projected := (float64(stat.Used) + float64(estimatedBytes)) / float64(stat.Total)
	if projected > g.limitRatio {
		return fmt.Errorf("%w: projected %.1f%% of %d bytes, limit %.0f%%",
			core.ErrMemoryLimitExceeded, projected*100, stat.Total, g.limitRatio*100)
	}
	return nil
}

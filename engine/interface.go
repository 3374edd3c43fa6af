package engine

import (
	"time"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/hooks"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// CompactionEngineInterface defines the public API for the compaction engine.
// This allows for different implementations (e.g., community vs. enterprise).
type CompactionEngineInterface interface {
	// Tablet administration
	CreateTablet(tabletID core.TabletID, tableID core.TableID, policy string, peers []string) (*tablet.Tablet, error)
	DropTablet(tabletID core.TabletID) error
	Manager() *tablet.Manager

	// Compaction control plane
	SubmitCompactionTask(tabletID core.TabletID, kind core.CompactionKind, fetchFromRemote bool) (*TaskHandle, error)
	SubmitTableCompaction(tableID core.TableID, kind core.CompactionKind) ([]*TaskHandle, error)
	TriggerCompactionCheck()

	// Status probes. These never block on tablet locks.
	TabletStatus(tabletID core.TabletID) (tablet.CompactionStatus, error)
	RunningKind(tabletID core.TabletID) (core.CompactionKind, bool, error)
	OverallCompactionStatus() OverallStatus

	// Replica serving
	PeerRowset(tabletID core.TabletID, first, last int64) (*rowset.Rowset, error)

	ManualWaitTimeout() time.Duration

	Start() error
	Close() error
	CheckStarted() error

	// Introspection & Utilities
	GetHookManager() hooks.HookManager
}

var _ CompactionEngineInterface = (*Engine)(nil)

package tablet

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/segment"
)

// Manager is the tablet registry. It loads tablets from the data directory
// at startup, hands out rowset IDs and owns create/drop.
type Manager struct {
	store   *segment.Store
	remover core.FileRemover
	clock   core.Clock
	logger  *slog.Logger

	mu      sync.RWMutex
	tablets map[core.TabletID]*Tablet

	// lastRowsetID is the highest rowset ID ever observed or issued.
	lastRowsetID atomic.Uint64
}

// NewManager wraps the given segment store. Call LoadTablets before serving.
// remover is handed to every rebuilt rowset for its eventual file deletion;
// nil means the store itself.
func NewManager(store *segment.Store, remover core.FileRemover, clock core.Clock, logger *slog.Logger) *Manager {
	if remover == nil {
		remover = store
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:   store,
		remover: remover,
		clock:   clock,
		logger:  logger.With("component", "tablet-manager"),
		tablets: make(map[core.TabletID]*Tablet),
	}
}

// NextRowsetID issues a fresh, monotonically increasing rowset ID.
func (m *Manager) NextRowsetID() core.RowsetID {
	return core.RowsetID(m.lastRowsetID.Add(1))
}

func (m *Manager) observeRowsetID(id core.RowsetID) {
	for {
		cur := m.lastRowsetID.Load()
		if uint64(id) <= cur || m.lastRowsetID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// LoadTablets scans the data directory for tablet manifests and rebuilds
// every tablet's version chain. Leftover temporary segment files are removed
// along the way.
func (m *Manager) LoadTablets() error {
	entries, err := os.ReadDir(m.store.DataDir())
	if err != nil {
		return fmt.Errorf("tablet: failed to read data directory %s: %w", m.store.DataDir(), err)
	}

	var loaded int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "tablet_") {
			continue
		}
		idStr := strings.TrimPrefix(entry.Name(), "tablet_")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			m.logger.Warn("skipping directory with unparsable tablet id", "dir", entry.Name())
			continue
		}
		tabletID := core.TabletID(id)

		t, err := m.loadTablet(tabletID)
		if err != nil {
			m.logger.Error("failed to load tablet", "tablet_id", id, "error", err)
			continue
		}
		m.mu.Lock()
		m.tablets[tabletID] = t
		m.mu.Unlock()
		loaded++
	}
	m.logger.Info("loaded tablets from data directory", "count", loaded)
	return nil
}

func (m *Manager) loadTablet(tabletID core.TabletID) (*Tablet, error) {
	metaPath := filepath.Join(m.store.TabletDir(tabletID), MetaFileName)
	meta, err := LoadTabletMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.TabletID != tabletID {
		return nil, fmt.Errorf("manifest tablet id %d does not match directory %d", meta.TabletID, tabletID)
	}
	if err := m.store.CleanupTempFiles(tabletID); err != nil {
		m.logger.Warn("failed to clean temporary segment files", "tablet_id", uint64(tabletID), "error", err)
	}

	t := NewTablet(meta, metaPath, m.clock, m.logger)
	rowsets := make([]*rowset.Rowset, 0, len(meta.Rowsets))
	for _, rec := range meta.Rowsets {
		rs, err := m.rebuildRowset(tabletID, rec)
		if err != nil {
			return nil, err
		}
		rowsets = append(rowsets, rs)
		m.observeRowsetID(rec.Meta.ID)
	}
	if err := t.RestoreRowsets(rowsets); err != nil {
		return nil, err
	}
	t.EnsureCumulativePoint()
	return t, nil
}

func (m *Manager) rebuildRowset(tabletID core.TabletID, rec rowsetRecord) (*rowset.Rowset, error) {
	paths := make([]string, 0, rec.Meta.NumSegments)
	for i := 0; i < rec.Meta.NumSegments; i++ {
		path := m.store.SegmentPath(tabletID, rec.Meta.ID, i)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("rowset %d is missing segment file %s: %w", rec.Meta.ID, path, err)
		}
		paths = append(paths, path)
	}
	rs := rowset.NewRowset(rec.Meta, paths, m.remover, m.logger)
	if len(rec.DeleteBitmap) > 0 {
		bm := roaring64.New()
		if _, err := bm.ReadFrom(bytes.NewReader(rec.DeleteBitmap)); err != nil {
			return nil, fmt.Errorf("rowset %d has an unreadable delete bitmap: %w", rec.Meta.ID, err)
		}
		rs.MergeDeleteBitmap(bm)
	}
	return rs, nil
}

// CreateTablet registers a new, empty tablet and persists its manifest.
func (m *Manager) CreateTablet(tabletID core.TabletID, tableID core.TableID, policy string, peers []string) (*Tablet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tablets[tabletID]; exists {
		return nil, fmt.Errorf("tablet %d already exists", tabletID)
	}

	meta := &TabletMeta{
		TabletID:         tabletID,
		TableID:          tableID,
		CompactionPolicy: policy,
		ReplicaPeers:     peers,
		CreationTime:     m.clock.Now().Unix(),
	}
	metaPath := filepath.Join(m.store.TabletDir(tabletID), MetaFileName)
	if err := SaveTabletMeta(metaPath, meta); err != nil {
		return nil, err
	}

	t := NewTablet(meta, metaPath, m.clock, m.logger)
	m.tablets[tabletID] = t
	m.logger.Info("created tablet", "tablet_id", uint64(tabletID), "table_id", uint64(tableID), "policy", policy)
	return t, nil
}

// GetTablet looks a tablet up by ID.
func (m *Manager) GetTablet(id core.TabletID) (*Tablet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tablets[id]
	return t, ok
}

// GetAllTablets returns the tablets matching the filter, or all of them when
// the filter is nil.
func (m *Manager) GetAllTablets(filter func(*Tablet) bool) []*Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tablet, 0, len(m.tablets))
	for _, t := range m.tablets {
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	return out
}

// TabletsForTable returns every tablet belonging to the given table.
func (m *Manager) TabletsForTable(tableID core.TableID) []*Tablet {
	return m.GetAllTablets(func(t *Tablet) bool { return t.TableID() == tableID })
}

// TabletCount returns the number of registered tablets.
func (m *Manager) TabletCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tablets)
}

// DropTablet deregisters a tablet and deletes its directory.
func (m *Manager) DropTablet(id core.TabletID) error {
	m.mu.Lock()
	t, ok := m.tablets[id]
	if ok {
		delete(m.tablets, id)
	}
	m.mu.Unlock()
	if !ok {
		return core.ErrTabletNotFound
	}
	if err := m.store.RemoveTabletDir(id); err != nil {
		return fmt.Errorf("tablet: failed to remove directory of tablet %d: %w", id, err)
	}
	m.logger.Info("dropped tablet", "tablet_id", uint64(id), "table_id", uint64(t.TableID()))
	return nil
}

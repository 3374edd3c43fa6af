package segment

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/nexuslake/core"
)

// Store maps tablets and rowsets to files under the data directory and hands
// out writers for new segments. It also implements core.FileRemover so that
// rowsets can delete their files through it.
//
// Layout: <dataDir>/tablet_<id>/<rowsetID>_<segmentIndex>.dat
type Store struct {
	dataDir string
	logger  *slog.Logger
}

var _ core.FileRemover = (*Store)(nil)

// NewStore creates the data directory if needed.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create data directory %s: %w", dataDir, err)
	}
	return &Store{
		dataDir: dataDir,
		logger:  logger.With("component", "segment-store"),
	}, nil
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string { return s.dataDir }

// TabletDir returns the directory holding all files of one tablet.
func (s *Store) TabletDir(id core.TabletID) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("tablet_%d", id))
}

// SegmentPath returns the file path for one segment of a rowset.
func (s *Store) SegmentPath(tabletID core.TabletID, rowsetID core.RowsetID, segmentIndex int) string {
	return filepath.Join(s.TabletDir(tabletID), fmt.Sprintf("%d_%d%s", rowsetID, segmentIndex, FileSuffix))
}

// NewWriter opens a writer for the given segment slot.
func (s *Store) NewWriter(tabletID core.TabletID, rowsetID core.RowsetID, segmentIndex int, compressor core.Compressor, blockSize int) (*Writer, error) {
	return NewWriter(WriterOptions{
		Path:       s.SegmentPath(tabletID, rowsetID, segmentIndex),
		Compressor: compressor,
		BlockSize:  blockSize,
		Logger:     s.logger,
	})
}

// CreateRawSegment copies length bytes of an already encoded segment file
// from r into the given segment slot. Used when fetching compacted segments
// from a replica peer. The file is staged with a temporary suffix and
// renamed once fully written.
func (s *Store) CreateRawSegment(tabletID core.TabletID, rowsetID core.RowsetID, segmentIndex int, r io.Reader, length int64) (string, error) {
	finalPath := s.SegmentPath(tabletID, rowsetID, segmentIndex)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", fmt.Errorf("segment: failed to create tablet directory: %w", err)
	}
	tmpPath := finalPath + TempFileSuffix
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("segment: failed to create temporary file %s: %w", tmpPath, err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(tmpPath)
	}
	if _, err := io.CopyN(f, r, length); err != nil {
		cleanup()
		return "", fmt.Errorf("segment: failed to copy segment data: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("segment: failed to sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: failed to rename %s: %w", tmpPath, err)
	}
	return finalPath, nil
}

// Remove deletes one segment file. Part of core.FileRemover.
func (s *Store) Remove(name string) error {
	return os.Remove(name)
}

// CleanupTempFiles removes leftover temporary segment files under a tablet
// directory. Called on startup; in-flight writers never exist at that point.
func (s *Store) CleanupTempFiles(tabletID core.TabletID) error {
	dir := s.TabletDir(tabletID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("segment: failed to read tablet directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), TempFileSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove leftover temporary segment file", "path", path, "error", err)
			continue
		}
		s.logger.Info("removed leftover temporary segment file", "path", path)
	}
	return nil
}

// RemoveTabletDir deletes the whole directory of a dropped tablet.
func (s *Store) RemoveTabletDir(tabletID core.TabletID) error {
	return os.RemoveAll(s.TabletDir(tabletID))
}

package tablet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
)

// MetaFileName is the manifest file inside each tablet directory.
const MetaFileName = "tablet_meta.bin"

// rowsetRecord is the persisted form of one rowset: its meta plus the
// serialized delete bitmap (roaring64 bytes, base64 in JSON).
type rowsetRecord struct {
	Meta         rowset.RowsetMeta `json:"meta"`
	DeleteBitmap []byte            `json:"delete_bitmap,omitempty"`
}

// TabletMeta is the durable state of one tablet. The version chain itself is
// reconstructed from the rowset records on load.
type TabletMeta struct {
	TabletID         core.TabletID  `json:"tablet_id"`
	TableID          core.TableID   `json:"table_id"`
	CompactionPolicy string         `json:"compaction_policy"`
	ReplicaPeers     []string       `json:"replica_peers,omitempty"`
	CreationTime     int64          `json:"creation_time"`
	CumulativePoint  int64          `json:"cumulative_point"`
	Rowsets          []rowsetRecord `json:"rowsets"`
}

// SaveTabletMeta writes the manifest with a framed header and checksum, then
// renames it into place so readers never see a torn file.
//
// Layout: core.FileHeader (magic "NLTM") | uint32 payload length |
// JSON payload | uint64 xxhash64 of the payload.
func SaveTabletMeta(path string, meta *TabletMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("tablet: failed to marshal meta for tablet %d: %w", meta.TabletID, err)
	}

	var buf bytes.Buffer
	header := core.NewFileHeader(core.TabletMetaMagic, core.CompressionNone)
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("tablet: failed to write meta header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("tablet: failed to write meta length: %w", err)
	}
	buf.Write(payload)
	if err := binary.Write(&buf, binary.LittleEndian, xxhash.Sum64(payload)); err != nil {
		return fmt.Errorf("tablet: failed to write meta checksum: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("tablet: failed to create meta directory: %w", err)
	}
	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("tablet: failed to create %s: %w", tempPath, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("tablet: failed to write %s: %w", tempPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("tablet: failed to sync %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("tablet: failed to close %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("tablet: failed to rename meta into place: %w", err)
	}
	return nil
}

// LoadTabletMeta reads and verifies a manifest written by SaveTabletMeta.
func LoadTabletMeta(path string) (*TabletMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var header core.FileHeader
	headerSize := header.Size()
	if len(data) < headerSize+4+8 {
		return nil, fmt.Errorf("tablet: meta file %s is truncated", path)
	}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("tablet: failed to read meta header of %s: %w", path, err)
	}
	if header.Magic != core.TabletMetaMagic {
		return nil, fmt.Errorf("tablet: meta file %s has bad magic 0x%08x", path, header.Magic)
	}
	if header.Version > core.FormatVersion {
		return nil, fmt.Errorf("tablet: meta file %s has unsupported format version %d", path, header.Version)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("tablet: failed to read meta length of %s: %w", path, err)
	}
	start := headerSize + 4
	if len(data) < start+int(payloadLen)+8 {
		return nil, fmt.Errorf("tablet: meta file %s is truncated", path)
	}
	payload := data[start : start+int(payloadLen)]
	sum := binary.LittleEndian.Uint64(data[start+int(payloadLen):])
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("tablet: meta file %s failed checksum verification", path)
	}

	var meta TabletMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("tablet: failed to unmarshal meta of %s: %w", path, err)
	}
	return &meta, nil
}

package tablet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
)

func TestTabletMeta_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFileName)

	meta := &TabletMeta{
		TabletID:         42,
		TableID:          7,
		CompactionPolicy: "time_series",
		ReplicaPeers:     []string{"http://peer-1:8080"},
		CreationTime:     1700000000,
		CumulativePoint:  9,
		Rowsets: []rowsetRecord{
			{Meta: rowset.RowsetMeta{ID: 1, TabletID: 42, Version: core.NewVersion(0, 8), NumRows: 100, NumSegments: 2, DataSize: 4096}},
			{Meta: rowset.RowsetMeta{ID: 2, TabletID: 42, Version: core.NewVersion(9, 9), NumRows: 10, NumSegments: 1, DataSize: 512, CompactionLevel: 1}},
		},
	}
	require.NoError(t, SaveTabletMeta(path, meta))

	loaded, err := LoadTabletMeta(path)
	require.NoError(t, err)
	assert.Equal(t, meta, loaded)
}

func TestTabletMeta_DetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFileName)
	require.NoError(t, SaveTabletMeta(path, &TabletMeta{TabletID: 1, TableID: 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var header core.FileHeader
	// Flip a payload byte behind the length prefix.
	data[header.Size()+4+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = LoadTabletMeta(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestTabletMeta_RejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFileName)
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0644))

	_, err := LoadTabletMeta(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")
}

func TestTabletMeta_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFileName)
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))

	_, err := LoadTabletMeta(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

package mxmcc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointNames(t *testing.T) {
	assert.Equal(t, "CHECKPOINT_TILE_VERIFY", CheckpointTileVerify.String())
	assert.Equal(t, CheckpointPublished, ParseCheckpoint("checkpoint_published"))
	assert.Equal(t, CheckpointNotStarted, ParseCheckpoint("CHECKPOINT_BOGUS"))
	assert.True(t, CheckpointCatalog < CheckpointTileVerify)
	assert.True(t, CheckpointEncrypted < CheckpointArchive)
}

func TestCheckpointStoreMonotonic(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenCheckpointStore(dir)
	require.Nil(t, err)
	assert.Equal(t, CheckpointNotStarted, s.Get("region_15", ProfileMXRegion))

	require.Nil(t, s.Clear("region_15", ProfileMXRegion, CheckpointMerge))
	require.Nil(t, s.Clear("region_15", ProfileMXRegion, CheckpointCatalog))
	assert.Equal(t, CheckpointMerge, s.Get("REGION_15", ProfileMXRegion))
	assert.Equal(t, CheckpointNotStarted, s.Get("REGION_15", ProfileMBRegion))

	reopened, err := OpenCheckpointStore(dir)
	require.Nil(t, err)
	assert.Equal(t, CheckpointMerge, reopened.Get("REGION_15", ProfileMXRegion))

	require.Nil(t, reopened.Reset("REGION_15", ProfileMXRegion))
	assert.Equal(t, CheckpointNotStarted, reopened.Get("REGION_15", ProfileMXRegion))
	b, err := os.ReadFile(filepath.Join(dir, CheckpointFileName))
	require.Nil(t, err)
	assert.Empty(t, string(b))
}

func TestCheckpointStoreFileFormat(t *testing.T) {
	dir := t.TempDir()
	content := "REGION_15:::MX_REGION:::CHECKPOINT_OPT\n" +
		"garbage line\n" +
		"REGION_UK1:::MB_CHARTS:::CHECKPOINT_WHAT\n" +
		"A:::B\n"
	require.Nil(t, os.WriteFile(filepath.Join(dir, CheckpointFileName), []byte(content), 0644))

	s, err := OpenCheckpointStore(dir)
	require.Nil(t, err)
	assert.Equal(t, CheckpointOpt, s.Get("REGION_15", ProfileMXRegion))
	assert.Equal(t, CheckpointNotStarted, s.Get("REGION_UK1", ProfileMBCharts))

	require.Nil(t, s.Clear("REGION_UK1", ProfileMBCharts, CheckpointCatalog))
	b, err := os.ReadFile(filepath.Join(dir, CheckpointFileName))
	require.Nil(t, err)
	assert.Equal(t, "REGION_15:::MX_REGION:::CHECKPOINT_OPT\nREGION_UK1:::MB_CHARTS:::CHECKPOINT_CATALOG\n", string(b))
}

package mxmcc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.Nil(t, os.WriteFile(path, []byte("abc"), 0644))
	sum, err := Checksum(path)
	require.Nil(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", sum)
}

func TestTimeStamp(t *testing.T) {
	assert.Equal(t, "TS_2014-05-13_T_16_53", TimeStamp(1400000000))
}

func TestBuildManifest(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir, "REGION_15.gemf"), []byte("gemf"), 0644))
	require.Nil(t, WriteZdat(zaptest.NewLogger(t), zdatCatalog(), ZdatPath(dir, "REGION_15"), ZdatOptions{Epoch: 1400000000}))

	old := &Manifest{ManifestVersion: 1, Regions: map[string]RegionManifest{"REGION_1": {GemfURL: "x"}}}
	m, files, err := BuildManifest(zaptest.NewLogger(t), dir, "https://example.com/charts/", old)
	require.Nil(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "TS_2014-05-13_T_16_53_REGION_15.gemf", files[0].Name)
	assert.Equal(t, "TS_2014-05-13_T_16_53_REGION_15.zdat", files[1].Name)
	assert.NoFileExists(t, filepath.Join(dir, "REGION_15.gemf"))

	rm := m.Regions["REGION_15"]
	assert.Equal(t, "https://example.com/charts/TS_2014-05-13_T_16_53_REGION_15.gemf", rm.GemfURL)
	assert.Equal(t, int64(4), rm.SizeBytes)
	assert.Equal(t, int64(1400000000), rm.Epoch)
	assert.Len(t, rm.GemfChecksum, 40)
	assert.Contains(t, m.Regions, "REGION_1")

	loaded, err := LoadManifest(filepath.Join(dir, ManifestName))
	require.Nil(t, err)
	assert.Equal(t, m, loaded)

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.Nil(t, err)
	var generic map[string]any
	require.Nil(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, float64(1), generic["manifest_version"])
}

func TestLoadManifestMissingAndMerge(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), ManifestName))
	require.Nil(t, err)
	assert.Empty(t, m.Regions)

	m.Merge(&Manifest{Regions: map[string]RegionManifest{"A": {Epoch: 2}}})
	assert.Equal(t, int64(2), m.Regions["A"].Epoch)

	bad := filepath.Join(t.TempDir(), ManifestName)
	require.Nil(t, os.WriteFile(bad, []byte(`{"manifest_version": 2}`), 0644))
	_, err = LoadManifest(bad)
	assert.NotNil(t, err)
}

func TestBuildChartManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "region_15_18445.mbtiles")
	require.Nil(t, os.WriteFile(path, []byte("sqlite"), 0644))
	mtime := time.Unix(1400000000, 0)
	require.Nil(t, os.Chtimes(path, mtime, mtime))

	m, files, err := BuildChartManifest(zaptest.NewLogger(t), dir, "https://example.com")
	require.Nil(t, err)
	require.Len(t, m.Charts, 1)
	assert.Equal(t, "region_15_18445", m.Charts[0].Name)
	assert.Equal(t, "https://example.com/TS_2014-05-13_T_16_53_region_15_18445.mbtiles", m.Charts[0].URL)
	assert.Equal(t, int64(6), m.Charts[0].SizeBytes)
	require.Len(t, files, 1)
	assert.FileExists(t, filepath.Join(dir, ChartManifestName))
}

package mxmcc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/image/tiff"
)

// writeTestChart stores an opaque 512x512 GeoTIFF covering tiles 162..163
// by 356..357 at zoom 10, georeferenced by a world file.
func writeTestChart(t *testing.T, dir, name string) {
	res := GroundResolution(0, 10)
	gt := GeoTransform{162*256*res - originShift, res, 0, originShift - 356*256*res, 0, -res}
	require.Nil(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name+".tif")
	f, err := os.Create(path)
	require.Nil(t, err)
	require.Nil(t, tiff.Encode(f, solidImage(512, 512, red), nil))
	require.Nil(t, f.Close())
	world := fmt.Sprintf("%v\n0\n0\n%v\n%v\n%v\n", gt[1], gt[5], gt[0]+gt[1]/2, gt[3]+gt[5]/2)
	require.Nil(t, os.WriteFile(filepath.Join(dir, name+".tfw"), []byte(world), 0644))
}

func testCompiler(t *testing.T, extra string) (*Compiler, *Metrics, *Config) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "mxmcc.toml")
	body := `root_dir = "` + filepath.ToSlash(root) + `"
workers = 2
fill = true
` + extra + `
[[providers]]
name = "test"
map_type = "geotiff"

[[providers.regions]]
name = "region_t"
description = "Test Region"

[[providers]]
name = "secret"
map_type = "geotiff"
encrypted = true

[[providers.regions]]
name = "region_s"
description = "Encrypted Region"
`
	require.Nil(t, os.WriteFile(path, []byte(body), 0644))
	cfg, err := LoadConfig(path)
	require.Nil(t, err)
	logger := zaptest.NewLogger(t)
	require.Nil(t, cfg.Setup(logger))
	for _, p := range cfg.Providers {
		writeTestChart(t, cfg.ProviderDir(p), "CHART_A")
	}
	metrics := NewMetrics(logger, prometheus.NewRegistry())
	c, err := NewCompiler(logger, cfg, metrics)
	require.Nil(t, err)
	return c, metrics, cfg
}

func stageRuns(m *Metrics, stage Checkpoint) float64 {
	return testutil.ToFloat64(m.stageRuns.WithLabelValues(stage.String(), "ok"))
}

func TestCompileMXRegion(t *testing.T) {
	c, metrics, cfg := testCompiler(t, "")
	dirs := cfg.Dirs()
	ctx := context.Background()

	final, err := c.Compile(ctx, "region_t", ProfileMXRegion)
	require.Nil(t, err)
	assert.Equal(t, CheckpointMetadata, final)
	assert.FileExists(t, filepath.Join(dirs.Compiled, "REGION_T.gemf"))
	assert.FileExists(t, ZdatPath(dirs.Compiled, "REGION_T"))
	assert.FileExists(t, filepath.Join(dirs.Compiled, UpdateZdatName))
	assert.FileExists(t, CatalogPath(dirs.Catalogs, "REGION_T"))
	assert.NoDirExists(t, filepath.Join(dirs.Merged, "REGION_T"))
	assert.NoDirExists(t, filepath.Join(dirs.Unmerged, "REGION_T"))

	g, err := OpenGemf(filepath.Join(dirs.Compiled, "REGION_T.gemf"), false)
	require.Nil(t, err)
	assert.NotEmpty(t, g.Ranges)
	require.Nil(t, g.Close())

	final, err = c.Compile(ctx, "REGION_T", ProfileMXRegion)
	require.Nil(t, err)
	assert.Equal(t, CheckpointMetadata, final)
	for _, stage := range []Checkpoint{CheckpointCatalog, CheckpointTileVerify, CheckpointMerge, CheckpointOpt, CheckpointArchive, CheckpointMetadata} {
		assert.Equal(t, float64(1), stageRuns(metrics, stage), stage.String())
	}
	assert.Equal(t, float64(0), stageRuns(metrics, CheckpointEncrypted))
}

func TestCompilePublishes(t *testing.T) {
	bucket := t.TempDir()
	c, _, cfg := testCompiler(t, `publish_bucket = "file://`+filepath.ToSlash(bucket)+`"
publish_base_url = "https://example.com/charts"`)

	final, err := c.Compile(context.Background(), "region_t", ProfileMXRegion)
	require.Nil(t, err)
	assert.Equal(t, CheckpointPublished, final)
	assert.FileExists(t, filepath.Join(bucket, ManifestName))
	assert.FileExists(t, filepath.Join(bucket, UpdateZdatName))

	m, err := LoadManifest(filepath.Join(cfg.Dirs().Compiled, ManifestName))
	require.Nil(t, err)
	rm, ok := m.Regions["REGION_T"]
	require.True(t, ok)
	assert.FileExists(t, filepath.Join(bucket, filepath.Base(rm.GemfURL)))
	assert.FileExists(t, filepath.Join(bucket, filepath.Base(rm.DataURL)))
}

func TestCompileMBCharts(t *testing.T) {
	c, _, cfg := testCompiler(t, "zoom_levels = 2")
	c.Clean = false

	final, err := c.Compile(context.Background(), "region_t", ProfileMBCharts)
	require.Nil(t, err)
	assert.Equal(t, CheckpointMetadata, final)
	assert.DirExists(t, filepath.Join(cfg.Dirs().Unmerged, "REGION_T"+".opt"))

	raw, err := os.ReadFile(filepath.Join(cfg.Dirs().Compiled, ChartManifestName))
	require.Nil(t, err)
	assert.Contains(t, string(raw), `"name": "chart_a"`)

	zooms, err := ZoomDirs(filepath.Join(cfg.Dirs().Unmerged, "REGION_T", "CHART_A"))
	require.Nil(t, err)
	assert.Len(t, zooms, 1, "the shallower of two adjacent zooms is skipped")
}

func TestCompileRegionArchives(t *testing.T) {
	c, _, cfg := testCompiler(t, "")
	ctx := context.Background()

	_, err := c.Compile(ctx, "region_t", ProfilePMRegion)
	require.Nil(t, err)
	p, err := OpenPMTiles(filepath.Join(cfg.Dirs().Compiled, "REGION_T.pmtiles"))
	require.Nil(t, err)
	assert.Greater(t, p.Header.AddressedTilesCount, uint64(0))
	require.Nil(t, p.Close())

	require.Nil(t, c.Store().Reset("region_t", ProfileMBRegion))
	final, err := c.Compile(ctx, "region_t", ProfileMBRegion)
	require.Nil(t, err)
	assert.Equal(t, CheckpointArchive, final)
	m, err := OpenMBTiles(filepath.Join(cfg.Dirs().Compiled, "REGION_T.mbtiles"))
	require.Nil(t, err)
	md, err := m.Metadata()
	require.Nil(t, err)
	assert.Equal(t, "Test Region", md["description"])
	require.Nil(t, m.Close())
}

func TestCompileStageError(t *testing.T) {
	c, _, _ := testCompiler(t, "")
	final, err := c.Compile(context.Background(), "region_s", ProfileMXRegion)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, CheckpointEncrypted, stageErr.Stage)
	assert.Equal(t, "REGION_S", stageErr.Region)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, CheckpointOpt, final)
	assert.Equal(t, CheckpointOpt, c.Store().Get("region_s", ProfileMXRegion))
}

func TestCompileUnknownRegion(t *testing.T) {
	c, _, _ := testCompiler(t, "")
	_, err := c.Compile(context.Background(), "nowhere", ProfileMXRegion)
	assert.NotNil(t, err)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("")
	require.Nil(t, err)
	assert.Equal(t, ProfileMXRegion, p)
	p, err = ParseProfile("mb_charts")
	require.Nil(t, err)
	assert.Equal(t, ProfileMBCharts, p)
	_, err = ParseProfile("gif_region")
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSkipZoom(t *testing.T) {
	dir := t.TempDir()
	for _, z := range []int{8, 9, 10} {
		require.Nil(t, os.MkdirAll(filepath.Join(dir, "A", strconv.Itoa(z)), 0755))
	}
	for _, z := range []int{8, 10} {
		require.Nil(t, os.MkdirAll(filepath.Join(dir, "B", strconv.Itoa(z)), 0755))
	}
	require.Nil(t, skipZoom(zaptest.NewLogger(t), dir))

	a, err := ZoomDirs(filepath.Join(dir, "A"))
	require.Nil(t, err)
	assert.Equal(t, []int{8, 10}, a)
	b, err := ZoomDirs(filepath.Join(dir, "B"))
	require.Nil(t, err)
	assert.Equal(t, []int{8, 10}, b)
}

func TestChartArchiveName(t *testing.T) {
	assert.Equal(t, "chart_a.mbtiles", ChartArchiveName("CHART_A"))
	assert.Equal(t, "harbor_approach.mbtiles", ChartArchiveName("HarborApproach"))
}

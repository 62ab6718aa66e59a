package mxmcc

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func leftHalf(c color.NRGBA) *image.NRGBA {
	img := NewTile()
	for y := 0; y < TileSize; y++ {
		for x := 0; x < TileSize/2; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func mergeFixture(t *testing.T, tiles map[string]map[Tile]*image.NRGBA, order ...string) (*Catalog, string) {
	unmerged := filepath.Join(t.TempDir(), "unmerged")
	cat := &Catalog{Region: "REGION_T"}
	for _, name := range order {
		dir := filepath.Join(unmerged, name)
		require.Nil(t, os.MkdirAll(dir, 0755))
		for tile, img := range tiles[name] {
			require.Nil(t, WritePNG(tile.Path(dir), img))
		}
		cat.Entries = append(cat.Entries, CatalogEntry{
			Path:    "/charts/" + name + ".kap",
			Name:    name,
			MinZoom: 3,
			MaxZoom: 3,
			Outline: box(0, 0, 10, 10),
		})
	}
	return cat, unmerged
}

var mergeTileAt = Tile{3, 4, 3}

func TestMergePriorityOpaque(t *testing.T) {
	cat, unmerged := mergeFixture(t, map[string]map[Tile]*image.NRGBA{
		"A": {mergeTileAt: solidImage(256, 256, red)},
		"B": {mergeTileAt: solidImage(256, 256, blue), {3, 5, 3}: solidImage(256, 256, blue)},
	}, "A", "B")
	merged := filepath.Join(filepath.Dir(unmerged), "merged")

	stats, err := MergeCatalog(context.Background(), zaptest.NewLogger(t), cat, unmerged, merged, MergeOptions{Workers: 2})
	require.Nil(t, err)
	assert.Equal(t, 2, stats.Copied)
	assert.Equal(t, 1, stats.Skipped)

	img, err := ReadPNG(mergeTileAt.Path(merged))
	require.Nil(t, err)
	assert.Equal(t, red, img.NRGBAAt(128, 128))
	img, err = ReadPNG(Tile{3, 5, 3}.Path(merged))
	require.Nil(t, err)
	assert.Equal(t, blue, img.NRGBAAt(128, 128))

	tj, err := ReadTileJSON(merged)
	require.Nil(t, err)
	assert.Equal(t, "REGION_T", tj.Name)
	assert.Equal(t, 3, tj.MaxZoom)
}

func TestMergeSemiSourceComposites(t *testing.T) {
	cat, unmerged := mergeFixture(t, map[string]map[Tile]*image.NRGBA{
		"A": {mergeTileAt: leftHalf(red)},
		"B": {mergeTileAt: solidImage(256, 256, color.NRGBA{0, 0, 255, 128})},
	}, "A", "B")
	merged := filepath.Join(filepath.Dir(unmerged), "merged")

	stats, err := MergeCatalog(context.Background(), zaptest.NewLogger(t), cat, unmerged, merged, MergeOptions{})
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Composited)

	img, err := ReadPNG(mergeTileAt.Path(merged))
	require.Nil(t, err)
	right := img.NRGBAAt(200, 10)
	assert.InDelta(t, 128, int(right.A), 1)
	assert.InDelta(t, 255, int(right.B), 1)
	left := img.NRGBAAt(10, 10)
	assert.Equal(t, uint8(255), left.A)
	assert.InDelta(t, 127, int(left.R), 2)
	assert.InDelta(t, 128, int(left.B), 2)
}

func TestMergeOpaqueSourceUnderlays(t *testing.T) {
	cat, unmerged := mergeFixture(t, map[string]map[Tile]*image.NRGBA{
		"A": {mergeTileAt: leftHalf(red)},
		"B": {mergeTileAt: solidImage(256, 256, blue)},
	}, "A", "B")
	merged := filepath.Join(filepath.Dir(unmerged), "merged")

	stats, err := MergeCatalog(context.Background(), zaptest.NewLogger(t), cat, unmerged, merged, MergeOptions{})
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Underlaid)

	img, err := ReadPNG(mergeTileAt.Path(merged))
	require.Nil(t, err)
	assert.Equal(t, Opaque, Classify(img))
	assert.Equal(t, red, img.NRGBAAt(10, 10))
	assert.Equal(t, blue, img.NRGBAAt(200, 10))
}

func TestMergeSkipsTransparentAndCaches(t *testing.T) {
	cat, unmerged := mergeFixture(t, map[string]map[Tile]*image.NRGBA{
		"A": {mergeTileAt: NewTile(), {3, 5, 3}: solidImage(256, 256, red)},
	}, "A")
	merged := filepath.Join(filepath.Dir(unmerged), "merged")
	require.Nil(t, os.MkdirAll(merged, 0755))
	stale := filepath.Join(merged, "stale.png")
	require.Nil(t, os.WriteFile(stale, []byte("x"), 0644))

	stats, err := MergeCatalog(context.Background(), zaptest.NewLogger(t), cat, unmerged, merged, MergeOptions{})
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Transparent)
	assert.Equal(t, 1, stats.Copied)
	assert.NoFileExists(t, mergeTileAt.Path(merged))
	assert.NoFileExists(t, stale)

	b, err := os.ReadFile(filepath.Join(unmerged, "A", MergeCacheName))
	require.Nil(t, err)
	var cache map[string]string
	require.Nil(t, json.Unmarshal(b, &cache))
	assert.Equal(t, map[string]string{"3/4/3.png": "transparent", "3/5/3.png": "opaque"}, cache)

	stats, err = MergeCatalog(context.Background(), zaptest.NewLogger(t), cat, unmerged, merged, MergeOptions{})
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Transparent)
	assert.Equal(t, 1, stats.Copied)
}

func TestMergeMissingChartDir(t *testing.T) {
	cat, unmerged := mergeFixture(t, map[string]map[Tile]*image.NRGBA{}, "A")
	cat.Entries = append(cat.Entries, CatalogEntry{Path: "/charts/GONE.kap", Name: "GONE"})
	merged := filepath.Join(filepath.Dir(unmerged), "merged")

	_, err := MergeCatalog(context.Background(), zaptest.NewLogger(t), cat, unmerged, merged, MergeOptions{})
	var chartErr *ChartError
	require.ErrorAs(t, err, &chartErr)
	assert.Equal(t, "/charts/GONE.kap", chartErr.Path)
}

func TestSourceTilesIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, WritePNG(Tile{2, 1, 1}.Path(dir), solidImage(256, 256, red)))
	require.Nil(t, os.WriteFile(filepath.Join(dir, TileJSONName), []byte("{}"), 0644))
	require.Nil(t, os.MkdirAll(filepath.Join(dir, "extra", "1"), 0755))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "extra", "1", "x.png"), []byte("x"), 0644))

	keys, err := sourceTiles(dir)
	require.Nil(t, err)
	assert.Equal(t, []string{"2/1/1.png"}, keys)
}

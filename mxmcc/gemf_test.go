package mxmcc

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeTileBytes(t *testing.T, dir string, tile Tile, data string) {
	path := tile.Path(dir)
	require.Nil(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.Nil(t, os.WriteFile(path, []byte(data), 0644))
}

func TestGemfRanges(t *testing.T) {
	cols := zoomColumns{
		3: {1: {1, 2, 4}, 2: {1, 2, 4}, 5: {1, 2, 4}, 6: {7}},
	}
	ranges := gemfRanges(cols, 0, false)
	assert.Equal(t, []GemfRange{
		{Zoom: 3, XMin: 1, XMax: 2, YMin: 1, YMax: 2},
		{Zoom: 3, XMin: 1, XMax: 2, YMin: 4, YMax: 4},
		{Zoom: 3, XMin: 5, XMax: 5, YMin: 1, YMax: 2},
		{Zoom: 3, XMin: 5, XMax: 5, YMin: 4, YMax: 4},
		{Zoom: 3, XMin: 6, XMax: 6, YMin: 7, YMax: 7},
	}, ranges)

	ranges = gemfRanges(cols, 1, true)
	assert.Equal(t, []GemfRange{{Zoom: 3, XMin: 1, XMax: 6, YMin: 1, YMax: 7, Source: 1}}, ranges)
}

func TestRuns(t *testing.T) {
	assert.Equal(t, [][2]uint32{{1, 3}, {5, 5}, {7, 8}}, runs([]uint32{1, 2, 3, 5, 7, 8}))
	assert.Nil(t, runs(nil))
}

func TestWriteGemfHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "R.opt")
	writeTileBytes(t, dir, Tile{1, 0, 0}, "aa")
	writeTileBytes(t, dir, Tile{1, 0, 1}, "bbb")
	out := filepath.Join(t.TempDir(), "R.gemf")

	stats, err := WriteGemf(zaptest.NewLogger(t), []GemfSource{{Name: "R.opt", Dir: dir}}, out, GemfOptions{})
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Ranges)
	assert.Equal(t, 2, stats.Tiles)

	data, err := os.ReadFile(out)
	require.Nil(t, err)
	be := binary.BigEndian
	assert.Equal(t, uint32(4), be.Uint32(data[0:]))
	assert.Equal(t, uint32(256), be.Uint32(data[4:]))
	assert.Equal(t, uint32(1), be.Uint32(data[8:]))
	assert.Equal(t, uint32(0), be.Uint32(data[12:]))
	assert.Equal(t, uint32(5), be.Uint32(data[16:]))
	assert.Equal(t, "R.opt", string(data[20:25]))
	assert.Equal(t, uint32(1), be.Uint32(data[25:]))

	rng := data[29:61]
	assert.Equal(t, []uint32{1, 0, 0, 0, 1, 0}, []uint32{
		be.Uint32(rng[0:]), be.Uint32(rng[4:]), be.Uint32(rng[8:]),
		be.Uint32(rng[12:]), be.Uint32(rng[16:]), be.Uint32(rng[20:]),
	})
	assert.Equal(t, uint64(61), be.Uint64(rng[24:]))

	assert.Equal(t, uint64(85), be.Uint64(data[61:]))
	assert.Equal(t, uint32(2), be.Uint32(data[69:]))
	assert.Equal(t, uint64(87), be.Uint64(data[73:]))
	assert.Equal(t, uint32(3), be.Uint32(data[81:]))
	assert.Equal(t, "aabbb", string(data[85:]))

	g, err := OpenGemf(out, false)
	require.Nil(t, err)
	defer g.Close()
	assert.Equal(t, []string{"R.opt"}, g.Sources)
	tile, err := g.Tile(Tile{1, 0, 1})
	require.Nil(t, err)
	assert.Equal(t, "bbb", string(tile))
	tile, err = g.Tile(Tile{1, 1, 1})
	require.Nil(t, err)
	assert.Nil(t, tile)
}

func TestWriteGemfAllowEmpty(t *testing.T) {
	dir := t.TempDir()
	writeTileBytes(t, dir, Tile{2, 0, 0}, "a")
	writeTileBytes(t, dir, Tile{2, 1, 1}, "b")
	out := filepath.Join(t.TempDir(), "R.gemf")

	stats, err := WriteGemf(zaptest.NewLogger(t), []GemfSource{{Name: "R", Dir: dir}}, out, GemfOptions{})
	require.Nil(t, err)
	assert.Equal(t, 2, stats.Ranges)

	stats, err = WriteGemf(zaptest.NewLogger(t), []GemfSource{{Name: "R", Dir: dir}}, out, GemfOptions{AllowEmpty: true})
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Ranges)
	assert.Equal(t, 4, stats.Tiles)

	g, err := OpenGemf(out, false)
	require.Nil(t, err)
	defer g.Close()
	empty, err := g.Tile(Tile{2, 0, 1})
	require.Nil(t, err)
	assert.Nil(t, empty)
	b, err := g.Tile(Tile{2, 1, 1})
	require.Nil(t, err)
	assert.Equal(t, "b", string(b))
}

func TestWriteGemfSplitAndUID(t *testing.T) {
	dir := t.TempDir()
	writeTileBytes(t, dir, Tile{1, 0, 0}, "0123456789")
	writeTileBytes(t, dir, Tile{1, 0, 1}, "abcdefghij")
	writeTileBytes(t, dir, Tile{1, 1, 0}, "ABCDEFGHIJ")
	writeTileBytes(t, dir, Tile{1, 1, 1}, "klmnopqrst")
	out := filepath.Join(t.TempDir(), "R.sgemf")

	stats, err := WriteGemf(zaptest.NewLogger(t), []GemfSource{{Name: "R", Dir: dir}}, out, GemfOptions{AddUID: true, SizeLimit: 100})
	require.Nil(t, err)
	require.Greater(t, len(stats.Files), 1)
	assert.Equal(t, out+"-1", stats.Files[1])

	g, err := OpenGemf(out, true)
	require.Nil(t, err)
	defer g.Close()
	assert.Len(t, g.UID, gemfUIDSize)
	for tile, want := range map[Tile]string{{1, 0, 0}: "0123456789", {1, 1, 0}: "ABCDEFGHIJ", {1, 1, 1}: "klmnopqrst"} {
		got, err := g.Tile(tile)
		require.Nil(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestWriteGemfNotADirectory(t *testing.T) {
	_, err := WriteGemf(zaptest.NewLogger(t), []GemfSource{{Name: "R", Dir: filepath.Join(t.TempDir(), "nope")}}, filepath.Join(t.TempDir(), "R.gemf"), GemfOptions{})
	assert.NotNil(t, err)
}

func TestGemfPath(t *testing.T) {
	assert.Equal(t, filepath.Join("c", "REGION_15.gemf"), GemfPath("c", "region_15.opt", false))
	assert.Equal(t, filepath.Join("c", "R.sgemf"), GemfPath("c", "r.enc", true))
}

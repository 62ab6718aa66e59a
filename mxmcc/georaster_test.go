package mxmcc

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func writeTestPNG(t *testing.T, path string, img image.Image) {
	require.Nil(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.Nil(t, err)
	defer f.Close()
	require.Nil(t, png.Encode(f, img))
}

func TestParseCRS(t *testing.T) {
	for in, want := range map[string]CRS{"": Mercator, "EPSG:3857": Mercator, "epsg:4326": Geographic, "4326": Geographic} {
		crs, err := ParseCRS(in)
		assert.Nil(t, err)
		assert.Equal(t, want, crs, in)
	}
	_, err := ParseCRS("EPSG:27700")
	assert.NotNil(t, err)
}

func TestGeoTransformInvert(t *testing.T) {
	gt := GeoTransform{100, 10, 2, 500, 3, -10}
	inv, err := gt.Invert()
	require.Nil(t, err)
	mx, my := gt.Apply(7, 11)
	px, py := inv.Apply(mx, my)
	assert.InDelta(t, 7, px, 1e-9)
	assert.InDelta(t, 11, py, 1e-9)
	assert.False(t, gt.NorthUp())
	assert.True(t, GeoTransform{0, 1, 0, 0, 0, -1}.NorthUp())

	_, err = GeoTransform{0, 0, 0, 0, 0, 0}.Invert()
	assert.NotNil(t, err)
}

func TestReadWorldFile(t *testing.T) {
	gt, err := ReadWorldFile(strings.NewReader("10\n0\n0\n-10\n\n5\n-5\n"))
	require.Nil(t, err)
	assert.Equal(t, GeoTransform{0, 10, 0, 0, 0, -10}, gt)

	_, err = ReadWorldFile(strings.NewReader("10\n0\n"))
	assert.NotNil(t, err)
	_, err = ReadWorldFile(strings.NewReader("10\nx\n0\n-10\n5\n-5\n"))
	assert.NotNil(t, err)
}

func TestWorldFileCandidates(t *testing.T) {
	c := worldFileCandidates("/a/chart.png")
	assert.Contains(t, c, "/a/chart.pgw")
	assert.Contains(t, c, "/a/chart.pngw")
	assert.Contains(t, c, "/a/chart.wld")
	assert.Contains(t, c, "/a/chart.PGW")
}

func TestOpenWorldFileImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chart.png")
	writeTestPNG(t, path, solidImage(4, 4, color.NRGBA{0, 255, 0, 255}))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "chart.pgw"), []byte("10\n0\n0\n-10\n5\n-5\n"), 0644))

	raster, err := OpenRaster(path, RasterConfig{CRS: Mercator})
	require.Nil(t, err)
	defer raster.Close()
	assert.True(t, raster.NorthUp())
	w, h := raster.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)
	b := raster.Bounds()
	assert.InDelta(t, 0, b.West, 1e-9)
	assert.InDelta(t, 0, b.North, 1e-9)
	assert.InDelta(t, metersXToLon(40), b.East, 1e-9)

	win, err := raster.ReadWindow(1, 1, 2, 2)
	require.Nil(t, err)
	assert.Equal(t, color.NRGBA{0, 255, 0, 255}, win.NRGBAAt(1, 1))
}

func TestOpenRasterErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenRaster(filepath.Join(dir, "chart.bmp"), RasterConfig{})
	assert.NotNil(t, err)

	path := filepath.Join(dir, "orphan.png")
	writeTestPNG(t, path, solidImage(2, 2, color.NRGBA{A: 255}))
	_, err = OpenRaster(path, RasterConfig{})
	assert.NotNil(t, err)
}

func TestWarpGeographic(t *testing.T) {
	red := color.NRGBA{255, 0, 0, 255}
	raster, err := NewImageRaster(solidImage(8, 8, red), GeoTransform{-10, 0.25, 0, 10, 0, -0.25}, Geographic)
	require.Nil(t, err)
	assert.False(t, raster.NorthUp())
	assert.True(t, raster.GeoTransform().NorthUp())

	b := raster.Bounds()
	assert.InDelta(t, -10, b.West, 1e-6)
	assert.InDelta(t, -8, b.East, 1e-6)
	assert.InDelta(t, 10, b.North, 1e-6)
	assert.InDelta(t, 8, b.South, 1e-6)

	w, h := raster.Size()
	win, err := raster.ReadWindow(w/2, h/2, 1, 1)
	require.Nil(t, err)
	assert.Equal(t, red, win.NRGBAAt(0, 0))
}

func TestWarpRotated(t *testing.T) {
	blue := color.NRGBA{0, 0, 255, 255}
	gt := GeoTransform{0, 10, 3, 0, 3, -10}
	raster, err := NewImageRaster(solidImage(20, 20, blue), gt, Mercator)
	require.Nil(t, err)
	assert.False(t, raster.NorthUp())
	assert.True(t, raster.GeoTransform().NorthUp())

	w, h := raster.Size()
	corner, err := raster.ReadWindow(0, h-1, 1, 1)
	require.Nil(t, err)
	assert.Equal(t, uint8(0), corner.NRGBAAt(0, 0).A)

	center, err := raster.ReadWindow(w/2, h/2, 1, 1)
	require.Nil(t, err)
	assert.Equal(t, blue, center.NRGBAAt(0, 0))
}

func TestWarpEmpty(t *testing.T) {
	_, err := Warp(image.NewNRGBA(image.Rect(0, 0, 0, 0)), GeoTransform{0, 1, 1, 0, 1, -1}, Mercator)
	assert.NotNil(t, err)
}

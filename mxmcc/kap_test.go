package mxmcc

import (
	"bufio"
	"bytes"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBsbHeader = `! test chart
CRR/THIS IS A TEST
BSB/NA=Test Chart's Harbor,NU=123,RA=4,3,DU=254
KNP/SC=80000,GD=WGS84,PR=MERCATOR,PP=0,PI=UNKNOWN,SP=UNKNOWN,SK=0.0
    TA=90.0,UN=FATHOMS,SD=MLLW
CED/SE=1,RE=1,ED=05/06/2019
RGB/1,255,0,0
RGB/2,0,0,255
REF/1,0,0,10,-10
REF/2,4,0,10,-9
REF/3,0,3,9,-10
REF/4,4,3,9,-9
PLY/1,10,-10
PLY/2,10,-9
PLY/3,9,-9
PLY/4,9,-10
`

func testKapBytes(rows [][]byte) []byte {
	var b bytes.Buffer
	b.WriteString(testBsbHeader)
	b.WriteByte(bsbHeaderEnd)
	b.WriteByte(0)
	b.WriteByte(4)
	for i, row := range rows {
		b.WriteByte(byte(i + 1))
		b.Write(row)
		b.WriteByte(0)
	}
	return b.Bytes()
}

func TestReadBsbHeader(t *testing.T) {
	h, err := ReadBsbHeader(bufio.NewReader(bytes.NewReader(testKapBytes(nil))))
	require.Nil(t, err)
	assert.Equal(t, "Test Charts Harbor", h.Name)
	assert.Equal(t, 80000, h.Scale)
	assert.Equal(t, "MERCATOR", h.Projection)
	assert.Equal(t, "WGS84", h.Datum)
	assert.Equal(t, "FATHOMS", h.DepthUnits)
	assert.Equal(t, "05/06/2019", h.Updated)
	assert.Equal(t, 4, h.Width)
	assert.Equal(t, 3, h.Height)
	assert.Len(t, h.Refs, 4)
	assert.Len(t, h.Outline, 5)
	assert.Equal(t, h.Outline[0], h.Outline[4])
	assert.Equal(t, color.NRGBA{255, 0, 0, 255}, h.Palette[1])
	assert.Equal(t, color.NRGBA{}, h.Palette[0])
	assert.True(t, h.IsValid())
	assert.False(t, h.HasDuplicateRefs())
	assert.Equal(t, SelectZoom(80000, 9.5), h.Zoom())
}

func TestReadBsbHeaderDefaults(t *testing.T) {
	text := "BSB/NA=Cover for Chart 1234\nCED/ED=2001\n\x1a"
	h, err := ReadBsbHeader(bufio.NewReader(strings.NewReader(text)))
	require.Nil(t, err)
	assert.Equal(t, depthUnknown, h.DepthUnits)
	assert.False(t, h.IsValid())
	assert.Equal(t, 0, h.Zoom())
}

func TestReadBsbHeaderWindows1252(t *testing.T) {
	text := "BSB/NA=Baie de l\xe9o\n\x1a"
	h, err := ReadBsbHeader(bufio.NewReader(strings.NewReader(text)))
	require.Nil(t, err)
	assert.Equal(t, "Baie de léo", h.Name)
}

func TestReadBsbHeaderUnterminated(t *testing.T) {
	_, err := ReadBsbHeader(bufio.NewReader(strings.NewReader("BSB/NA=x\n")))
	assert.NotNil(t, err)
}

func TestBsbGeoTransform(t *testing.T) {
	h, err := ReadBsbHeader(bufio.NewReader(bytes.NewReader(testKapBytes(nil))))
	require.Nil(t, err)
	gt, err := h.GeoTransform()
	require.Nil(t, err)
	assert.True(t, gt.NorthUp())

	for _, ref := range h.Refs {
		mx, my := gt.Apply(ref.X, ref.Y)
		ex, ey := LatLngToMeters(ref.Lat, ref.Lon)
		assert.InDelta(t, ex, mx, 1e-3)
		assert.InDelta(t, ey, my, 1e-3)
	}
}

func TestBsbGeoTransformDateline(t *testing.T) {
	h := &BsbHeader{Refs: []BsbRef{
		{X: 0, Y: 0, Lat: 10, Lon: 179},
		{X: 2, Y: 0, Lat: 10, Lon: -179},
		{X: 0, Y: 2, Lat: 9, Lon: 179},
	}}
	gt, err := h.GeoTransform()
	require.Nil(t, err)
	assert.Greater(t, gt[1], 0.0)
	mx, _ := gt.Apply(2, 0)
	assert.InDelta(t, lonToMetersX(181), mx, 1e-3)
}

func TestBsbGeoTransformCollinear(t *testing.T) {
	h := &BsbHeader{Refs: []BsbRef{
		{X: 0, Y: 0, Lat: 10, Lon: 1},
		{X: 1, Y: 1, Lat: 9, Lon: 2},
		{X: 2, Y: 2, Lat: 8, Lon: 3},
	}}
	_, err := h.GeoTransform()
	assert.NotNil(t, err)

	_, err = (&BsbHeader{}).GeoTransform()
	assert.NotNil(t, err)
}

func TestDecodeKapRasterContinuation(t *testing.T) {
	h := &BsbHeader{Width: 201, Height: 1, Palette: color.Palette{color.NRGBA{}, color.NRGBA{1, 2, 3, 255}}}
	data := []byte{4, 1, 0x89, 72, 0}
	img, err := decodeKapRaster(bufio.NewReader(bytes.NewReader(data)), h, RasterConfig{})
	require.Nil(t, err)
	for x := 0; x < 201; x++ {
		assert.Equal(t, uint8(1), img.ColorIndexAt(x, 0))
	}
}

func TestDecodeKapRasterIgnoreLineNumbers(t *testing.T) {
	h := &BsbHeader{Width: 1, Height: 2, Palette: color.Palette{color.NRGBA{}, color.NRGBA{}, color.NRGBA{}}}
	data := []byte{4, 9, 1 << 3, 0, 3, 2 << 3, 0}
	img, err := decodeKapRaster(bufio.NewReader(bytes.NewReader(data)), h, RasterConfig{IgnoreLineNumbers: true})
	require.Nil(t, err)
	assert.Equal(t, uint8(1), img.ColorIndexAt(0, 0))
	assert.Equal(t, uint8(2), img.ColorIndexAt(0, 1))
}

func TestDecodeKapRasterBadDepth(t *testing.T) {
	h := &BsbHeader{Width: 1, Height: 1, Palette: color.Palette{color.NRGBA{}}}
	_, err := decodeKapRaster(bufio.NewReader(bytes.NewReader([]byte{9})), h, RasterConfig{})
	assert.NotNil(t, err)
}

func TestOpenKap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "TEST.KAP")
	data := testKapBytes([][]byte{
		{1<<3 | 3},
		{1<<3 | 1, 2<<3 | 1},
		{2<<3 | 3},
	})
	require.Nil(t, os.WriteFile(path, data, 0644))

	raster, err := OpenRaster(path, RasterConfig{})
	require.Nil(t, err)
	defer raster.Close()

	w, h := raster.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 3, h)
	assert.True(t, raster.NorthUp())
	assert.Equal(t, "Test Charts Harbor", raster.(*kapRaster).Header().Name)

	b := raster.Bounds()
	assert.InDelta(t, -10, b.West, 1e-6)
	assert.InDelta(t, -9, b.East, 1e-6)
	assert.InDelta(t, 10, b.North, 1e-6)
	assert.InDelta(t, 9, b.South, 1e-6)

	win, err := raster.ReadWindow(0, 0, 4, 3)
	require.Nil(t, err)
	red := color.NRGBA{255, 0, 0, 255}
	blue := color.NRGBA{0, 0, 255, 255}
	assert.Equal(t, red, win.NRGBAAt(3, 0))
	assert.Equal(t, red, win.NRGBAAt(1, 1))
	assert.Equal(t, blue, win.NRGBAAt(2, 1))
	assert.Equal(t, blue, win.NRGBAAt(0, 2))

	_, err = raster.ReadWindow(2, 2, 4, 3)
	assert.NotNil(t, err)
}

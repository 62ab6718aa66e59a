package mxmcc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatLngPixelRoundtrip(t *testing.T) {
	for _, zoom := range []int{0, 5, 12, 18} {
		for _, ll := range [][2]float64{{0, 0}, {47.6, -122.3}, {-33.9, 151.2}, {84.9, 179.9}, {-84.9, -179.9}} {
			px, py := LatLngToPixel(ll[0], ll[1], zoom)
			lat, lon := PixelToLatLng(float64(px), float64(py), zoom)
			px2, py2 := LatLngToPixel(lat, lon, zoom)
			assert.InDelta(t, px, px2, 1, "zoom %d %v", zoom, ll)
			assert.InDelta(t, py, py2, 1, "zoom %d %v", zoom, ll)
		}
	}
}

func TestLatLngToPixelClips(t *testing.T) {
	px, py := LatLngToPixel(90, 200, 2)
	assert.Equal(t, 1023, px)
	assert.Equal(t, 0, py)
	px, py = LatLngToPixel(-90, -200, 2)
	assert.Equal(t, 0, px)
	assert.Equal(t, 1023, py)
}

func TestTilePixelContainment(t *testing.T) {
	for _, tc := range [][2]int{{0, 0}, {3, 7}, {1023, 511}} {
		px, py := TileToPixel(tc[0], tc[1])
		for _, d := range []int{0, 1, 128, 255} {
			tx, ty := PixelToTile(px+d, py+d)
			assert.Equal(t, tc[0], tx)
			assert.Equal(t, tc[1], ty)
		}
		tx, ty := PixelToTile(px+TileSize, py+TileSize)
		assert.Equal(t, tc[0]+1, tx)
		assert.Equal(t, tc[1]+1, ty)
	}
}

func TestGroundResolution(t *testing.T) {
	assert.InDelta(t, 156543.03, GroundResolution(0, 0), 0.01)
	assert.InDelta(t, 156543.03/2, GroundResolution(0, 1), 0.01)
	assert.InDelta(t, GroundResolution(0, 10)*math.Cos(60*math.Pi/180), GroundResolution(60, 10), 1e-9)
}

func TestZoomForPixelSize(t *testing.T) {
	assert.Equal(t, 0, ZoomForPixelSize(0, 1e9))
	assert.Equal(t, 10, ZoomForPixelSize(0, GroundResolution(0, 10)*1.5))
	assert.Equal(t, MaxZoom, ZoomForPixelSize(0, 0.0001))
}

func TestMetersRoundtrip(t *testing.T) {
	mx, my := LatLngToMeters(45, -120)
	lat, lon := MetersToLatLng(mx, my)
	assert.InDelta(t, 45, lat, 1e-9)
	assert.InDelta(t, -120, lon, 1e-9)
	mx, _ = LatLngToMeters(0, 180)
	assert.InDelta(t, originShift, mx, 1e-6)
}

func TestTileTMS(t *testing.T) {
	assert.Equal(t, Tile{3, 2, 7}, Tile{3, 2, 0}.TMS())
	assert.Equal(t, Tile{3, 2, 0}, Tile{3, 2, 0}.TMS().TMS())
}

func TestTileKeyAndParent(t *testing.T) {
	tile := Tile{10, 300, 400}
	assert.Equal(t, "10/300/400.png", tile.Key())
	assert.Equal(t, Tile{8, 75, 100}, tile.Parent(2))
	children := tile.Children()
	assert.Equal(t, Tile{11, 600, 800}, children[0])
	assert.Equal(t, Tile{11, 600, 801}, children[1])
	assert.Equal(t, Tile{11, 601, 800}, children[2])
	assert.Equal(t, Tile{11, 601, 801}, children[3])
}

func TestBoundsToTileWindow(t *testing.T) {
	w := BoundsToTileWindow(Bounds{West: -180, North: 85, East: 180, South: -85}, 1)
	assert.Equal(t, 0, w.MinX)
	assert.Equal(t, 1, w.MaxX)
	assert.Equal(t, 2, w.CountX)
	assert.Equal(t, 2, w.CountY)
	assert.False(t, w.Wraps())
	assert.Len(t, w.Tiles(), 4)
}

func TestAntimeridianWindow(t *testing.T) {
	b := Bounds{West: 170, North: 10, East: -170, South: -10}
	assert.True(t, b.Wraps())
	w := BoundsToTileWindow(b, 3)
	assert.True(t, w.Wraps())
	assert.Equal(t, 7, w.MinX)
	assert.Equal(t, 0, w.MaxX)
	assert.Equal(t, 2, w.CountX)

	segments := w.Segments()
	assert.Len(t, segments, 2)
	total := 0
	for _, s := range segments {
		assert.False(t, s.Wraps())
		total += s.CountX
	}
	assert.Equal(t, w.CountX, total)
	assert.Len(t, w.Tiles(), w.CountX*w.CountY)

	assert.True(t, w.Contains(Tile{3, 7, uint32(w.MinY)}))
	assert.True(t, w.Contains(Tile{3, 0, uint32(w.MinY)}))
	assert.False(t, w.Contains(Tile{3, 4, uint32(w.MinY)}))
}

func TestSplitBounds(t *testing.T) {
	assert.Len(t, SplitBounds(Bounds{West: -10, North: 1, East: 10, South: -1}), 1)
	parts := SplitBounds(Bounds{West: 170, North: 1, East: -170, South: -1})
	assert.Len(t, parts, 2)
	assert.Equal(t, 180.0, parts[0].East)
	assert.Equal(t, -180.0, parts[1].West)
	assert.InDelta(t, 180.0, math.Abs(Bounds{West: 170, North: 1, East: -170, South: -1}.Center()[0]), 1e-9)
}

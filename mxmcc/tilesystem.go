package mxmcc

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// TileSize is the edge length of every tile in pixels.
const TileSize = 256

// MaxZoom is the deepest level of the tile pyramid.
const MaxZoom = 23

const (
	minLatitude  = -85.05112878
	maxLatitude  = 85.05112878
	minLongitude = -180.0
	maxLongitude = 180.0
	earthRadius  = 6378137.0
	originShift  = math.Pi * earthRadius
)

// Tile is a ZXY tile coordinate with the origin at the top left.
type Tile struct {
	Z uint8
	X uint32
	Y uint32
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Key is the tile path relative to a tile tree root, always slash separated.
func (t Tile) Key() string {
	return strconv.Itoa(int(t.Z)) + "/" + strconv.FormatUint(uint64(t.X), 10) + "/" + strconv.FormatUint(uint64(t.Y), 10) + ".png"
}

// Path is the location of the tile PNG below root.
func (t Tile) Path(root string) string {
	return filepath.Join(root, strconv.Itoa(int(t.Z)), strconv.FormatUint(uint64(t.X), 10), strconv.FormatUint(uint64(t.Y), 10)+".png")
}

// TMS flips the row so the origin is at the bottom left.
func (t Tile) TMS() Tile {
	return Tile{t.Z, t.X, (1 << t.Z) - 1 - t.Y}
}

// Parent returns the ancestor n levels up. n must not exceed Z.
func (t Tile) Parent(n uint8) Tile {
	return Tile{t.Z - n, t.X >> n, t.Y >> n}
}

// Children returns the four tiles at Z+1 in quadrant order
// top-left, bottom-left, top-right, bottom-right.
func (t Tile) Children() [4]Tile {
	x, y, z := t.X<<1, t.Y<<1, t.Z+1
	return [4]Tile{{z, x, y}, {z, x, y + 1}, {z, x + 1, y}, {z, x + 1, y + 1}}
}

// Bounds is a geographic box in WGS-84 degrees. West > East means the box
// crosses the antimeridian.
type Bounds struct {
	West  float64
	North float64
	East  float64
	South float64
}

// Wraps reports whether the box crosses the antimeridian.
func (b Bounds) Wraps() bool {
	return b.West > b.East
}

// Bound converts a non-wrapping box to an orb.Bound.
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Center is the midpoint of the box, unwrapping across the antimeridian.
func (b Bounds) Center() orb.Point {
	east := b.East
	if b.Wraps() {
		east += 360
	}
	lon := b.West + (east-b.West)/2
	if lon > 180 {
		lon -= 360
	}
	return orb.Point{lon, b.South + (b.North-b.South)/2}
}

// BoundsFromOrb converts a bound to Bounds.
func BoundsFromOrb(b orb.Bound) Bounds {
	return Bounds{West: b.Left(), North: b.Top(), East: b.Right(), South: b.Bottom()}
}

// SplitBounds returns the box as one or two non-wrapping boxes.
func SplitBounds(b Bounds) []Bounds {
	if !b.Wraps() {
		return []Bounds{b}
	}
	return []Bounds{
		{West: b.West, North: b.North, East: maxLongitude, South: b.South},
		{West: minLongitude, North: b.North, East: b.East, South: b.South},
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func clipInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MapSize is the width and height of the world in pixels at zoom.
func MapSize(zoom int) float64 {
	return float64(uint64(TileSize) << uint(zoom))
}

// MapSizeTiles is the width and height of the world in tiles at zoom.
func MapSizeTiles(zoom int) int {
	return 1 << uint(zoom)
}

// GroundResolution is the width of one pixel in meters at lat and zoom.
func GroundResolution(lat float64, zoom int) float64 {
	lat = clip(lat, minLatitude, maxLatitude)
	return math.Cos(lat*math.Pi/180) * 2 * math.Pi * earthRadius / MapSize(zoom)
}

// MapScale is the denominator of the map scale at lat, zoom and dpi.
func MapScale(lat float64, zoom int, dpi float64) float64 {
	return GroundResolution(lat, zoom) * dpi / 0.0254
}

// LatLngToPixel projects WGS-84 degrees to tile system pixels at zoom.
func LatLngToPixel(lat, lon float64, zoom int) (int, int) {
	lat = clip(lat, minLatitude, maxLatitude)
	lon = clip(lon, minLongitude, maxLongitude)
	x := (lon + 180) / 360
	sinLat := math.Sin(lat * math.Pi / 180)
	y := 0.5 - math.Log((1+sinLat)/(1-sinLat))/(4*math.Pi)
	size := MapSize(zoom)
	return int(clip(x*size+0.5, 0, size-1)), int(clip(y*size+0.5, 0, size-1))
}

// PixelToLatLng is the inverse of LatLngToPixel.
func PixelToLatLng(px, py float64, zoom int) (float64, float64) {
	size := MapSize(zoom)
	x := clip(px, 0, size-1)/size - 0.5
	y := 0.5 - clip(py, 0, size-1)/size
	lat := 90 - 360*math.Atan(math.Exp(-y*2*math.Pi))/math.Pi
	return lat, 360 * x
}

// PixelToTile returns the tile containing the pixel.
func PixelToTile(px, py int) (int, int) {
	return px / TileSize, py / TileSize
}

// TileToPixel returns the top left pixel of the tile.
func TileToPixel(tx, ty int) (int, int) {
	return tx * TileSize, ty * TileSize
}

// LatLngToTile returns the tile containing the coordinate.
func LatLngToTile(lat, lon float64, zoom int) Tile {
	tx, ty := PixelToTile(LatLngToPixel(lat, lon, zoom))
	return Tile{uint8(zoom), uint32(tx), uint32(ty)}
}

// ZoomForPixelSize is the first zoom whose ground resolution is finer than
// metersPerPixel at lat. It never scales a raster up past zoom 0.
func ZoomForPixelSize(lat, metersPerPixel float64) int {
	for z := 0; z < MaxZoom; z++ {
		if metersPerPixel > GroundResolution(lat, z) {
			return z
		}
	}
	return MaxZoom
}

// LatLngToMeters projects WGS-84 degrees to EPSG:3857 meters.
func LatLngToMeters(lat, lon float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{clip(lon, minLongitude, maxLongitude), clip(lat, minLatitude, maxLatitude)})
	return p[0], p[1]
}

// MetersToLatLng is the inverse of LatLngToMeters.
func MetersToLatLng(mx, my float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{mx, my})
	return p[1], p[0]
}

// PixelsToMeters converts tile system pixels (TMS rows) to EPSG:3857 meters.
func PixelsToMeters(px, py float64, zoom int) (float64, float64) {
	res := GroundResolution(0, zoom)
	return px*res - originShift, py*res - originShift
}

// TileWindow is the inclusive range of tiles covering a box at one zoom.
// MinX > MaxX means the window crosses the antimeridian.
type TileWindow struct {
	Z      int
	MinX   int
	MaxX   int
	MinY   int
	MaxY   int
	CountX int
	CountY int
}

// Wraps reports whether the window crosses the antimeridian.
func (w TileWindow) Wraps() bool {
	return w.MinX > w.MaxX
}

// Segments splits the window into non-wrapping windows.
func (w TileWindow) Segments() []TileWindow {
	if !w.Wraps() {
		return []TileWindow{w}
	}
	last := MapSizeTiles(w.Z) - 1
	east := w
	east.MaxX = last
	east.CountX = last - w.MinX + 1
	west := w
	west.MinX = 0
	west.CountX = w.MaxX + 1
	return []TileWindow{east, west}
}

// Tiles lists every tile of the window, segment by segment, column major.
func (w TileWindow) Tiles() []Tile {
	tiles := make([]Tile, 0, w.CountX*w.CountY)
	for _, s := range w.Segments() {
		for x := s.MinX; x <= s.MaxX; x++ {
			for y := s.MinY; y <= s.MaxY; y++ {
				tiles = append(tiles, Tile{uint8(w.Z), uint32(x), uint32(y)})
			}
		}
	}
	return tiles
}

// Contains reports whether t lies in the window.
func (w TileWindow) Contains(t Tile) bool {
	if int(t.Z) != w.Z {
		return false
	}
	for _, s := range w.Segments() {
		if int(t.X) >= s.MinX && int(t.X) <= s.MaxX && int(t.Y) >= s.MinY && int(t.Y) <= s.MaxY {
			return true
		}
	}
	return false
}

// BoundsToTileWindow computes the tiles covering b at zoom.
func BoundsToTileWindow(b Bounds, zoom int) TileWindow {
	minX, minY := PixelToTile(LatLngToPixel(b.North, b.West, zoom))
	maxX, maxY := PixelToTile(LatLngToPixel(b.South, b.East, zoom))
	w := TileWindow{Z: zoom, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}
	w.CountY = maxY - minY + 1
	if minX > maxX {
		w.CountX = (MapSizeTiles(zoom) - minX) + (maxX + 1)
	} else {
		w.CountX = maxX - minX + 1
	}
	return w
}

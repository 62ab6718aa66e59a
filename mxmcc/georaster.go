package mxmcc

import (
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

// CRS identifies the coordinate system a raster's geotransform maps into.
type CRS int

const (
	// Mercator is EPSG:3857 meters.
	Mercator CRS = 3857
	// Geographic is EPSG:4326 degrees.
	Geographic CRS = 4326
)

// ParseCRS accepts "EPSG:3857", "3857", "EPSG:4326" or "4326".
func ParseCRS(s string) (CRS, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "EPSG:") {
	case "", "3857", "900913", "3785":
		return Mercator, nil
	case "4326":
		return Geographic, nil
	}
	return 0, fmt.Errorf("unsupported coordinate system %q", s)
}

// GeoTransform maps pixel (col, row) to map coordinates:
// X = gt[0] + col*gt[1] + row*gt[2], Y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// Apply maps a pixel location to map coordinates.
func (gt GeoTransform) Apply(px, py float64) (float64, float64) {
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5]
}

// Invert returns the transform from map coordinates back to pixels.
func (gt GeoTransform) Invert() (GeoTransform, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if math.Abs(det) < 1e-15 {
		return GeoTransform{}, fmt.Errorf("geotransform is not invertible")
	}
	inv := 1 / det
	return GeoTransform{
		(gt[2]*gt[3] - gt[0]*gt[5]) * inv,
		gt[5] * inv,
		-gt[2] * inv,
		(-gt[1]*gt[3] + gt[0]*gt[4]) * inv,
		-gt[4] * inv,
		gt[1] * inv,
	}, nil
}

// NorthUp reports whether the transform has no rotation terms.
func (gt GeoTransform) NorthUp() bool {
	scale := math.Max(math.Abs(gt[1]), math.Abs(gt[5]))
	return math.Abs(gt[2]) <= scale*1e-9 && math.Abs(gt[4]) <= scale*1e-9 && gt[1] > 0 && gt[5] < 0
}

// GeoRaster is a georeferenced chart image whose geotransform maps pixels to
// EPSG:3857 meters without rotation.
type GeoRaster interface {
	Size() (int, int)
	GeoTransform() GeoTransform
	Bounds() Bounds
	// NorthUp reports whether the source pixels were north up before any warp.
	NorthUp() bool
	ReadWindow(x, y, w, h int) (*image.NRGBA, error)
	Close() error
}

// RasterConfig carries per-open decoder options.
type RasterConfig struct {
	// CRS of world-file or GeoTIFF referenced images.
	CRS CRS
	// IgnoreLineNumbers decodes KAP rows in file order instead of trusting
	// the row numbers embedded in the raster data.
	IgnoreLineNumbers bool
}

type imageRaster struct {
	img     image.Image
	gt      GeoTransform
	northUp bool
}

// NewImageRaster wraps an in-memory image whose geotransform maps to crs.
// Rotated or geographic sources are warped into north-up Mercator.
func NewImageRaster(img image.Image, gt GeoTransform, crs CRS) (GeoRaster, error) {
	if crs == Mercator && gt.NorthUp() {
		return &imageRaster{img: img, gt: gt, northUp: true}, nil
	}
	return Warp(img, gt, crs)
}

func (r *imageRaster) Size() (int, int) {
	b := r.img.Bounds()
	return b.Dx(), b.Dy()
}

func (r *imageRaster) GeoTransform() GeoTransform {
	return r.gt
}

func (r *imageRaster) Bounds() Bounds {
	w, h := r.Size()
	return mercatorBounds(r.gt, w, h)
}

func (r *imageRaster) NorthUp() bool {
	return r.northUp
}

func (r *imageRaster) ReadWindow(x, y, w, h int) (*image.NRGBA, error) {
	rw, rh := r.Size()
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > rw || y+h > rh {
		return nil, fmt.Errorf("window %d,%d %dx%d outside raster %dx%d", x, y, w, h, rw, rh)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), r.img, r.img.Bounds().Min.Add(image.Pt(x, y)), draw.Src)
	return dst, nil
}

func (r *imageRaster) Close() error {
	r.img = nil
	return nil
}

func metersXToLon(mx float64) float64 {
	return mx / originShift * 180
}

func lonToMetersX(lon float64) float64 {
	return lon * originShift / 180
}

// mercatorBounds converts the corners of a north-up Mercator raster to a
// geographic box. Rasters extending past the antimeridian produce a
// wrapping box.
func mercatorBounds(gt GeoTransform, w, h int) Bounds {
	minX, maxY := gt.Apply(0, 0)
	maxX, minY := gt.Apply(float64(w), float64(h))
	north, _ := MetersToLatLng(0, maxY)
	south, _ := MetersToLatLng(0, minY)
	west, east := metersXToLon(minX), metersXToLon(maxX)
	if west < -180 {
		west += 360
	}
	if east > 180 {
		east -= 360
	}
	return Bounds{West: west, North: north, East: east, South: south}
}

// OpenRaster opens a chart image by extension: KAP files carry their own
// georeference, other images need a GeoTIFF tag set or a world file.
func OpenRaster(path string, cfg RasterConfig) (GeoRaster, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kap":
		return OpenKap(path, cfg)
	case ".tif", ".tiff", ".png", ".jpg", ".jpeg":
		return OpenReferencedImage(path, cfg)
	}
	return nil, fmt.Errorf("%s is not a supported chart format", path)
}

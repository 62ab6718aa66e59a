package mxmcc

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paulmach/orb"
)

// screenDPI is the print resolution assumed for rasters without a scale.
const screenDPI = 96

// ChartInfo is the metadata a lookup extracts from one chart file.
type ChartInfo interface {
	Name() string
	Scale() int
	Zoom() int
	Outline() orb.Ring
	DepthUnits() string
	Updated() string
	IsValid() bool
}

// ChartLookup resolves chart metadata for chart paths of one provider.
type ChartLookup interface {
	Lookup(path string) (ChartInfo, error)
}

// LookupForMapType returns the lookup for a provider's chart format.
func LookupForMapType(mapType string, cfg RasterConfig) ChartLookup {
	if strings.EqualFold(mapType, MapTypeGeoTIFF) {
		return NewRasterLookup(cfg)
	}
	return NewBsbLookup()
}

type bsbChart struct {
	h *BsbHeader
}

func (c bsbChart) Name() string       { return c.h.Name }
func (c bsbChart) Scale() int         { return c.h.Scale }
func (c bsbChart) Zoom() int          { return c.h.Zoom() }
func (c bsbChart) Outline() orb.Ring  { return c.h.Outline }
func (c bsbChart) DepthUnits() string { return c.h.DepthUnits }
func (c bsbChart) Updated() string    { return c.h.Updated }
func (c bsbChart) IsValid() bool      { return c.h.IsValid() }

// BsbLookup reads metadata from KAP text headers. Headers are cached by path.
type BsbLookup struct {
	mu    sync.Mutex
	cache map[string]*BsbHeader
}

func NewBsbLookup() *BsbLookup {
	return &BsbLookup{cache: make(map[string]*BsbHeader)}
}

func (l *BsbLookup) Lookup(path string) (ChartInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.cache[path]; ok {
		return bsbChart{h}, nil
	}
	h, err := ReadBsbHeaderFile(path)
	if err != nil {
		return nil, &ChartError{Path: path, Err: err}
	}
	l.cache[path] = h
	return bsbChart{h}, nil
}

type rasterChart struct {
	name    string
	scale   int
	zoom    int
	outline orb.Ring
	updated string
}

func (c rasterChart) Name() string       { return c.name }
func (c rasterChart) Scale() int         { return c.scale }
func (c rasterChart) Zoom() int          { return c.zoom }
func (c rasterChart) Outline() orb.Ring  { return c.outline }
func (c rasterChart) DepthUnits() string { return depthUnknown }
func (c rasterChart) Updated() string    { return c.updated }
func (c rasterChart) IsValid() bool      { return c.scale > 0 && len(c.outline) > 0 }

// RasterLookup derives metadata from a georeferenced raster itself: the
// outline is the raster bounds and the zoom follows the pixel size.
type RasterLookup struct {
	Config RasterConfig
}

func NewRasterLookup(cfg RasterConfig) *RasterLookup {
	return &RasterLookup{Config: cfg}
}

func (l *RasterLookup) Lookup(path string) (ChartInfo, error) {
	raster, err := OpenRaster(path, l.Config)
	if err != nil {
		return nil, &ChartError{Path: path, Err: err}
	}
	defer raster.Close()
	info := rasterInfo(raster, chartName(path))
	if st, err := os.Stat(path); err == nil {
		info.updated = st.ModTime().UTC().Format("2006-01-02")
	}
	return info, nil
}

func rasterInfo(raster GeoRaster, name string) rasterChart {
	b := raster.Bounds()
	lat := b.Center()[1]
	metersPerPixel := math.Abs(raster.GeoTransform()[1]) * math.Cos(lat*math.Pi/180)
	east := b.East
	if b.Wraps() {
		east += 360
	}
	ring := orb.Ring{
		{b.West, b.North}, {east, b.North}, {east, b.South}, {b.West, b.South}, {b.West, b.North},
	}
	for i := range ring {
		if ring[i][0] > 180 {
			ring[i][0] -= 360
		}
	}
	return rasterChart{
		name:    name,
		scale:   int(math.Round(metersPerPixel * screenDPI / 0.0254)),
		zoom:    ZoomForPixelSize(lat, metersPerPixel),
		outline: ring,
	}
}

// chartName is the file name of path without its extension.
func chartName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

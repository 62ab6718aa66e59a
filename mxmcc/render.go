package mxmcc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// maxRenderBuffer is the largest unclipped source area, in pixels, staged in
// memory before resampling a tile.
const maxRenderBuffer = 4096 * 4096

// MaxOverZoomDepth bounds how many levels an ancestor tile may be enlarged.
const MaxOverZoomDepth = 8

// RenderOptions controls how a chart is cut into tiles.
type RenderOptions struct {
	// OverZoom builds missing tiles by enlarging an already rendered ancestor.
	OverZoom      bool
	OverZoomDepth int
	// Cutline makes pixels outside this outline transparent.
	Cutline orb.Ring
}

func (o RenderOptions) overZoomDepth() int {
	d := o.OverZoomDepth
	if d <= 0 {
		d = 6
	}
	if d > MaxOverZoomDepth {
		d = MaxOverZoomDepth
	}
	return d
}

// RenderStats counts what happened to each tile of a render.
type RenderStats struct {
	Written   int
	Existing  int
	Empty     int
	UnderZoom int
	OverZoom  int
}

func (s *RenderStats) add(o RenderStats) {
	s.Written += o.Written
	s.Existing += o.Existing
	s.Empty += o.Empty
	s.UnderZoom += o.UnderZoom
	s.OverZoom += o.OverZoom
}

// Resources closes derived resources in reverse order of acquisition.
type Resources struct {
	mu      sync.Mutex
	closers []func() error
}

// Add registers a cleanup function.
func (r *Resources) Add(closer func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, closer)
}

// Close runs every cleanup function, last added first.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Renderer cuts georeferenced rasters into a sparse ZXY tile tree.
type Renderer struct {
	logger  *zap.Logger
	opts    RenderOptions
	metrics *Metrics
	mask    orb.MultiPolygon
}

// NewRenderer creates a renderer. metrics may be nil.
func NewRenderer(logger *zap.Logger, opts RenderOptions, metrics *Metrics) *Renderer {
	return &Renderer{logger: logger, opts: opts, metrics: metrics, mask: OutlineGeometry(opts.Cutline)}
}

// WithCutline returns a copy of r that masks tiles to outline.
func (r *Renderer) WithCutline(outline orb.Ring) *Renderer {
	opts := r.opts
	opts.Cutline = outline
	return NewRenderer(r.logger, opts, r.metrics)
}

// rasterProjection maps tile system pixels at one zoom to raster pixels.
type rasterProjection struct {
	inv        GeoTransform
	minX, maxX float64
	width      int
	height     int
}

func newRasterProjection(raster GeoRaster) (rasterProjection, error) {
	gt := raster.GeoTransform()
	inv, err := gt.Invert()
	if err != nil {
		return rasterProjection{}, err
	}
	w, h := raster.Size()
	minX, _ := gt.Apply(0, 0)
	maxX, _ := gt.Apply(float64(w), float64(h))
	return rasterProjection{inv: inv, minX: minX, maxX: maxX, width: w, height: h}, nil
}

// wrapTolerance absorbs rounding between tile corners and raster edges, in meters.
const wrapTolerance = 1e-3

func overlap(a0, a1, b0, b1 float64) float64 {
	return math.Min(a1, b1) - math.Max(a0, b0)
}

// worldShift is the whole world offset, in meters, that best places the tile
// spanning mx0..mx1 over the raster. Rasters spilling over the antimeridian
// have their far side addressed beyond ±originShift.
func (p rasterProjection) worldShift(mx0, mx1 float64) float64 {
	best, most := 0.0, overlap(mx0, mx1, p.minX, p.maxX)
	for _, s := range []float64{2 * originShift, -2 * originShift} {
		if o := overlap(mx0+s, mx1+s, p.minX, p.maxX); o > most+wrapTolerance {
			best, most = s, o
		}
	}
	return best
}

// toRaster converts a tile system pixel corner, moved by shift meters, to a
// raster pixel.
func (p rasterProjection) toRaster(px, py float64, zoom int, shift float64) (int, int) {
	res := GroundResolution(0, zoom)
	mx := px*res - originShift + shift
	my := originShift - py*res
	fx, fy := p.inv.Apply(mx, my)
	return int(math.Floor(fx + 1e-6)), int(math.Floor(fy + 1e-6))
}

// RenderTiles renders every non-empty tile of raster at zoom into outDir.
// Tiles that already exist are left untouched.
func (r *Renderer) RenderTiles(ctx context.Context, raster GeoRaster, zoom int, outDir string) (RenderStats, error) {
	var stats RenderStats
	proj, err := newRasterProjection(raster)
	if err != nil {
		return stats, err
	}
	window := BoundsToTileWindow(raster.Bounds(), zoom)
	for _, t := range window.Tiles() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		path := t.Path(outDir)
		if _, err := os.Stat(path); err == nil {
			stats.Existing++
			r.metrics.tileSkipped()
			continue
		}
		img, kind, err := r.renderTile(raster, proj, t, outDir)
		if err != nil {
			return stats, fmt.Errorf("tile %s: %w", t, err)
		}
		if img == nil || !HasData(img) {
			stats.Empty++
			continue
		}
		if err := WritePNG(path, img); err != nil {
			return stats, err
		}
		stats.Written++
		r.metrics.tileRendered()
		switch kind {
		case shortcutUnderZoom:
			stats.UnderZoom++
			r.metrics.tileShortcut(kind)
		case shortcutOverZoom:
			stats.OverZoom++
			r.metrics.tileShortcut(kind)
		}
	}
	return stats, nil
}

const (
	shortcutUnderZoom = "under_zoom"
	shortcutOverZoom  = "over_zoom"
)

func (r *Renderer) renderTile(raster GeoRaster, proj rasterProjection, t Tile, outDir string) (*image.NRGBA, string, error) {
	if img, err := stitchChildren(t, outDir); err != nil || img != nil {
		return img, shortcutUnderZoom, err
	}
	if r.opts.OverZoom {
		if img, err := enlargeAncestor(t, outDir, r.opts.overZoomDepth()); err != nil || img != nil {
			return img, shortcutOverZoom, err
		}
	}
	img, err := r.renderDirect(raster, proj, t)
	if err != nil || img == nil {
		return nil, "", err
	}
	if r.mask != nil {
		applyCutline(img, t, r.mask)
	}
	return img, "", nil
}

func (r *Renderer) renderDirect(raster GeoRaster, proj rasterProjection, t Tile) (*image.NRGBA, error) {
	z := int(t.Z)
	px, py := TileToPixel(int(t.X), int(t.Y))
	res := GroundResolution(0, z)
	shift := proj.worldShift(float64(px)*res-originShift, float64(px+TileSize)*res-originShift)
	x0, y0 := proj.toRaster(float64(px), float64(py), z, shift)
	x1, y1 := proj.toRaster(float64(px+TileSize), float64(py+TileSize), z, shift)
	cx0, cx1 := clipInt(x0, 0, proj.width), clipInt(x1, 0, proj.width)
	cy0, cy1 := clipInt(y0, 0, proj.height), clipInt(y1, 0, proj.height)
	if cx1-cx0 <= 0 || cy1-cy0 <= 0 {
		return nil, nil
	}
	win, err := raster.ReadWindow(cx0, cy0, cx1-cx0, cy1-cy0)
	if err != nil {
		return nil, err
	}
	if !HasData(win) {
		return nil, nil
	}
	xs, ys := x1-x0, y1-y0
	var scaler draw.Scaler
	switch {
	case xs > TileSize || ys > TileSize:
		scaler = boxKernel
	case raster.NorthUp():
		scaler = draw.NearestNeighbor
	default:
		scaler = draw.BiLinear
	}
	tile := NewTile()
	if xs*ys > maxRenderBuffer {
		// Scale the clipped window straight into its share of the tile.
		dst := image.Rect(
			(cx0-x0)*TileSize/xs, (cy0-y0)*TileSize/ys,
			(cx1-x0)*TileSize/xs, (cy1-y0)*TileSize/ys)
		if dst.Empty() {
			return nil, nil
		}
		scaleInto(tile, dst, win, scaler)
		return tile, nil
	}
	tmp := image.NewNRGBA(image.Rect(0, 0, xs, ys))
	off := image.Pt(cx0-x0, cy0-y0)
	draw.Draw(tmp, win.Bounds().Add(off), win, image.Point{}, draw.Src)
	scaleInto(tile, tile.Bounds(), tmp, scaler)
	return tile, nil
}

// stitchChildren builds t from its four children when all of them exist.
func stitchChildren(t Tile, dir string) (*image.NRGBA, error) {
	if t.Z >= MaxZoom {
		return nil, nil
	}
	children := t.Children()
	for _, c := range children {
		if _, err := os.Stat(c.Path(dir)); err != nil {
			return nil, nil
		}
	}
	big := image.NewNRGBA(image.Rect(0, 0, 2*TileSize, 2*TileSize))
	for i, c := range children {
		img, err := ReadPNG(c.Path(dir))
		if err != nil {
			return nil, err
		}
		at := quadrantOrigin(i, TileSize)
		draw.Draw(big, image.Rectangle{at, at.Add(image.Pt(TileSize, TileSize))}, img, image.Point{}, draw.Src)
	}
	tile := NewTile()
	scaleInto(tile, tile.Bounds(), big, boxKernel)
	return tile, nil
}

// quadrantOrigin is the top left corner of child i in Children order.
func quadrantOrigin(i, size int) image.Point {
	return image.Pt((i/2)*size, (i%2)*size)
}

// enlargeAncestor crops the part of the nearest existing ancestor that covers
// t and enlarges it with nearest neighbour sampling.
func enlargeAncestor(t Tile, dir string, depth int) (*image.NRGBA, error) {
	for n := 1; n <= depth && n <= int(t.Z); n++ {
		anc := t.Parent(uint8(n))
		path := anc.Path(dir)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		img, err := ReadPNG(path)
		if err != nil {
			return nil, err
		}
		return cropAncestor(t, img, n), nil
	}
	return nil, nil
}

func cropAncestor(t Tile, ancestor *image.NRGBA, n int) *image.NRGBA {
	size := TileSize >> n
	mask := uint32(1)<<n - 1
	ox, oy := int(t.X&mask)*size, int(t.Y&mask)*size
	tile := NewTile()
	src := ancestor.SubImage(image.Rect(ox, oy, ox+size, oy+size))
	draw.NearestNeighbor.Scale(tile, tile.Bounds(), src, src.Bounds(), draw.Src, nil)
	return tile
}

// applyCutline clears every pixel whose centre falls outside mask.
func applyCutline(img *image.NRGBA, t Tile, mask orb.MultiPolygon) {
	px, py := TileToPixel(int(t.X), int(t.Y))
	res := GroundResolution(0, int(t.Z))
	for j := 0; j < TileSize; j++ {
		my := originShift - (float64(py+j)+0.5)*res
		for i := 0; i < TileSize; i++ {
			o := j*img.Stride + i*4
			if img.Pix[o+3] == 0 {
				continue
			}
			mx := (float64(px+i)+0.5)*res - originShift
			lat, lon := MetersToLatLng(mx, my)
			if !OutlineContains(mask, orb.Point{lon, lat}) {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = 0, 0, 0, 0
			}
		}
	}
}

// RenderChart opens the chart of entry and renders MaxZoom down to MinZoom
// into outDir, finishing with tilejson.json. A directory whose tilejson
// already records the same zoom range is left alone.
func (r *Renderer) RenderChart(ctx context.Context, entry CatalogEntry, outDir string, cfg RasterConfig) (RenderStats, error) {
	var stats RenderStats
	if tj, err := ReadTileJSON(outDir); err == nil && tj.MinZoom == entry.MinZoom && tj.MaxZoom == entry.MaxZoom {
		r.logger.Debug("chart already rendered", zap.String("chart", entry.Name), zap.String("dir", outDir))
		return stats, nil
	}

	var res Resources
	defer res.Close()
	raster, err := OpenRaster(entry.Path, cfg)
	if err != nil {
		return stats, &ChartError{Path: entry.Path, Err: err}
	}
	res.Add(raster.Close)

	for z := entry.MaxZoom; z >= entry.MinZoom; z-- {
		s, err := r.RenderTiles(ctx, raster, z, outDir)
		stats.add(s)
		if err != nil {
			return stats, &ChartError{Path: entry.Path, Err: err}
		}
		r.logger.Debug("rendered zoom",
			zap.String("chart", entry.Name),
			zap.Int("zoom", z),
			zap.Int("written", s.Written),
			zap.Int("existing", s.Existing))
	}

	if stats.Written == 0 && stats.Existing == 0 {
		r.logger.Warn("chart produced no tiles", zap.String("chart", entry.Path))
		return stats, nil
	}
	tj := NewTileJSON(entry.Name, raster.Bounds(), entry.MinZoom, entry.MaxZoom, "")
	if err := WriteTileJSON(outDir, tj); err != nil {
		return stats, &ChartError{Path: entry.Path, Err: err}
	}
	return stats, nil
}

// RenderResult is the outcome of rendering one chart of a catalog.
type RenderResult struct {
	Entry CatalogEntry
	Stats RenderStats
	Err   error
}

// RenderCatalogOptions configures RenderCatalog.
type RenderCatalogOptions struct {
	Workers int
	Raster  RasterConfig
	Render  RenderOptions
	// Cutline masks every chart to its own outline.
	Cutline bool
	Metrics *Metrics
}

// RenderCatalog renders every entry into <dir>/<chart name> on a bounded
// pool of goroutines. A failing chart never stops the others; failures are
// reported in the returned results, in catalog order.
func RenderCatalog(ctx context.Context, logger *zap.Logger, entries []CatalogEntry, dir string, opts RenderCatalogOptions) []RenderResult {
	results := make([]RenderResult, len(entries))
	renderer := NewRenderer(logger, opts.Render, opts.Metrics)
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	bar := getProgressWriter().NewCountProgress(int64(len(entries)), "rendering charts")
	defer bar.Close()

	var g errgroup.Group
	g.SetLimit(workers)
	for i, entry := range entries {
		g.Go(func() error {
			rd := renderer
			if opts.Cutline {
				rd = renderer.WithCutline(entry.Outline)
			}
			stats, err := rd.RenderChart(ctx, entry, filepath.Join(dir, entry.TileDirName()), opts.Raster)
			results[i] = RenderResult{Entry: entry, Stats: stats, Err: err}
			opts.Metrics.chartRendered(err)
			if err != nil {
				logger.Error("rendering chart", zap.String("chart", entry.Path), zap.Error(err))
			} else {
				logger.Info("rendered chart",
					zap.String("chart", entry.Name),
					zap.Int("written", stats.Written),
					zap.Int("existing", stats.Existing))
			}
			bar.Add(1)
			return nil
		})
	}
	// Jobs record failures in results and never return an error.
	g.Wait()
	return results
}

// RenderErrors collects the failures of a catalog render.
func RenderErrors(results []RenderResult) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

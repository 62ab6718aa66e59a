package mxmcc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

const catalogHeader = "path\tname\tmin_zoom\tmax_zoom\tscale\tdate\tdepths\toutline"

// CatalogEntry is one chart of a region catalog.
type CatalogEntry struct {
	Path       string
	Name       string
	MinZoom    int
	MaxZoom    int
	Scale      int
	Updated    string
	DepthUnits string
	Outline    orb.Ring
}

// TileDirName is the directory the chart's tiles are rendered into.
func (e CatalogEntry) TileDirName() string {
	return chartName(e.Path)
}

// Bounds is the outline box of the chart.
func (e CatalogEntry) Bounds() Bounds {
	return OutlineBounds(e.Outline)
}

// Catalog lists the charts of a region by descending scale. Charts with equal
// scale keep the order they were listed in.
type Catalog struct {
	Region  string
	Entries []CatalogEntry
}

// CatalogPath is where the catalog of region is stored.
func CatalogPath(dir, region string) string {
	return filepath.Join(dir, normalizeRegion(region)+".tsv")
}

// BuildCatalog looks up every chart path. Charts the lookup rejects are
// logged and left out. zoomLevels is how many zooms each chart renders,
// counting down from its selected zoom.
func BuildCatalog(logger *zap.Logger, region string, paths []string, lookup ChartLookup, zoomLevels int) (*Catalog, error) {
	if zoomLevels < 1 {
		zoomLevels = 1
	}
	c := &Catalog{Region: normalizeRegion(region)}
	for _, path := range paths {
		info, err := lookup.Lookup(path)
		if err != nil {
			return nil, err
		}
		if !info.IsValid() {
			logger.Warn("skipping invalid chart", zap.String("chart", path), zap.String("name", info.Name()))
			continue
		}
		zoom := info.Zoom()
		c.Entries = append(c.Entries, CatalogEntry{
			Path:       path,
			Name:       info.Name(),
			MinZoom:    max(0, zoom-zoomLevels+1),
			MaxZoom:    zoom,
			Scale:      info.Scale(),
			Updated:    info.Updated(),
			DepthUnits: info.DepthUnits(),
			Outline:    info.Outline(),
		})
	}
	c.Sort()
	logger.Info("built catalog", zap.String("region", c.Region), zap.Int("charts", len(c.Entries)))
	return c, nil
}

// Sort orders entries by descending scale, keeping ties stable.
func (c *Catalog) Sort() {
	sort.SliceStable(c.Entries, func(i, j int) bool {
		return c.Entries[i].Scale > c.Entries[j].Scale
	})
}

// Bounds is the union of every chart's bounds.
func (c *Catalog) Bounds() Bounds {
	var b orb.Bound
	first := true
	for _, e := range c.Entries {
		for _, s := range SplitBounds(e.Bounds()) {
			if first {
				b, first = s.Bound(), false
			} else {
				b = b.Union(s.Bound())
			}
		}
	}
	return BoundsFromOrb(b)
}

// ZoomRange is the lowest and highest zoom of any chart.
func (c *Catalog) ZoomRange() (int, int) {
	lo, hi := MaxZoom, 0
	for _, e := range c.Entries {
		lo, hi = min(lo, e.MinZoom), max(hi, e.MaxZoom)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// Write serializes the catalog as tab separated values with a header row.
func (c *Catalog) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, catalogHeader)
	for _, e := range c.Entries {
		fields := []string{
			e.Path, e.Name, strconv.Itoa(e.MinZoom), strconv.Itoa(e.MaxZoom), strconv.Itoa(e.Scale),
			e.Updated, e.DepthUnits, FormatOutline(e.Outline),
		}
		for i, f := range fields {
			fields[i] = strings.NewReplacer("\t", " ", "\n", " ").Replace(f)
		}
		fmt.Fprintln(bw, strings.Join(fields, "\t"))
	}
	return bw.Flush()
}

// Save writes the catalog to CatalogPath(dir, c.Region).
func (c *Catalog) Save(dir string) error {
	f, err := os.Create(CatalogPath(dir, c.Region))
	if err != nil {
		return err
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCatalog parses a catalog written by Write.
func ReadCatalog(region string, r io.Reader) (*Catalog, error) {
	c := &Catalog{Region: normalizeRegion(region)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if line == 1 || strings.TrimSpace(text) == "" {
			continue
		}
		f := strings.Split(text, "\t")
		if len(f) != 8 {
			return nil, fmt.Errorf("catalog line %d has %d fields, want 8", line, len(f))
		}
		e := CatalogEntry{Path: f[0], Name: f[1], Updated: f[5], DepthUnits: f[6]}
		var err error
		if e.MinZoom, err = strconv.Atoi(f[2]); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}
		if e.MaxZoom, err = strconv.Atoi(f[3]); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}
		if e.Scale, err = strconv.Atoi(f[4]); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}
		if e.Outline, err = ParseOutline(f[7]); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}
		c.Entries = append(c.Entries, e)
	}
	return c, sc.Err()
}

// LoadCatalog reads the catalog of region from dir.
func LoadCatalog(dir, region string) (*Catalog, error) {
	f, err := os.Open(CatalogPath(dir, region))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCatalog(region, f)
}

// GeoJSON exports the chart outlines as a feature collection.
func (c *Catalog) GeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, e := range c.Entries {
		f := geojson.NewFeature(OutlineGeometry(e.Outline))
		f.Properties["name"] = e.Name
		f.Properties["file"] = filepath.Base(e.Path)
		f.Properties["scale"] = e.Scale
		f.Properties["min_zoom"] = e.MinZoom
		f.Properties["max_zoom"] = e.MaxZoom
		f.Properties["updated"] = e.Updated
		f.Properties["depths"] = e.DepthUnits
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes the outline collection to path.
func (c *Catalog) WriteGeoJSON(path string) error {
	b, err := json.Marshal(c.GeoJSON())
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

type indexedChart struct {
	entry    CatalogEntry
	rank     int
	bounds   Bounds
	geometry orb.MultiPolygon
}

func (c *indexedChart) Bounds() rtreego.Rect {
	const epsilon = 1e-6
	w := c.bounds.East - c.bounds.West
	h := c.bounds.North - c.bounds.South
	rect, _ := rtreego.NewRect(rtreego.Point{c.bounds.West, c.bounds.South}, []float64{max(w, epsilon), max(h, epsilon)})
	return rect
}

// CoverageIndex answers which charts cover a point, in catalog priority order.
type CoverageIndex struct {
	tree *rtreego.Rtree
}

// Index builds a spatial index over the chart outlines. Charts crossing the
// antimeridian are inserted once per hemisphere.
func (c *Catalog) Index() *CoverageIndex {
	tree := rtreego.NewTree(2, 25, 50)
	for i, e := range c.Entries {
		geometry := OutlineGeometry(e.Outline)
		for _, s := range SplitBounds(e.Bounds()) {
			tree.Insert(&indexedChart{entry: e, rank: i, bounds: s, geometry: geometry})
		}
	}
	return &CoverageIndex{tree: tree}
}

// ChartsAt lists the charts whose outline contains the point, highest
// priority first.
func (idx *CoverageIndex) ChartsAt(lat, lon float64) []CatalogEntry {
	const epsilon = 1e-9
	rect, _ := rtreego.NewRect(rtreego.Point{lon, lat}, []float64{epsilon, epsilon})
	var hits []*indexedChart
	seen := map[int]bool{}
	for _, s := range idx.tree.SearchIntersect(rect) {
		ic := s.(*indexedChart)
		if seen[ic.rank] || !OutlineContains(ic.geometry, orb.Point{lon, lat}) {
			continue
		}
		seen[ic.rank] = true
		hits = append(hits, ic)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })
	out := make([]CatalogEntry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}

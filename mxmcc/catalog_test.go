package mxmcc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChart struct {
	name  string
	scale int
	zoom  int
	ring  orb.Ring
	valid bool
}

func (c fakeChart) Name() string       { return c.name }
func (c fakeChart) Scale() int         { return c.scale }
func (c fakeChart) Zoom() int          { return c.zoom }
func (c fakeChart) Outline() orb.Ring  { return c.ring }
func (c fakeChart) DepthUnits() string { return "METERS" }
func (c fakeChart) Updated() string    { return "2020-01-01" }
func (c fakeChart) IsValid() bool      { return c.valid }

type fakeLookup map[string]fakeChart

func (l fakeLookup) Lookup(path string) (ChartInfo, error) {
	c, ok := l[path]
	if !ok {
		return nil, &ChartError{Path: path, Err: fmt.Errorf("unknown")}
	}
	return c, nil
}

func box(west, south, east, north float64) orb.Ring {
	return orb.Ring{{west, north}, {east, north}, {east, south}, {west, south}, {west, north}}
}

func testCatalog(t *testing.T) *Catalog {
	lookup := fakeLookup{
		"/c/a.kap":     {name: "A", scale: 20000, zoom: 15, ring: box(0, 0, 1, 1), valid: true},
		"/c/b.kap":     {name: "B", scale: 80000, zoom: 13, ring: box(0, 0, 2, 2), valid: true},
		"/c/c.kap":     {name: "C", scale: 20000, zoom: 15, ring: box(0.5, 0.5, 1.5, 1.5), valid: true},
		"/c/cover.kap": {name: "Cover for Chart 1", scale: 1000, valid: false},
	}
	c, err := BuildCatalog(zap.NewNop(), "region_t", []string{"/c/a.kap", "/c/b.kap", "/c/c.kap", "/c/cover.kap"}, lookup, 2)
	require.Nil(t, err)
	return c
}

func TestBuildCatalogSortsStable(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, "REGION_T", c.Region)
	require.Len(t, c.Entries, 3)
	assert.Equal(t, "B", c.Entries[0].Name)
	assert.Equal(t, "A", c.Entries[1].Name)
	assert.Equal(t, "C", c.Entries[2].Name)
	assert.Equal(t, 14, c.Entries[1].MinZoom)
	assert.Equal(t, 15, c.Entries[1].MaxZoom)
	assert.Equal(t, "a", c.Entries[1].TileDirName())

	lo, hi := c.ZoomRange()
	assert.Equal(t, 12, lo)
	assert.Equal(t, 15, hi)
	assert.Equal(t, Bounds{West: 0, North: 2, East: 2, South: 0}, c.Bounds())
}

func TestBuildCatalogLookupError(t *testing.T) {
	_, err := BuildCatalog(zap.NewNop(), "r", []string{"/missing.kap"}, fakeLookup{}, 1)
	assert.NotNil(t, err)
}

func TestCatalogRoundTrip(t *testing.T) {
	c := testCatalog(t)
	var b bytes.Buffer
	require.Nil(t, c.Write(&b))
	assert.Contains(t, b.String(), catalogHeader+"\n")

	back, err := ReadCatalog("region_t", &b)
	require.Nil(t, err)
	assert.Equal(t, c, back)

	dir := t.TempDir()
	require.Nil(t, c.Save(dir))
	assert.FileExists(t, filepath.Join(dir, "REGION_T.tsv"))
	loaded, err := LoadCatalog(dir, "Region_T")
	require.Nil(t, err)
	assert.Equal(t, c.Entries, loaded.Entries)
}

func TestReadCatalogMalformed(t *testing.T) {
	_, err := ReadCatalog("r", bytes.NewBufferString(catalogHeader+"\n/a.kap\tA\n"))
	assert.NotNil(t, err)
	_, err = ReadCatalog("r", bytes.NewBufferString(catalogHeader+"\n/a.kap\tA\tx\t1\t1\td\tu\t\n"))
	assert.NotNil(t, err)
}

func TestCatalogGeoJSON(t *testing.T) {
	fc := testCatalog(t).GeoJSON()
	require.Len(t, fc.Features, 3)
	assert.Equal(t, "B", fc.Features[0].Properties["name"])
	assert.Equal(t, "b.kap", fc.Features[0].Properties["file"])
	b, err := json.Marshal(fc)
	require.Nil(t, err)
	assert.Contains(t, string(b), `"MultiPolygon"`)
}

func TestCoverageIndex(t *testing.T) {
	idx := testCatalog(t).Index()
	hits := idx.ChartsAt(0.75, 0.75)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"B", "A", "C"}, []string{hits[0].Name, hits[1].Name, hits[2].Name})

	hits = idx.ChartsAt(1.75, 1.75)
	require.Len(t, hits, 1)
	assert.Equal(t, "B", hits[0].Name)

	assert.Empty(t, idx.ChartsAt(10, 10))
}

func TestCoverageIndexDateline(t *testing.T) {
	c := &Catalog{Entries: []CatalogEntry{{Name: "X", Outline: orb.Ring{{179, 1}, {-179, 1}, {-179, -1}, {179, -1}, {179, 1}}}}}
	idx := c.Index()
	assert.Len(t, idx.ChartsAt(0, 179.5), 1)
	assert.Len(t, idx.ChartsAt(0, -179.5), 1)
	assert.Empty(t, idx.ChartsAt(0, 0))
}

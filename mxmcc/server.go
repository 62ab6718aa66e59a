package mxmcc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var tilePattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\/(\d+)\/(\d+)\/(\d+)\.png$`)
var metadataPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\/metadata$`)
var tileJSONPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\.json$`)

// tileSource is anything the preview server can read tiles from.
type tileSource interface {
	Tile(t Tile) ([]byte, error)
	Close() error
}

// tileTreeSource serves a rendered <z>/<x>/<y>.png directory.
type tileTreeSource struct {
	dir string
}

func (s tileTreeSource) Tile(t Tile) ([]byte, error) {
	b, err := os.ReadFile(t.Path(s.dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (tileTreeSource) Close() error { return nil }

// Server serves tiles, TileJSON and metadata for every tile tree and
// archive below a directory.
type Server struct {
	logger         *zap.Logger
	dir            string
	publicURL      string
	metrics        *Metrics
	mu             sync.Mutex
	sources        map[string]tileSource
	contentTypes   map[string]string
	tileJSONCached map[string][]byte
}

// NewServer serves the contents of dir. publicURL is the base written into
// TileJSON tile templates; empty means relative URLs.
func NewServer(logger *zap.Logger, dir, publicURL string, metrics *Metrics) (*Server, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, &ConfigError{Field: "serve", Err: fmt.Errorf("%s is not a directory", dir)}
	}
	return &Server{
		logger:         logger,
		dir:            dir,
		publicURL:      strings.TrimSuffix(publicURL, "/"),
		metrics:        metrics,
		sources:        make(map[string]tileSource),
		contentTypes:   make(map[string]string),
		tileJSONCached: make(map[string][]byte),
	}, nil
}

// Close releases every open archive.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, src := range s.sources {
		errs = append(errs, src.Close())
		delete(s.sources, name)
	}
	return errors.Join(errs...)
}

func cleanName(name string) (string, bool) {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", false
	}
	return filepath.FromSlash(name), true
}

// open resolves name to a tile tree or archive, caching the open handle.
func (s *Server) open(name string) (tileSource, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[name]; ok {
		return src, s.contentTypes[name], nil
	}
	rel, ok := cleanName(name)
	if !ok {
		return nil, "", nil
	}
	base := filepath.Join(s.dir, rel)
	var src tileSource
	contentType := "image/png"
	if st, err := os.Stat(base); err == nil && st.IsDir() {
		src = tileTreeSource{dir: base}
	} else if _, err := os.Stat(base + ".pmtiles"); err == nil {
		p, err := OpenPMTiles(base + ".pmtiles")
		if err != nil {
			return nil, "", err
		}
		src, contentType = p, p.Header.contentType()
	} else if _, err := os.Stat(base + ".mbtiles"); err == nil {
		m, err := OpenMBTiles(base + ".mbtiles")
		if err != nil {
			return nil, "", err
		}
		src = m
	} else if _, err := os.Stat(base + ".gemf"); err == nil {
		g, err := OpenGemf(base+".gemf", false)
		if err != nil {
			return nil, "", err
		}
		src = g
	} else if _, err := os.Stat(base + ".sgemf"); err == nil {
		g, err := OpenGemf(base+".sgemf", true)
		if err != nil {
			return nil, "", err
		}
		src = g
	} else {
		return nil, "", nil
	}
	s.sources[name] = src
	s.contentTypes[name] = contentType
	return src, contentType, nil
}

func (s *Server) describe(name string, src tileSource) (TileJSON, error) {
	tileURL := s.publicURL + "/" + name
	switch v := src.(type) {
	case tileTreeSource:
		tj, err := ReadTileJSON(v.dir)
		if err != nil {
			zooms, zerr := ZoomDirs(v.dir)
			if zerr != nil || len(zooms) == 0 {
				return TileJSON{}, err
			}
			tj = NewTileJSON(name, Bounds{West: -180, North: 85.0511, East: 180, South: -85.0511}, zooms[0], zooms[len(zooms)-1], "")
		}
		tj.Tiles = []string{tileURL + "/{z}/{x}/{y}.png"}
		return tj, nil
	case *PMTiles:
		h := v.Header
		b := Bounds{
			West:  float64(h.MinLonE7) / 1e7,
			South: float64(h.MinLatE7) / 1e7,
			East:  float64(h.MaxLonE7) / 1e7,
			North: float64(h.MaxLatE7) / 1e7,
		}
		tj := NewTileJSON(name, b, int(h.MinZoom), int(h.MaxZoom), tileURL)
		if md, err := v.Metadata(); err == nil {
			if d, ok := md["description"].(string); ok {
				tj.Description = d
			}
		}
		return tj, nil
	case *MBTiles:
		md, err := v.Metadata()
		if err != nil {
			return TileJSON{}, err
		}
		minZoom, _ := strconv.Atoi(md["minzoom"])
		maxZoom, _ := strconv.Atoi(md["maxzoom"])
		var b Bounds
		parts := strings.Split(md["bounds"], ",")
		if len(parts) == 4 {
			b.West, _ = strconv.ParseFloat(parts[0], 64)
			b.South, _ = strconv.ParseFloat(parts[1], 64)
			b.East, _ = strconv.ParseFloat(parts[2], 64)
			b.North, _ = strconv.ParseFloat(parts[3], 64)
		}
		tj := NewTileJSON(name, b, minZoom, maxZoom, tileURL)
		tj.Description = md["description"]
		return tj, nil
	case *GemfReader:
		if len(v.Ranges) == 0 {
			return TileJSON{}, fmt.Errorf("%s has no ranges", name)
		}
		first, last := v.Ranges[0], v.Ranges[len(v.Ranges)-1]
		b := Bounds{West: 180, North: -90, East: -180, South: 90}
		for _, r := range v.Ranges {
			if r.Zoom != last.Zoom {
				continue
			}
			nwx, nwy := TileToPixel(int(r.XMin), int(r.YMin))
			sex, sey := TileToPixel(int(r.XMax)+1, int(r.YMax)+1)
			north, west := PixelToLatLng(float64(nwx), float64(nwy), int(r.Zoom))
			south, east := PixelToLatLng(float64(sex), float64(sey), int(r.Zoom))
			b.West, b.North = min(b.West, west), max(b.North, north)
			b.East, b.South = max(b.East, east), min(b.South, south)
		}
		return NewTileJSON(name, b, int(first.Zoom), int(last.Zoom), tileURL), nil
	}
	return TileJSON{}, fmt.Errorf("unknown source %T", src)
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

func (s *Server) getTileJSON(name string) (int, map[string]string, []byte) {
	s.mu.Lock()
	cached, ok := s.tileJSONCached[name]
	s.mu.Unlock()
	if ok {
		return 200, jsonHeaders(), cached
	}
	src, _, err := s.open(name)
	if err != nil {
		s.logger.Error("opening source", zap.String("name", name), zap.Error(err))
		return 500, nil, []byte("I/O error")
	}
	if src == nil {
		return 404, nil, []byte("Tileset not found")
	}
	tj, err := s.describe(name, src)
	if err != nil {
		s.logger.Error("describing source", zap.String("name", name), zap.Error(err))
		return 500, nil, []byte("I/O error")
	}
	b, err := json.Marshal(tj)
	if err != nil {
		return 500, nil, []byte("Error generating tilejson")
	}
	s.mu.Lock()
	s.tileJSONCached[name] = b
	s.mu.Unlock()
	return 200, jsonHeaders(), b
}

func (s *Server) getMetadata(name string) (int, map[string]string, []byte) {
	src, _, err := s.open(name)
	if err != nil {
		s.logger.Error("opening source", zap.String("name", name), zap.Error(err))
		return 500, nil, []byte("I/O error")
	}
	if src == nil {
		return 404, nil, []byte("Tileset not found")
	}
	var md any
	switch v := src.(type) {
	case *PMTiles:
		md, err = v.Metadata()
	case *MBTiles:
		md, err = v.Metadata()
	default:
		md, err = s.describe(name, src)
	}
	if err != nil {
		s.logger.Error("reading metadata", zap.String("name", name), zap.Error(err))
		return 500, nil, []byte("I/O error")
	}
	b, err := json.Marshal(md)
	if err != nil {
		return 500, nil, []byte("Error encoding metadata")
	}
	return 200, jsonHeaders(), b
}

func (s *Server) getTile(name string, z uint8, x, y uint32) (int, map[string]string, []byte) {
	src, contentType, err := s.open(name)
	if err != nil {
		s.logger.Error("opening source", zap.String("name", name), zap.Error(err))
		return 500, nil, []byte("I/O error")
	}
	if src == nil {
		return 404, nil, []byte("Tileset not found")
	}
	if z > MaxZoom || uint64(x) >= 1<<z || uint64(y) >= 1<<z {
		return 400, nil, []byte("Tile out of range")
	}
	data, err := src.Tile(Tile{Z: z, X: x, Y: y})
	if err != nil {
		s.logger.Error("reading tile", zap.String("name", name), zap.Error(err))
		return 500, nil, []byte("I/O error")
	}
	if len(data) == 0 {
		return 204, nil, nil
	}
	return 200, map[string]string{"Content-Type": contentType}, data
}

func parseTilePath(path string) (bool, string, uint8, uint32, uint32) {
	if res := tilePattern.FindStringSubmatch(path); res != nil {
		z, zerr := strconv.ParseUint(res[2], 10, 8)
		x, xerr := strconv.ParseUint(res[3], 10, 32)
		y, yerr := strconv.ParseUint(res[4], 10, 32)
		if zerr != nil || xerr != nil || yerr != nil {
			return false, "", 0, 0, 0
		}
		return true, res[1], uint8(z), uint32(x), uint32(y)
	}
	return false, "", 0, 0, 0
}

func parseTileJSONPath(path string) (bool, string) {
	if res := tileJSONPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

func parseMetadataPath(path string) (bool, string) {
	if res := metadataPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

// Get answers one request path with a status, headers and body.
func (s *Server) Get(ctx context.Context, path string) (int, map[string]string, []byte) {
	handler := "tile"
	start := time.Now()
	status, headers, body := s.get(path, &handler)
	s.metrics.request(handler, status, start)
	return status, headers, body
}

func (s *Server) get(path string, handler *string) (int, map[string]string, []byte) {
	if path == "/" || path == "" {
		*handler = "root"
		return 204, nil, nil
	}
	if ok, name, z, x, y := parseTilePath(path); ok {
		return s.getTile(name, z, x, y)
	}
	if ok, name := parseTileJSONPath(path); ok {
		*handler = "tilejson"
		return s.getTileJSON(name)
	}
	if ok, name := parseMetadataPath(path); ok {
		*handler = "metadata"
		return s.getMetadata(name)
	}
	*handler = "404"
	return 404, nil, []byte("Path not found")
}

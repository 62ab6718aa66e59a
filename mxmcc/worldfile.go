package mxmcc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"
)

const (
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735

	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072
)

var errNoGeoTags = errors.New("no GeoTIFF tags")

// ReadWorldFile parses the six line world file format (A, D, B, E, C, F)
// into a geotransform anchored at the outer corner of the first pixel.
func ReadWorldFile(r io.Reader) (GeoTransform, error) {
	var v []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return GeoTransform{}, fmt.Errorf("malformed world file value %q: %w", line, err)
		}
		v = append(v, f)
	}
	if err := sc.Err(); err != nil {
		return GeoTransform{}, err
	}
	if len(v) < 6 {
		return GeoTransform{}, fmt.Errorf("world file has %d values, want 6", len(v))
	}
	a, d, b, e, c, f := v[0], v[1], v[2], v[3], v[4], v[5]
	return GeoTransform{c - a/2 - b/2, a, b, f - d/2 - e/2, d, e}, nil
}

func worldFileCandidates(path string) []string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	var exts []string
	if len(ext) == 4 {
		exts = append(exts, "."+string(ext[1])+string(ext[3])+"w")
	}
	exts = append(exts, ext+"w", ".wld")
	var out []string
	for _, e := range exts {
		out = append(out, base+e, base+strings.ToUpper(e))
	}
	return out
}

func findWorldFile(path string) (GeoTransform, error) {
	for _, candidate := range worldFileCandidates(path) {
		f, err := os.Open(candidate)
		if err != nil {
			continue
		}
		gt, err := ReadWorldFile(f)
		f.Close()
		if err != nil {
			return GeoTransform{}, fmt.Errorf("%s: %w", candidate, err)
		}
		return gt, nil
	}
	return GeoTransform{}, fmt.Errorf("no world file found for %s", path)
}

type geoTags struct {
	pixelScale []float64
	tiepoint   []float64
	epsg       int
}

// readGeoTags pulls the georeferencing tags out of the first IFD of a TIFF.
func readGeoTags(r io.ReaderAt) (geoTags, error) {
	var tags geoTags
	hdr := make([]byte, 8)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return tags, err
	}
	var bo binary.ByteOrder
	switch string(hdr[0:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return tags, fmt.Errorf("not a TIFF file")
	}
	if bo.Uint16(hdr[2:4]) != 42 {
		return tags, fmt.Errorf("unsupported TIFF variant")
	}
	ifd := int64(bo.Uint32(hdr[4:8]))
	countBuf := make([]byte, 2)
	if _, err := r.ReadAt(countBuf, ifd); err != nil {
		return tags, err
	}
	n := int(bo.Uint16(countBuf))
	entries := make([]byte, n*12)
	if _, err := r.ReadAt(entries, ifd+2); err != nil {
		return tags, err
	}
	var geoKeys []uint16
	for i := 0; i < n; i++ {
		e := entries[i*12 : i*12+12]
		tag, typ, count := bo.Uint16(e[0:2]), bo.Uint16(e[2:4]), int(bo.Uint32(e[4:8]))
		switch tag {
		case tagModelPixelScale, tagModelTiepoint:
			if typ != 12 {
				return tags, fmt.Errorf("tag %d has type %d, want DOUBLE", tag, typ)
			}
			buf := make([]byte, count*8)
			if _, err := r.ReadAt(buf, int64(bo.Uint32(e[8:12]))); err != nil {
				return tags, err
			}
			vals := make([]float64, count)
			for j := range vals {
				vals[j] = math.Float64frombits(bo.Uint64(buf[j*8:]))
			}
			if tag == tagModelPixelScale {
				tags.pixelScale = vals
			} else {
				tags.tiepoint = vals
			}
		case tagGeoKeyDirectory:
			buf := make([]byte, count*2)
			if count <= 2 {
				copy(buf, e[8:8+count*2])
			} else if _, err := r.ReadAt(buf, int64(bo.Uint32(e[8:12]))); err != nil {
				return tags, err
			}
			geoKeys = make([]uint16, count)
			for j := range geoKeys {
				geoKeys[j] = bo.Uint16(buf[j*2:])
			}
		}
	}
	if len(tags.pixelScale) < 2 || len(tags.tiepoint) < 6 {
		return tags, errNoGeoTags
	}
	if len(geoKeys) >= 4 {
		for i := 0; i < int(geoKeys[3]); i++ {
			base := 4 + i*4
			if base+3 >= len(geoKeys) {
				break
			}
			if k := geoKeys[base]; (k == geoKeyProjectedCSType || k == geoKeyGeographicType) && geoKeys[base+3] > 0 {
				tags.epsg = int(geoKeys[base+3])
				break
			}
		}
	}
	return tags, nil
}

func (t geoTags) geoTransform() GeoTransform {
	sx, sy := t.pixelScale[0], t.pixelScale[1]
	originX := t.tiepoint[3] - t.tiepoint[0]*sx
	originY := t.tiepoint[4] + t.tiepoint[1]*sy
	return GeoTransform{originX, sx, 0, originY, 0, -sy}
}

// OpenReferencedImage decodes a PNG, JPEG or TIFF and georeferences it from
// its GeoTIFF tags or a sidecar world file.
func OpenReferencedImage(path string, cfg RasterConfig) (GeoRaster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	crs := cfg.CRS
	if crs == 0 {
		crs = Mercator
	}
	var gt GeoTransform
	haveTags := false
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".tif" || ext == ".tiff" {
		tags, err := readGeoTags(f)
		switch {
		case err == nil:
			gt, haveTags = tags.geoTransform(), true
			if tags.epsg == int(Mercator) || tags.epsg == 900913 || tags.epsg == 3785 {
				crs = Mercator
			} else if tags.epsg == int(Geographic) {
				crs = Geographic
			}
		case !errors.Is(err, errNoGeoTags):
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
	if !haveTags {
		if gt, err = findWorldFile(path); err != nil {
			return nil, err
		}
	}

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return NewImageRaster(img, gt, crs)
}

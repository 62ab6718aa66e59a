package mxmcc

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"golang.org/x/text/encoding/charmap"
)

const (
	bsbHeaderEnd = 0x1A
	depthUnknown = "Unknown"
)

// BsbRef ties a raster pixel to a geographic coordinate.
type BsbRef struct {
	X, Y     float64
	Lat, Lon float64
}

// BsbHeader is the text header of a BSB/KAP chart.
type BsbHeader struct {
	Name       string
	Scale      int
	Projection string
	Datum      string
	DepthUnits string
	Updated    string
	Width      int
	Height     int
	Palette    color.Palette
	Refs       []BsbRef
	Outline    orb.Ring
	Lines      []string
}

// IsValid reports whether the chart can be placed in a catalog.
func (h *BsbHeader) IsValid() bool {
	return h.Scale > 0 && !strings.Contains(h.Name, "Cover for Chart")
}

// Zoom is the pyramid zoom for the chart scale at the outline center.
func (h *BsbHeader) Zoom() int {
	if h.Scale <= 0 {
		return 0
	}
	return SelectZoom(h.Scale, OutlineCenter(h.Outline)[1])
}

// HasDuplicateRefs reports whether any reference point is listed twice.
func (h *BsbHeader) HasDuplicateRefs() bool {
	seen := make(map[BsbRef]bool, len(h.Refs))
	for _, r := range h.Refs {
		if seen[r] {
			return true
		}
		seen[r] = true
	}
	return false
}

type bsbRecord struct {
	tag    string
	fields []string
}

// value returns the field named key, joining any unnamed fields that follow.
func (r bsbRecord) value(key string) (string, bool) {
	prefix := key + "="
	for i, f := range r.fields {
		if strings.HasPrefix(f, prefix) {
			v := strings.TrimPrefix(f, prefix)
			for _, next := range r.fields[i+1:] {
				if strings.Contains(next, "=") {
					break
				}
				v += "," + next
			}
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func splitBsbRecords(lines []string) []bsbRecord {
	var records []bsbRecord
	for _, line := range lines {
		if strings.HasPrefix(line, "!") || strings.TrimSpace(line) == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(records) > 0 {
			last := &records[len(records)-1]
			last.fields = append(last.fields, splitBsbFields(strings.TrimSpace(line))...)
			continue
		}
		slash := strings.Index(line, "/")
		if slash <= 0 {
			continue
		}
		records = append(records, bsbRecord{tag: strings.ToUpper(line[:slash]), fields: splitBsbFields(line[slash+1:])})
	}
	return records
}

func splitBsbFields(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadBsbHeader reads header lines up to the 0x1A terminator. The reader is
// left positioned on the byte after the terminator.
func ReadBsbHeader(r *bufio.Reader) (*BsbHeader, error) {
	raw, err := r.ReadBytes(bsbHeaderEnd)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("BSB header terminator not found")
		}
		return nil, err
	}
	text, err := charmap.Windows1252.NewDecoder().Bytes(raw[:len(raw)-1])
	if err != nil {
		return nil, err
	}

	h := &BsbHeader{DepthUnits: depthUnknown}
	for _, line := range strings.Split(string(text), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			h.Lines = append(h.Lines, line)
		}
	}

	palette := map[int]color.NRGBA{}
	maxIndex := 0
	for _, rec := range splitBsbRecords(h.Lines) {
		switch rec.tag {
		case "BSB", "NOS":
			if v, ok := rec.value("NA"); ok && h.Name == "" {
				h.Name = strings.ReplaceAll(v, "'", "")
			}
			if v, ok := rec.value("RA"); ok {
				parts := strings.Split(v, ",")
				if len(parts) >= 2 {
					h.Width, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
					h.Height, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
				}
			}
		case "KNP":
			if v, ok := rec.value("SC"); ok {
				h.Scale, _ = strconv.Atoi(v)
			}
			if v, ok := rec.value("PR"); ok {
				h.Projection = v
			}
			if v, ok := rec.value("GD"); ok {
				h.Datum = v
			}
			if v, ok := rec.value("UN"); ok {
				h.DepthUnits = v
			}
		case "CED":
			if v, ok := rec.value("ED"); ok {
				h.Updated = v
			}
		case "REF":
			vals, err := parseFloats(rec.fields)
			if err != nil || len(vals) < 5 {
				return nil, fmt.Errorf("malformed REF record %v", rec.fields)
			}
			h.Refs = append(h.Refs, BsbRef{X: vals[1], Y: vals[2], Lat: vals[3], Lon: vals[4]})
		case "PLY":
			vals, err := parseFloats(rec.fields)
			if err != nil || len(vals) < 3 {
				return nil, fmt.Errorf("malformed PLY record %v", rec.fields)
			}
			h.Outline = append(h.Outline, orb.Point{vals[2], vals[1]})
		case "RGB":
			vals, err := parseFloats(rec.fields)
			if err != nil || len(vals) < 4 {
				return nil, fmt.Errorf("malformed RGB record %v", rec.fields)
			}
			i := int(vals[0])
			palette[i] = color.NRGBA{uint8(vals[1]), uint8(vals[2]), uint8(vals[3]), 255}
			if i > maxIndex {
				maxIndex = i
			}
		}
	}
	h.Outline = closeRing(h.Outline)
	if len(palette) > 0 {
		h.Palette = make(color.Palette, 256)
		for i := range h.Palette {
			h.Palette[i] = color.NRGBA{}
		}
		for i, c := range palette {
			if i >= 0 && i < 256 {
				h.Palette[i] = c
			}
		}
	}
	return h, nil
}

// ReadBsbHeaderFile reads the header of the chart at path.
func ReadBsbHeaderFile(path string) (*BsbHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := ReadBsbHeader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// GeoTransform fits an affine pixel to Mercator transform to the reference
// points by least squares.
func (h *BsbHeader) GeoTransform() (GeoTransform, error) {
	if len(h.Refs) < 3 {
		return GeoTransform{}, fmt.Errorf("chart has %d reference points, need 3", len(h.Refs))
	}
	minLon, maxLon := math.Inf(1), math.Inf(-1)
	for _, r := range h.Refs {
		minLon, maxLon = math.Min(minLon, r.Lon), math.Max(maxLon, r.Lon)
	}
	wrap := maxLon-minLon > 180

	var n [3][3]float64
	var bx, by [3]float64
	for _, r := range h.Refs {
		lon := r.Lon
		if wrap && lon < 0 {
			lon += 360
		}
		_, my := LatLngToMeters(r.Lat, 0)
		mx := lonToMetersX(lon)
		row := [3]float64{1, r.X, r.Y}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				n[i][j] += row[i] * row[j]
			}
			bx[i] += row[i] * mx
			by[i] += row[i] * my
		}
	}
	cx, err := solve3(n, bx)
	if err != nil {
		return GeoTransform{}, err
	}
	cy, err := solve3(n, by)
	if err != nil {
		return GeoTransform{}, err
	}
	return GeoTransform{cx[0], cx[1], cx[2], cy[0], cy[1], cy[2]}, nil
}

// solve3 solves a 3x3 linear system by Cramer's rule.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, error) {
	det := func(m [3][3]float64) float64 {
		return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
			m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
			m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	}
	d := det(a)
	if math.Abs(d) < 1e-12 {
		return [3]float64{}, fmt.Errorf("reference points are collinear")
	}
	var out [3]float64
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		out[col] = det(m) / d
	}
	return out, nil
}

func readKapVarint(r io.ByteReader) (int, error) {
	v := 0
	for {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | int(c&0x7f)
		if c&0x80 == 0 {
			return v, nil
		}
	}
}

// decodeKapRaster decodes the run length encoded rows that follow the header.
func decodeKapRaster(r *bufio.Reader, h *BsbHeader, cfg RasterConfig) (*image.Paletted, error) {
	if h.Width <= 0 || h.Height <= 0 {
		return nil, fmt.Errorf("chart has no raster size")
	}
	if h.Palette == nil {
		return nil, fmt.Errorf("chart has no palette")
	}
	depth, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if depth == 0 {
		if depth, err = r.ReadByte(); err != nil {
			return nil, err
		}
	}
	if depth < 1 || depth > 7 {
		return nil, fmt.Errorf("unsupported KAP bit depth %d", depth)
	}
	shift := 7 - uint(depth)
	countMask := byte(1<<shift) - 1

	img := image.NewPaletted(image.Rect(0, 0, h.Width, h.Height), h.Palette)
	base := -1
	for seq := 0; seq < h.Height; seq++ {
		rowNum, err := readKapVarint(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if base < 0 {
			base = rowNum
		}
		row := rowNum - base
		if cfg.IgnoreLineNumbers {
			row = seq
		}
		x := 0
		for {
			c, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", seq, err)
			}
			if c == 0 {
				break
			}
			index := (c & 0x7f) >> shift
			count := int(c & countMask)
			for c&0x80 != 0 {
				if c, err = r.ReadByte(); err != nil {
					return nil, fmt.Errorf("row %d: %w", seq, err)
				}
				count = count<<7 + int(c&0x7f)
			}
			count++
			if row < 0 || row >= h.Height {
				continue
			}
			off := img.PixOffset(0, row)
			for ; count > 0 && x < h.Width; count-- {
				img.Pix[off+x] = index
				x++
			}
		}
	}
	return img, nil
}

type kapRaster struct {
	GeoRaster
	header *BsbHeader
}

// OpenKap decodes a BSB/KAP chart into a georeferenced raster.
func OpenKap(path string, cfg RasterConfig) (GeoRaster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	h, err := ReadBsbHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img, err := decodeKapRaster(br, h, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	gt, err := h.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	raster, err := NewImageRaster(img, gt, Mercator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &kapRaster{GeoRaster: raster, header: h}, nil
}

// Header is the parsed text header of the chart.
func (r *kapRaster) Header() *BsbHeader {
	return r.header
}

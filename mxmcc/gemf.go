package mxmcc

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	gemfVersion      = 4
	gemfUIDSize      = 16
	gemfRangeSize    = 6*4 + 8
	gemfFileInfoSize = 8 + 4

	// GemfSizeLimit is the largest file a GEMF archive is written to before
	// continuing in <name>-1, <name>-2 and so on.
	GemfSizeLimit = 2000000000
)

// GemfExtensions are the tile file names tried in order for every tile.
var GemfExtensions = []string{".png.tile", ".jpg.tile", ".png", ".jpg"}

// GemfOptions configures WriteGemf.
type GemfOptions struct {
	// AddUID prefixes the archive with 16 random bytes, marking its tiles
	// as encrypted.
	AddUID bool
	// AllowEmpty covers every zoom with one range over its bounding box and
	// stores missing tiles with size zero.
	AllowEmpty bool
	// SizeLimit overrides GemfSizeLimit.
	SizeLimit int64
}

// GemfSource is one named tile tree stored in an archive.
type GemfSource struct {
	Name string
	Dir  string
}

// GemfRange is a rectangle of tiles at one zoom whose file infos are
// stored consecutively from Offset.
type GemfRange struct {
	Zoom   uint32
	XMin   uint32
	XMax   uint32
	YMin   uint32
	YMax   uint32
	Source uint32
	Offset uint64
}

func (r GemfRange) count() uint64 {
	return uint64(r.XMax-r.XMin+1) * uint64(r.YMax-r.YMin+1)
}

func (r GemfRange) contains(z, x, y uint32) bool {
	return z == r.Zoom && x >= r.XMin && x <= r.XMax && y >= r.YMin && y <= r.YMax
}

// GemfPath is the archive written for the tile directory called name: its
// extension is dropped and the rest upper cased.
func GemfPath(compiledDir, name string, encrypted bool) string {
	base := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
	ext := ".gemf"
	if encrypted {
		ext = ".sgemf"
	}
	return filepath.Join(compiledDir, base+ext)
}

// zoomColumns maps zoom to column to the sorted rows present.
type zoomColumns map[uint32]map[uint32][]uint32

func scanGemfSource(dir string) (zoomColumns, map[Tile]string, error) {
	files, err := WalkTileFiles(dir, GemfExtensions...)
	if err != nil {
		return nil, nil, err
	}
	cols := make(zoomColumns)
	paths := make(map[Tile]string, len(files))
	for _, f := range files {
		z := uint32(f.Tile.Z)
		if cols[z] == nil {
			cols[z] = make(map[uint32][]uint32)
		}
		cols[z][f.Tile.X] = append(cols[z][f.Tile.X], f.Tile.Y)
		paths[f.Tile] = f.Path
	}
	return cols, paths, nil
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// runs splits sorted values into maximal runs of consecutive values.
func runs(values []uint32) [][2]uint32 {
	var out [][2]uint32
	for i, v := range values {
		if i > 0 && v == out[len(out)-1][1]+1 {
			out[len(out)-1][1] = v
			continue
		}
		out = append(out, [2]uint32{v, v})
	}
	return out
}

// gemfRanges groups the columns of each zoom with identical row sets, splits
// each group into consecutive columns and each row set into consecutive
// rows. Offsets are left zero.
func gemfRanges(cols zoomColumns, source uint32, allowEmpty bool) []GemfRange {
	var out []GemfRange
	for _, z := range sortedKeys(cols) {
		xs := sortedKeys(cols[z])
		var zr []GemfRange
		if allowEmpty {
			r := GemfRange{Zoom: z, XMin: xs[0], XMax: xs[len(xs)-1], YMin: ^uint32(0), Source: source}
			for _, x := range xs {
				ys := cols[z][x]
				r.YMin, r.YMax = min(r.YMin, ys[0]), max(r.YMax, ys[len(ys)-1])
			}
			out = append(out, r)
			continue
		}
		groups := make(map[string][]uint32)
		for _, x := range xs {
			key := rowKey(cols[z][x])
			groups[key] = append(groups[key], x)
		}
		for _, group := range groups {
			ys := runs(cols[z][group[0]])
			for _, xr := range runs(group) {
				for _, yr := range ys {
					zr = append(zr, GemfRange{Zoom: z, XMin: xr[0], XMax: xr[1], YMin: yr[0], YMax: yr[1], Source: source})
				}
			}
		}
		sort.Slice(zr, func(i, j int) bool {
			if zr[i].XMin != zr[j].XMin {
				return zr[i].XMin < zr[j].XMin
			}
			return zr[i].YMin < zr[j].YMin
		})
		out = append(out, zr...)
	}
	return out
}

func rowKey(ys []uint32) string {
	var b strings.Builder
	for i, y := range ys {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(y), 10))
	}
	return b.String()
}

// splitWriter spreads a byte stream over files of at most limit bytes,
// never splitting one tile.
type splitWriter struct {
	base    string
	limit   int64
	f       *os.File
	w       *bufio.Writer
	written int64
	files   []string
}

func newSplitWriter(base string, limit int64) (*splitWriter, error) {
	s := &splitWriter{base: base, limit: limit}
	return s, s.open(base)
}

func (s *splitWriter) open(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	s.f, s.w, s.written = f, bufio.NewWriterSize(f, 1<<20), 0
	s.files = append(s.files, path)
	return nil
}

// reserve starts the next file when n more bytes would pass the limit.
func (s *splitWriter) reserve(n int64) error {
	if s.written+n <= s.limit || s.written == 0 {
		return nil
	}
	if err := s.closeFile(); err != nil {
		return err
	}
	return s.open(fmt.Sprintf("%s-%d", s.base, len(s.files)))
}

func (s *splitWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *splitWriter) closeFile() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// GemfStats summarizes a written archive.
type GemfStats struct {
	Files  []string
	Ranges int
	Tiles  int
	Bytes  int64
}

// WriteGemf stores the tile trees of sources in a GEMF version 4 archive at
// output.
func WriteGemf(logger *zap.Logger, sources []GemfSource, output string, opts GemfOptions) (GemfStats, error) {
	var stats GemfStats
	limit := opts.SizeLimit
	if limit <= 0 {
		limit = GemfSizeLimit
	}

	var ranges []GemfRange
	paths := make([]map[Tile]string, len(sources))
	for i, src := range sources {
		if st, err := os.Stat(src.Dir); err != nil || !st.IsDir() {
			return stats, fmt.Errorf("%s is not a directory", src.Dir)
		}
		cols, p, err := scanGemfSource(src.Dir)
		if err != nil {
			return stats, err
		}
		paths[i] = p
		ranges = append(ranges, gemfRanges(cols, uint32(i), opts.AllowEmpty)...)
	}

	var sourceList []byte
	for i, src := range sources {
		sourceList = binary.BigEndian.AppendUint32(sourceList, uint32(i))
		sourceList = binary.BigEndian.AppendUint32(sourceList, uint32(len(src.Name)))
		sourceList = append(sourceList, src.Name...)
	}

	var numTiles uint64
	for _, r := range ranges {
		numTiles += r.count()
	}
	uidSize := 0
	if opts.AddUID {
		uidSize = gemfUIDSize
	}
	preInfoSize := uint64(uidSize + 4*4 + len(sourceList) + len(ranges)*gemfRangeSize)
	headerSize := preInfoSize + numTiles*gemfFileInfoSize

	header := make([]byte, 0, headerSize)
	header = binary.BigEndian.AppendUint32(header, gemfVersion)
	header = binary.BigEndian.AppendUint32(header, TileSize)
	header = binary.BigEndian.AppendUint32(header, uint32(len(sources)))
	header = append(header, sourceList...)
	header = binary.BigEndian.AppendUint32(header, uint32(len(ranges)))

	var infos []byte
	var tileFiles []string
	imageOffset := headerSize
	for _, r := range ranges {
		r.Offset = preInfoSize + uint64(len(infos))
		header = binary.BigEndian.AppendUint32(header, r.Zoom)
		header = binary.BigEndian.AppendUint32(header, r.XMin)
		header = binary.BigEndian.AppendUint32(header, r.XMax)
		header = binary.BigEndian.AppendUint32(header, r.YMin)
		header = binary.BigEndian.AppendUint32(header, r.YMax)
		header = binary.BigEndian.AppendUint32(header, r.Source)
		header = binary.BigEndian.AppendUint64(header, r.Offset)
		for x := r.XMin; x <= r.XMax; x++ {
			for y := r.YMin; y <= r.YMax; y++ {
				t := Tile{uint8(r.Zoom), x, y}
				path, ok := paths[r.Source][t]
				var size int64
				if ok {
					st, err := os.Stat(path)
					if err != nil {
						return stats, err
					}
					size = st.Size()
				} else if !opts.AllowEmpty {
					return stats, &MissingTileError{Tile: t}
				}
				infos = binary.BigEndian.AppendUint64(infos, imageOffset)
				infos = binary.BigEndian.AppendUint32(infos, uint32(size))
				tileFiles = append(tileFiles, path)
				imageOffset += uint64(size)
			}
		}
	}

	for i := 1; os.Remove(fmt.Sprintf("%s-%d", output, i)) == nil; i++ {
	}
	w, err := newSplitWriter(output, limit)
	if err != nil {
		return stats, err
	}
	if opts.AddUID {
		uid := make([]byte, gemfUIDSize)
		if _, err := rand.Read(uid); err != nil {
			w.closeFile()
			return stats, err
		}
		w.Write(uid)
	}
	w.Write(header)
	w.Write(infos)

	bar := getProgressWriter().NewBytesProgress(int64(imageOffset-headerSize), "writing "+filepath.Base(output))
	for _, path := range tileFiles {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			w.closeFile()
			return stats, err
		}
		if err := w.reserve(int64(len(data))); err != nil {
			return stats, err
		}
		if _, err := w.Write(data); err != nil {
			w.closeFile()
			return stats, err
		}
		bar.Add(len(data))
	}
	bar.Close()
	if err := w.closeFile(); err != nil {
		return stats, err
	}

	stats = GemfStats{Files: w.files, Ranges: len(ranges), Tiles: int(numTiles), Bytes: int64(imageOffset)}
	logger.Info("wrote gemf",
		zap.String("path", output),
		zap.Int("ranges", stats.Ranges),
		zap.Int("tiles", stats.Tiles),
		zap.Int("files", len(stats.Files)),
		zap.String("size", humanize.Bytes(uint64(stats.Bytes))))
	return stats, nil
}

// GemfReader reads tiles from a GEMF archive, following split files.
type GemfReader struct {
	Version  uint32
	TileSize uint32
	Sources  []string
	Ranges   []GemfRange
	UID      []byte

	files  []*os.File
	starts []uint64
}

// OpenGemf opens the archive at path. hasUID tells whether the archive
// starts with a 16 byte uid.
func OpenGemf(path string, hasUID bool) (*GemfReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	g := &GemfReader{files: []*os.File{f}, starts: []uint64{0}}
	if err := g.readHeader(bufio.NewReader(f), hasUID); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var start uint64
	for i := 1; ; i++ {
		st, err := g.files[len(g.files)-1].Stat()
		if err != nil {
			g.Close()
			return nil, err
		}
		start += uint64(st.Size())
		next, err := os.Open(fmt.Sprintf("%s-%d", path, i))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			g.Close()
			return nil, err
		}
		g.files = append(g.files, next)
		g.starts = append(g.starts, start)
	}
	return g, nil
}

func (g *GemfReader) readHeader(r io.Reader, hasUID bool) error {
	if hasUID {
		g.UID = make([]byte, gemfUIDSize)
		if _, err := io.ReadFull(r, g.UID); err != nil {
			return err
		}
	}
	var n uint32
	for _, v := range []*uint32{&g.Version, &g.TileSize, &n} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return err
		}
	}
	if g.Version != gemfVersion {
		return fmt.Errorf("unsupported gemf version %d", g.Version)
	}
	for i := uint32(0); i < n; i++ {
		var idx, length uint32
		if err := binary.Read(r, binary.BigEndian, &idx); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return err
		}
		name := make([]byte, length)
		if _, err := io.ReadFull(r, name); err != nil {
			return err
		}
		g.Sources = append(g.Sources, string(name))
	}
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	g.Ranges = make([]GemfRange, n)
	for i := range g.Ranges {
		if err := binary.Read(r, binary.BigEndian, &g.Ranges[i]); err != nil {
			return err
		}
	}
	return nil
}

// Tile returns the bytes of tile t of the first source holding it, or nil
// when the archive has no such tile.
func (g *GemfReader) Tile(t Tile) ([]byte, error) {
	z, x, y := uint32(t.Z), t.X, t.Y
	for _, r := range g.Ranges {
		if !r.contains(z, x, y) {
			continue
		}
		idx := uint64(x-r.XMin)*uint64(r.YMax-r.YMin+1) + uint64(y-r.YMin)
		info := make([]byte, gemfFileInfoSize)
		if err := g.readAt(info, r.Offset+idx*gemfFileInfoSize); err != nil {
			return nil, err
		}
		offset := binary.BigEndian.Uint64(info[0:8])
		size := binary.BigEndian.Uint32(info[8:12])
		if size == 0 {
			return nil, nil
		}
		data := make([]byte, size)
		if err := g.readAt(data, offset); err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, nil
}

// readAt reads len(p) bytes at the archive offset, which addresses the
// concatenation of all split files.
func (g *GemfReader) readAt(p []byte, offset uint64) error {
	i := sort.Search(len(g.starts), func(i int) bool { return g.starts[i] > offset }) - 1
	if i < 0 {
		return fmt.Errorf("offset %d out of range", offset)
	}
	_, err := g.files[i].ReadAt(p, int64(offset-g.starts[i]))
	return err
}

// Close closes every file of the archive.
func (g *GemfReader) Close() error {
	var errs []error
	for _, f := range g.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

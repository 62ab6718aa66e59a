package mxmcc

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type offsetLen struct {
	Offset uint64
	Length uint32
}

// resolver assigns tile data offsets, storing identical tiles once and
// joining consecutive identical tiles into runs.
type resolver struct {
	Entries   []PMTilesEntry
	Offset    uint64
	Addressed uint64
	contents  map[uint64]offsetLen
}

func newResolver() *resolver {
	return &resolver{contents: make(map[uint64]offsetLen)}
}

// add must be called with increasing tile IDs. It reports whether data is
// new and has to be appended to the tile data section.
func (r *resolver) add(id uint64, data []byte) bool {
	r.Addressed++
	sum := xxhash.Sum64(data)
	if found, ok := r.contents[sum]; ok {
		if n := len(r.Entries); n > 0 {
			last := &r.Entries[n-1]
			if id == last.TileID+uint64(last.RunLength) && last.Offset == found.Offset && last.RunLength < math.MaxUint32 {
				last.RunLength++
				return false
			}
		}
		r.Entries = append(r.Entries, PMTilesEntry{TileID: id, Offset: found.Offset, Length: found.Length, RunLength: 1})
		return false
	}
	r.contents[sum] = offsetLen{r.Offset, uint32(len(data))}
	r.Entries = append(r.Entries, PMTilesEntry{TileID: id, Offset: r.Offset, Length: uint32(len(data)), RunLength: 1})
	r.Offset += uint64(len(data))
	return true
}

// PMTilesStats summarizes a written archive.
type PMTilesStats struct {
	Addressed uint64
	Entries   int
	Contents  int
	Leaves    int
	Bytes     uint64
}

// WritePMTiles stores the PNG tiles of the tile tree dir in a clustered
// PMTiles version 3 archive at output. Metadata and bounds come from the
// tree's tilejson.json when present.
func WritePMTiles(logger *zap.Logger, dir, output string) (PMTilesStats, error) {
	var stats PMTilesStats
	files, err := WalkTileFiles(dir, pngExt)
	if err != nil {
		return stats, err
	}
	if len(files) == 0 {
		return stats, &VerifyError{Path: dir, Message: "no tiles"}
	}
	paths := make(map[uint64]string, len(files))
	ids := roaring64.New()
	for _, f := range files {
		id := f.Tile.HilbertID()
		ids.Add(id)
		paths[id] = f.Path
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".pmtiles-*")
	if err != nil {
		return stats, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	bar := getProgressWriter().NewCountProgress(int64(ids.GetCardinality()), "writing "+filepath.Base(output))
	res := newResolver()
	for it := ids.Iterator(); it.HasNext(); {
		id := it.Next()
		data, err := os.ReadFile(paths[id])
		if err != nil {
			bar.Close()
			return stats, err
		}
		if res.add(id, data) {
			if _, err := tmp.Write(data); err != nil {
				bar.Close()
				return stats, err
			}
		}
		bar.Add(1)
	}
	bar.Close()

	tj, err := ReadTileJSON(dir)
	if err != nil {
		first, last := files[0].Tile, files[len(files)-1].Tile
		tj = NewTileJSON(filepath.Base(dir), Bounds{West: -180, North: 85, East: 180, South: -85}, int(first.Z), int(last.Z), "")
	}
	meta, err := json.Marshal(map[string]any{
		"name":        tj.Name,
		"description": tj.Description,
		"type":        "baselayer",
		"format":      "png",
		"version":     "1",
	})
	if err != nil {
		return stats, err
	}
	if meta, err = gzipBytes(meta); err != nil {
		return stats, err
	}

	root, leaves, numLeaves, err := buildDirectories(res.Entries, maxRootLen)
	if err != nil {
		return stats, err
	}

	h := PMTilesHeader{
		SpecVersion:         3,
		RootOffset:          PMTilesHeaderLen,
		RootLength:          uint64(len(root)),
		AddressedTilesCount: res.Addressed,
		TileEntriesCount:    uint64(len(res.Entries)),
		TileContentsCount:   uint64(len(res.contents)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     NoCompression,
		TileType:            Png,
		MinZoom:             uint8(tj.MinZoom),
		MaxZoom:             uint8(tj.MaxZoom),
		CenterZoom:          uint8(tj.MinZoom),
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(meta))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = res.Offset
	h.setBounds(tj.Bbox())

	out, err := os.Create(output)
	if err != nil {
		return stats, err
	}
	for _, part := range [][]byte{serializeHeader(h), root, meta, leaves} {
		if _, err := out.Write(part); err != nil {
			out.Close()
			return stats, err
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		out.Close()
		return stats, err
	}
	if _, err := io.Copy(out, tmp); err != nil {
		out.Close()
		return stats, err
	}
	if err := out.Close(); err != nil {
		return stats, err
	}

	stats = PMTilesStats{
		Addressed: res.Addressed,
		Entries:   len(res.Entries),
		Contents:  len(res.contents),
		Leaves:    numLeaves,
		Bytes:     h.TileDataOffset + h.TileDataLength,
	}
	logger.Info("wrote pmtiles",
		zap.String("path", output),
		zap.Uint64("addressed_tiles", stats.Addressed),
		zap.Int("entries", stats.Entries),
		zap.Int("contents", stats.Contents),
		zap.Int("leaves", stats.Leaves),
		zap.String("size", humanize.Bytes(stats.Bytes)))
	return stats, nil
}

// PMTiles reads tiles from a PMTiles archive.
type PMTiles struct {
	Header PMTilesHeader
	f      *os.File
	root   []PMTilesEntry
}

// OpenPMTiles opens path and reads its header and root directory.
func OpenPMTiles(path string) (*PMTiles, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	p := &PMTiles{f: f}
	if err := p.init(); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return p, nil
}

func (p *PMTiles) init() error {
	b, err := readRange(p.f, 0, PMTilesHeaderLen)
	if err != nil {
		return err
	}
	if p.Header, err = deserializeHeader(b); err != nil {
		return err
	}
	if p.Header.InternalCompression != Gzip {
		return fmt.Errorf("unsupported directory compression %d", p.Header.InternalCompression)
	}
	b, err = readRange(p.f, p.Header.RootOffset, p.Header.RootLength)
	if err != nil {
		return err
	}
	p.root, err = deserializeEntries(b)
	return err
}

// Metadata returns the decoded JSON metadata.
func (p *PMTiles) Metadata() (map[string]any, error) {
	b, err := readRange(p.f, p.Header.MetadataOffset, p.Header.MetadataLength)
	if err != nil {
		return nil, err
	}
	raw, err := gunzipBytes(b)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	return out, json.Unmarshal(raw, &out)
}

// Tile returns the bytes of t, or nil when the archive has no such tile.
func (p *PMTiles) Tile(t Tile) ([]byte, error) {
	if t.Z < p.Header.MinZoom || t.Z > p.Header.MaxZoom {
		return nil, nil
	}
	id := t.HilbertID()
	dir := p.root
	for depth := 0; depth <= 3; depth++ {
		e, ok := findEntry(dir, id)
		if !ok {
			return nil, nil
		}
		if e.RunLength > 0 {
			return readRange(p.f, p.Header.TileDataOffset+e.Offset, uint64(e.Length))
		}
		b, err := readRange(p.f, p.Header.LeafDirectoryOffset+e.Offset, uint64(e.Length))
		if err != nil {
			return nil, err
		}
		if dir, err = deserializeEntries(b); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("directory too deep looking up %s", t)
}

// Close closes the archive.
func (p *PMTiles) Close() error {
	return p.f.Close()
}

package mxmcc

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Compression is a PMTiles compression code.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
)

// TileType is a PMTiles tile format code.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Png             TileType = 2
	Jpeg            TileType = 3
)

// PMTilesHeaderLen is the fixed size of a version 3 header.
const PMTilesHeaderLen = 127

// maxRootLen keeps the header and root directory in the first 16 KiB.
const maxRootLen = 16384 - PMTilesHeaderLen

// PMTilesHeader is a PMTiles version 3 header.
type PMTilesHeader struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

func e7(v float64) int32 {
	return int32(math.Round(v * 10000000))
}

// setBounds fills the geographic fields from b. A box crossing the
// antimeridian is stored as the whole longitude range.
func (h *PMTilesHeader) setBounds(b Bounds) {
	west, east := b.West, b.East
	if b.Wraps() {
		west, east = -180, 180
	}
	h.MinLonE7, h.MaxLonE7 = e7(west), e7(east)
	h.MinLatE7, h.MaxLatE7 = e7(b.South), e7(b.North)
	h.CenterLonE7, h.CenterLatE7 = e7((west+east)/2), e7((b.South+b.North)/2)
}

func (h PMTilesHeader) contentType() string {
	switch h.TileType {
	case Png:
		return "image/png"
	case Jpeg:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// PMTilesEntry addresses RunLength consecutive tile IDs holding the same
// bytes. RunLength zero points at a leaf directory.
type PMTilesEntry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// serializeEntries encodes a directory as four varint columns, gzip
// compressed. An offset continuing the previous entry is stored as zero.
func serializeEntries(entries []PMTilesEntry) ([]byte, error) {
	raw := binary.AppendUvarint(nil, uint64(len(entries)))
	var last uint64
	for _, e := range entries {
		raw = binary.AppendUvarint(raw, e.TileID-last)
		last = e.TileID
	}
	for _, e := range entries {
		raw = binary.AppendUvarint(raw, uint64(e.RunLength))
	}
	for _, e := range entries {
		raw = binary.AppendUvarint(raw, uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			raw = binary.AppendUvarint(raw, 0)
		} else {
			raw = binary.AppendUvarint(raw, e.Offset+1)
		}
	}
	return gzipBytes(raw)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var b bytes.Buffer
	w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func deserializeEntries(data []byte) ([]PMTilesEntry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(zr)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	entries := make([]PMTilesEntry, n)
	var last uint64
	for i := range entries {
		d, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		last += d
		entries[i].TileID = last
	}
	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if i > 0 && v == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}
	return entries, nil
}

// findEntry returns the entry covering id: an exact match, a run holding it
// or the leaf directory preceding it.
func findEntry(entries []PMTilesEntry, id uint64) (PMTilesEntry, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		switch {
		case id > entries[mid].TileID:
			lo = mid + 1
		case id < entries[mid].TileID:
			hi = mid - 1
		default:
			return entries[mid], true
		}
	}
	if hi >= 0 {
		e := entries[hi]
		if e.RunLength == 0 || id-e.TileID < uint64(e.RunLength) {
			return e, true
		}
	}
	return PMTilesEntry{}, false
}

func serializeHeader(h PMTilesHeader) []byte {
	b := make([]byte, PMTilesHeaderLen)
	le := binary.LittleEndian
	copy(b[0:7], "PMTiles")
	b[7] = 3
	for i, v := range []uint64{
		h.RootOffset, h.RootLength, h.MetadataOffset, h.MetadataLength,
		h.LeafDirectoryOffset, h.LeafDirectoryLength, h.TileDataOffset, h.TileDataLength,
		h.AddressedTilesCount, h.TileEntriesCount, h.TileContentsCount,
	} {
		le.PutUint64(b[8+i*8:], v)
	}
	if h.Clustered {
		b[96] = 1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	le.PutUint32(b[102:], uint32(h.MinLonE7))
	le.PutUint32(b[106:], uint32(h.MinLatE7))
	le.PutUint32(b[110:], uint32(h.MaxLonE7))
	le.PutUint32(b[114:], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	le.PutUint32(b[119:], uint32(h.CenterLonE7))
	le.PutUint32(b[123:], uint32(h.CenterLatE7))
	return b
}

func deserializeHeader(d []byte) (PMTilesHeader, error) {
	var h PMTilesHeader
	if len(d) < PMTilesHeaderLen || string(d[0:7]) != "PMTiles" {
		return h, fmt.Errorf("not a PMTiles archive")
	}
	if d[7] != 3 {
		return h, fmt.Errorf("unsupported PMTiles version %d", d[7])
	}
	le := binary.LittleEndian
	h.SpecVersion = d[7]
	for i, p := range []*uint64{
		&h.RootOffset, &h.RootLength, &h.MetadataOffset, &h.MetadataLength,
		&h.LeafDirectoryOffset, &h.LeafDirectoryLength, &h.TileDataOffset, &h.TileDataLength,
		&h.AddressedTilesCount, &h.TileEntriesCount, &h.TileContentsCount,
	} {
		*p = le.Uint64(d[8+i*8:])
	}
	h.Clustered = d[96] == 1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(le.Uint32(d[102:]))
	h.MinLatE7 = int32(le.Uint32(d[106:]))
	h.MaxLonE7 = int32(le.Uint32(d[110:]))
	h.MaxLatE7 = int32(le.Uint32(d[114:]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(le.Uint32(d[119:]))
	h.CenterLatE7 = int32(le.Uint32(d[123:]))
	return h, nil
}

// buildLeaves splits entries into leaf directories of leafSize entries and
// returns the root of leaf pointers and the concatenated leaves.
func buildLeaves(entries []PMTilesEntry, leafSize int) ([]byte, []byte, int, error) {
	var roots []PMTilesEntry
	var leaves []byte
	for i := 0; i < len(entries); i += leafSize {
		leaf, err := serializeEntries(entries[i:min(i+leafSize, len(entries))])
		if err != nil {
			return nil, nil, 0, err
		}
		roots = append(roots, PMTilesEntry{TileID: entries[i].TileID, Offset: uint64(len(leaves)), Length: uint32(len(leaf))})
		leaves = append(leaves, leaf...)
	}
	root, err := serializeEntries(roots)
	return root, leaves, len(roots), err
}

// buildDirectories keeps every entry in the root when it fits in rootLen and
// otherwise grows the leaf size until the root of leaf pointers fits.
func buildDirectories(entries []PMTilesEntry, rootLen int) ([]byte, []byte, int, error) {
	if len(entries) < 16384 {
		root, err := serializeEntries(entries)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(root) <= rootLen {
			return root, nil, 0, nil
		}
	}
	leafSize := max(float64(len(entries))/3500, 4096)
	for {
		root, leaves, n, err := buildLeaves(entries, int(leafSize))
		if err != nil || len(root) <= rootLen {
			return root, leaves, n, err
		}
		leafSize *= 1.2
	}
}

func readRange(r io.ReaderAt, offset, length uint64) ([]byte, error) {
	b := make([]byte, length)
	if _, err := r.ReadAt(b, int64(offset)); err != nil {
		return nil, err
	}
	return b, nil
}

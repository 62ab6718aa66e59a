package mxmcc

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// pngExt is the extension of rendered tiles.
const pngExt = ".png"

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ZoomDirs lists the numeric zoom directories of a tile tree in ascending order.
func ZoomDirs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var zooms []int
	for _, e := range entries {
		if !e.IsDir() || !isDigits(e.Name()) {
			continue
		}
		z, err := strconv.Atoi(e.Name())
		if err != nil || z > MaxZoom {
			continue
		}
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	return zooms, nil
}

// TileFile is a tile of a tile tree and the file holding it.
type TileFile struct {
	Tile Tile
	Path string
}

// WalkTileFiles lists the tiles of dir whose file name is <y><ext> for one of
// exts, ordered by zoom, column and row. When a tile exists with several
// extensions the first listed one wins.
func WalkTileFiles(dir string, exts ...string) ([]TileFile, error) {
	if len(exts) == 0 {
		exts = []string{pngExt}
	}
	zooms, err := ZoomDirs(dir)
	if err != nil {
		return nil, err
	}
	var out []TileFile
	for _, z := range zooms {
		zdir := filepath.Join(dir, strconv.Itoa(z))
		cols, err := os.ReadDir(zdir)
		if err != nil {
			return nil, err
		}
		for _, col := range cols {
			if !col.IsDir() || !isDigits(col.Name()) {
				continue
			}
			x, err := strconv.ParseUint(col.Name(), 10, 32)
			if err != nil {
				continue
			}
			files, err := os.ReadDir(filepath.Join(zdir, col.Name()))
			if err != nil {
				return nil, err
			}
			found := make(map[uint32]int)
			var rows []TileFile
			var ranks []int
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				for rank, ext := range exts {
					stem, ok := strings.CutSuffix(f.Name(), ext)
					if !ok || !isDigits(stem) {
						continue
					}
					y, err := strconv.ParseUint(stem, 10, 32)
					if err != nil {
						break
					}
					tf := TileFile{Tile{uint8(z), uint32(x), uint32(y)}, filepath.Join(zdir, col.Name(), f.Name())}
					if i, dup := found[uint32(y)]; dup {
						if rank < ranks[i] {
							rows[i], ranks[i] = tf, rank
						}
					} else {
						found[uint32(y)] = len(rows)
						rows = append(rows, tf)
						ranks = append(ranks, rank)
					}
					break
				}
			}
			out = append(out, rows...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Tile, out[j].Tile
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return out, nil
}

// WalkTiles lists the PNG tiles of dir ordered by zoom, column and row.
func WalkTiles(dir string) ([]Tile, error) {
	files, err := WalkTileFiles(dir, pngExt)
	if err != nil {
		return nil, err
	}
	tiles := make([]Tile, len(files))
	for i, f := range files {
		tiles[i] = f.Tile
	}
	return tiles, nil
}

// ReadTileSet collects the PNG tiles of dir as Hilbert tile IDs.
func ReadTileSet(dir string) (*roaring64.Bitmap, error) {
	tiles, err := WalkTiles(dir)
	if err != nil {
		return nil, err
	}
	set := roaring64.New()
	for _, t := range tiles {
		set.Add(t.HilbertID())
	}
	return set, nil
}

// parseTileKey parses a "z/x/y.png" key.
func parseTileKey(key string) (Tile, bool) {
	parts := strings.Split(filepath.ToSlash(key), "/")
	if len(parts) != 3 {
		return Tile{}, false
	}
	stem, ok := strings.CutSuffix(parts[2], pngExt)
	if !ok {
		return Tile{}, false
	}
	z, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || z > MaxZoom {
		return Tile{}, false
	}
	x, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Tile{}, false
	}
	y, err := strconv.ParseUint(stem, 10, 32)
	if err != nil {
		return Tile{}, false
	}
	return Tile{uint8(z), uint32(x), uint32(y)}, true
}

package mxmcc

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// countPNGs counts the files named <digits>.png in dir.
func countPNGs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		stem, ok := strings.CutSuffix(strings.ToLower(e.Name()), pngExt)
		if ok && !e.IsDir() && isDigits(stem) {
			n++
		}
	}
	return n, nil
}

// VerifyTileDir checks that dir holds at least one zoom level, that every
// zoom level has column directories and that every column of a zoom level
// has the same, non-zero, number of tiles.
func VerifyTileDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return &VerifyError{Path: dir, Message: "tile directory not found"}
	}
	zooms, err := ZoomDirs(dir)
	if err != nil {
		return &VerifyError{Path: dir, Message: err.Error()}
	}
	if len(zooms) == 0 {
		return &VerifyError{Path: dir, Message: "no zoom directories"}
	}
	for _, z := range zooms {
		zdir := filepath.Join(dir, strconv.Itoa(z))
		entries, err := os.ReadDir(zdir)
		if err != nil {
			return &VerifyError{Path: zdir, Message: err.Error()}
		}
		var cols []string
		for _, e := range entries {
			if e.IsDir() {
				cols = append(cols, filepath.Join(zdir, e.Name()))
			}
		}
		if len(cols) == 0 {
			return &VerifyError{Path: zdir, Message: "zero x directories"}
		}
		want, err := countPNGs(cols[0])
		if err != nil {
			return &VerifyError{Path: cols[0], Message: err.Error()}
		}
		if want == 0 {
			return &VerifyError{Path: cols[0], Message: "zero tiles"}
		}
		for _, col := range cols[1:] {
			got, err := countPNGs(col)
			if err != nil {
				return &VerifyError{Path: col, Message: err.Error()}
			}
			if got != want {
				return &VerifyError{Path: col, Message: fmt.Sprintf("%d tiles, expected %d", got, want)}
			}
		}
	}
	return nil
}

// VerifyCatalog checks the rendered tile directory of every chart of cat
// below dir.
func VerifyCatalog(logger *zap.Logger, cat *Catalog, dir string) error {
	for _, e := range cat.Entries {
		if err := VerifyTileDir(filepath.Join(dir, e.TileDirName())); err != nil {
			return err
		}
	}
	logger.Info("verified tiles", zap.String("region", cat.Region), zap.Int("charts", len(cat.Entries)))
	return nil
}

// ChartTileStats walks a rendered chart directory and reports its tile
// count and total size.
func ChartTileStats(dir string) (int, int64, error) {
	var count int
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), pngExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		return nil
	})
	return count, size, err
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

// OptimizedDir is where the optimizer writes the copy of dir.
func OptimizedDir(dir string) string {
	return filepath.Clean(dir) + ".opt"
}

// VerifyOptimized checks that the optimized copy of src holds the same
// files and the same tiles as src.
func VerifyOptimized(logger *zap.Logger, src string) error {
	dst := OptimizedDir(src)
	want, err := countFiles(src)
	if err != nil {
		return &VerifyError{Path: src, Message: err.Error()}
	}
	got, err := countFiles(dst)
	if err != nil {
		return &VerifyError{Path: dst, Message: err.Error()}
	}
	if got != want {
		return &VerifyError{Path: dst, Message: fmt.Sprintf("%d files, expected %d", got, want)}
	}
	srcTiles, err := collectTileSet(src)
	if err != nil {
		return &VerifyError{Path: src, Message: err.Error()}
	}
	dstTiles, err := collectTileSet(dst)
	if err != nil {
		return &VerifyError{Path: dst, Message: err.Error()}
	}
	if missing := roaring64.AndNot(srcTiles, dstTiles); !missing.IsEmpty() {
		return &VerifyError{Path: dst, Message: fmt.Sprintf("missing %d tiles, first %s", missing.GetCardinality(), TileFromHilbertID(missing.Minimum()))}
	}
	logger.Info("verified optimized tiles", zap.String("dir", dst), zap.String("files", humanize.Comma(int64(got))))
	return nil
}

// collectTileSet gathers the tiles of a tile tree, or of every tile tree one
// level below it for a directory of charts.
func collectTileSet(dir string) (*roaring64.Bitmap, error) {
	zooms, err := ZoomDirs(dir)
	if err != nil {
		return nil, err
	}
	if len(zooms) > 0 {
		return ReadTileSet(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	set := roaring64.New()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := ReadTileSet(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		set.Or(sub)
	}
	return set, nil
}

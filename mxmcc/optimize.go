package mxmcc

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OptimizeOptions configures OptimizeDir.
type OptimizeOptions struct {
	// Command optimizes one PNG. {in} and {out} are replaced by the source
	// and destination paths. Empty uses the built in palette re-encoder.
	Command string
	Workers int
}

// OptimizeStats reports the bytes read and written by an optimize pass.
type OptimizeStats struct {
	Files     int64
	BytesIn   int64
	BytesOut  int64
	Optimized int64
}

// expandCommand splits a command template on whitespace and substitutes
// the placeholders in every argument.
func expandCommand(template string, vars map[string]string) ([]string, error) {
	args := strings.Fields(template)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		args[i] = a
	}
	return args, nil
}

func runCommand(ctx context.Context, logger *zap.Logger, template string, vars map[string]string) error {
	args, err := expandCommand(template, vars)
	if err != nil {
		return err
	}
	logger.Debug("running command", zap.Strings("args", args))
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// OptimizeDir writes a size optimized copy of the tile tree src to
// OptimizedDir(src). Non PNG files are copied unchanged. An existing
// destination left by an interrupted run is replaced.
func OptimizeDir(ctx context.Context, logger *zap.Logger, src string, opts OptimizeOptions) (OptimizeStats, error) {
	var stats OptimizeStats
	dst := OptimizedDir(src)
	if err := os.RemoveAll(dst); err != nil {
		return stats, err
	}
	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	bar := getProgressWriter().NewCountProgress(int64(len(files)), "optimizing "+filepath.Base(src))
	defer bar.Close()

	var in, out, optimized atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rel := range files {
		g.Go(func() error {
			from, to := filepath.Join(src, rel), filepath.Join(dst, rel)
			data, err := os.ReadFile(from)
			if err != nil {
				return err
			}
			in.Add(int64(len(data)))
			if !strings.HasSuffix(strings.ToLower(rel), pngExt) || strings.HasPrefix(filepath.Base(rel), ".") {
				out.Add(int64(len(data)))
				bar.Add(1)
				return writeFileAtomic(to, data)
			}
			n, err := optimizePNG(gctx, logger, opts.Command, from, to, data)
			if err != nil {
				return fmt.Errorf("optimizing %s: %w", from, err)
			}
			out.Add(n)
			if n < int64(len(data)) {
				optimized.Add(1)
			}
			bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	stats = OptimizeStats{Files: int64(len(files)), BytesIn: in.Load(), BytesOut: out.Load(), Optimized: optimized.Load()}
	logger.Info("optimized tiles",
		zap.String("dir", dst),
		zap.Int64("files", stats.Files),
		zap.String("in", humanize.Bytes(uint64(stats.BytesIn))),
		zap.String("out", humanize.Bytes(uint64(stats.BytesOut))))
	return stats, nil
}

// optimizePNG writes the smaller of the original and the optimized encoding
// of one tile to dst and returns the written size.
func optimizePNG(ctx context.Context, logger *zap.Logger, command, src, dst string, data []byte) (int64, error) {
	if command != "" {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return 0, err
		}
		if err := runCommand(ctx, logger, command, map[string]string{"in": src, "out": dst}); err != nil {
			return 0, err
		}
		st, err := os.Stat(dst)
		if err != nil {
			return 0, fmt.Errorf("optimizer wrote no output: %w", err)
		}
		return st.Size(), nil
	}
	img, err := DecodePNG(data)
	if err != nil {
		return 0, err
	}
	var enc []byte
	if p, ok := palettize(img); ok {
		enc, err = EncodePNG(p)
	} else {
		enc, err = EncodePNG(img)
	}
	if err != nil {
		return 0, err
	}
	if len(enc) >= len(data) {
		enc = data
	}
	return int64(len(enc)), writeFileAtomic(dst, enc)
}

// palettize converts img to a paletted image when it uses at most 256
// distinct colors.
func palettize(img *image.NRGBA) (*image.Paletted, bool) {
	index := make(map[color.NRGBA]uint8)
	var palette color.Palette
	b := img.Bounds()
	p := image.NewPaletted(b, nil)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.A == 0 {
				c = color.NRGBA{}
			}
			i, ok := index[c]
			if !ok {
				if len(palette) == 256 {
					return nil, false
				}
				i = uint8(len(palette))
				index[c] = i
				palette = append(palette, c)
			}
			p.SetColorIndex(x, y, i)
		}
	}
	p.Palette = palette
	return p, true
}

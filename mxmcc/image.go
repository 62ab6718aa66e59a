package mxmcc

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// Transparency classifies the alpha channel of a tile.
type Transparency uint8

const (
	Semi Transparency = iota
	Opaque
	Transparent
)

func (t Transparency) String() string {
	switch t {
	case Opaque:
		return "opaque"
	case Transparent:
		return "transparent"
	default:
		return "semi"
	}
}

func (t Transparency) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Transparency) UnmarshalText(b []byte) error {
	switch string(b) {
	case "opaque":
		*t = Opaque
	case "transparent":
		*t = Transparent
	case "semi":
		*t = Semi
	default:
		return fmt.Errorf("unknown transparency %q", b)
	}
	return nil
}

// boxKernel averages every source pixel under a destination pixel.
var boxKernel = &draw.Kernel{Support: 0.5, At: func(float64) float64 { return 1 }}

// Classify reports whether img is fully opaque, fully transparent or neither.
func Classify(img *image.NRGBA) Transparency {
	minA, maxA := uint8(255), uint8(0)
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 3; i < len(row); i += 4 {
			a := row[i]
			if a < minA {
				minA = a
			}
			if a > maxA {
				maxA = a
			}
		}
		if minA < 255 && maxA > 0 {
			return Semi
		}
	}
	switch {
	case minA == 255:
		return Opaque
	case maxA == 0:
		return Transparent
	}
	return Semi
}

// HasData reports whether any pixel of img is not fully transparent.
func HasData(img *image.NRGBA) bool {
	return Classify(img) != Transparent
}

// HasTransparency reports whether any pixel of img has zero alpha.
func HasTransparency(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] == 0 {
			return true
		}
	}
	return false
}

// ToNRGBA converts img to a zero-origin NRGBA image, copying if needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// NewTile allocates a transparent TileSize square image.
func NewTile() *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
}

// DecodePNG decodes PNG bytes into NRGBA.
func DecodePNG(data []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return ToNRGBA(img), nil
}

// ReadPNG reads and decodes the PNG at path.
func ReadPNG(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return ToNRGBA(img), nil
}

// EncodePNG encodes img with the best compression level.
func EncodePNG(img image.Image) ([]byte, error) {
	var b bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&b, img); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// WritePNG encodes img to path, creating parent directories. The file is
// written beside the target and renamed into place.
func WritePNG(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// compositeOver paints src over dst using src alpha.
func compositeOver(dst, src *image.NRGBA) {
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
}

// underlay paints under over dst, keeping dst on top: the result is dst
// composited over under.
func underlay(dst, under *image.NRGBA) {
	out := image.NewNRGBA(dst.Bounds())
	copy(out.Pix, under.Pix)
	compositeOver(out, dst)
	copy(dst.Pix, out.Pix)
}

// scaleInto resamples src into the rectangle r of dst.
func scaleInto(dst *image.NRGBA, r image.Rectangle, src image.Image, scaler draw.Scaler) {
	scaler.Scale(dst, r, src, src.Bounds(), draw.Src, nil)
}

package mxmcc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TileJSONName is the file written beside every rendered tile tree.
const TileJSONName = "tilejson.json"

// TileJSON describes a tile tree in TileJSON 3.0.0 form.
type TileJSON struct {
	TileJSON    string     `json:"tilejson"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version,omitempty"`
	Attribution string     `json:"attribution,omitempty"`
	Scheme      string     `json:"scheme"`
	Tiles       []string   `json:"tiles"`
	MinZoom     int        `json:"minzoom"`
	MaxZoom     int        `json:"maxzoom"`
	Bounds      [4]float64 `json:"bounds"`
	Center      [3]float64 `json:"center"`
}

// NewTileJSON builds the descriptor of a tile tree. tileURL is the base the
// {z}/{x}/{y}.png template is appended to.
func NewTileJSON(name string, b Bounds, minZoom, maxZoom int, tileURL string) TileJSON {
	c := b.Center()
	return TileJSON{
		TileJSON: "3.0.0",
		Name:     name,
		Scheme:   "xyz",
		Tiles:    []string{tileURL + "/{z}/{x}/{y}.png"},
		MinZoom:  minZoom,
		MaxZoom:  maxZoom,
		Bounds:   [4]float64{b.West, b.South, b.East, b.North},
		Center:   [3]float64{c[0], c[1], float64(minZoom)},
	}
}

// Bbox returns the bounds as a Bounds value.
func (tj TileJSON) Bbox() Bounds {
	return Bounds{West: tj.Bounds[0], South: tj.Bounds[1], East: tj.Bounds[2], North: tj.Bounds[3]}
}

// WriteTileJSON writes tj into dir.
func WriteTileJSON(dir string, tj TileJSON) error {
	b, err := json.MarshalIndent(tj, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, TileJSONName), b)
}

// ReadTileJSON reads the descriptor written by WriteTileJSON.
func ReadTileJSON(dir string) (TileJSON, error) {
	var tj TileJSON
	b, err := os.ReadFile(filepath.Join(dir, TileJSONName))
	if err != nil {
		return tj, err
	}
	if err := json.Unmarshal(b, &tj); err != nil {
		return tj, fmt.Errorf("parsing %s: %w", TileJSONName, err)
	}
	return tj, nil
}

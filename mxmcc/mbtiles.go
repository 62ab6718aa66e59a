package mxmcc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const mbtilesSchema = `
CREATE TABLE metadata (name text, value text);
CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);
CREATE UNIQUE INDEX name ON metadata (name);
CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// MBTilesMetadata is the metadata table of an MBTiles archive.
type MBTilesMetadata struct {
	Name        string
	Description string
	Bounds      Bounds
	MinZoom     int
	MaxZoom     int
}

// MBTilesMetadataFromTileJSON takes the metadata from a tile tree's
// descriptor.
func MBTilesMetadataFromTileJSON(tj TileJSON) MBTilesMetadata {
	return MBTilesMetadata{
		Name:        tj.Name,
		Description: tj.Description,
		Bounds:      tj.Bbox(),
		MinZoom:     tj.MinZoom,
		MaxZoom:     tj.MaxZoom,
	}
}

func (m MBTilesMetadata) rows() [][2]string {
	c := m.Bounds.Center()
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return [][2]string{
		{"name", m.Name},
		{"type", "baselayer"},
		{"version", "1"},
		{"description", m.Description},
		{"format", "png"},
		{"bounds", f(m.Bounds.West) + "," + f(m.Bounds.South) + "," + f(m.Bounds.East) + "," + f(m.Bounds.North)},
		{"center", f(c[0]) + "," + f(c[1]) + "," + strconv.Itoa(m.MinZoom)},
		{"minzoom", strconv.Itoa(m.MinZoom)},
		{"maxzoom", strconv.Itoa(m.MaxZoom)},
	}
}

// WriteMBTiles stores the PNG tiles of the tile tree dir in a new MBTiles
// archive at output, replacing any existing file. Rows use TMS numbering.
func WriteMBTiles(logger *zap.Logger, dir, output string, meta MBTilesMetadata) (n int, err error) {
	files, err := WalkTileFiles(dir, pngExt)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	conn, err := sqlite.OpenConn(output, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", output, err)
	}
	defer func() {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}()

	if err := sqlitex.ExecuteScript(conn, mbtilesSchema, nil); err != nil {
		return 0, fmt.Errorf("creating schema: %w", err)
	}

	defer sqlitex.Save(conn)(&err)

	for _, row := range meta.rows() {
		if err := sqlitex.Execute(conn, "INSERT INTO metadata (name, value) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{row[0], row[1]},
		}); err != nil {
			return 0, err
		}
	}

	bar := getProgressWriter().NewCountProgress(int64(len(files)), "writing "+output)
	defer bar.Close()
	stmt := conn.Prep("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	var size uint64
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return n, err
		}
		tms := f.Tile.TMS()
		stmt.BindInt64(1, int64(tms.Z))
		stmt.BindInt64(2, int64(tms.X))
		stmt.BindInt64(3, int64(tms.Y))
		stmt.BindBytes(4, data)
		if _, err := stmt.Step(); err != nil {
			return n, fmt.Errorf("inserting %s: %w", f.Tile, err)
		}
		if err := stmt.Reset(); err != nil {
			return n, err
		}
		stmt.ClearBindings()
		n++
		size += uint64(len(data))
		bar.Add(1)
	}
	logger.Info("wrote mbtiles", zap.String("path", output), zap.Int("tiles", n), zap.String("size", humanize.Bytes(size)))
	return n, nil
}

// MBTiles reads tiles from an MBTiles archive. It is safe for concurrent use.
type MBTiles struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// OpenMBTiles opens an archive read only.
func OpenMBTiles(path string) (*MBTiles, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, err
	}
	return &MBTiles{conn: conn}, nil
}

// Metadata returns every row of the metadata table.
func (m *MBTiles) Metadata() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	err := sqlitex.Execute(m.conn, "SELECT name, value FROM metadata", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out[stmt.ColumnText(0)] = stmt.ColumnText(1)
			return nil
		},
	})
	return out, err
}

// Tile returns the data of the ZXY tile t, or nil when it is absent.
func (m *MBTiles) Tile(t Tile) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Z > MaxZoom {
		return nil, nil
	}
	tms := t.TMS()
	stmt := m.conn.Prep("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	defer stmt.Reset()
	stmt.BindInt64(1, int64(tms.Z))
	stmt.BindInt64(2, int64(tms.X))
	stmt.BindInt64(3, int64(tms.Y))
	row, err := stmt.Step()
	if err != nil || !row {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stmt.ColumnReader(0)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close closes the archive.
func (m *MBTiles) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.Close()
}

package mxmcc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestWriteMBTiles(t *testing.T) {
	dir := t.TempDir()
	writeTileBytes(t, dir, Tile{3, 1, 1}, "a")
	writeTileBytes(t, dir, Tile{3, 1, 2}, "b")
	writeTileBytes(t, dir, Tile{4, 2, 12}, "c")
	out := filepath.Join(t.TempDir(), "region.mbtiles")
	meta := MBTilesMetadata{Name: "REGION", Bounds: Bounds{West: -123, North: 48, East: -122, South: 47}, MinZoom: 3, MaxZoom: 4}

	n, err := WriteMBTiles(zaptest.NewLogger(t), dir, out, meta)
	require.Nil(t, err)
	assert.Equal(t, 3, n)

	conn, err := sqlite.OpenConn(out, sqlite.OpenReadOnly)
	require.Nil(t, err)
	var rows [][3]int64
	err = sqlitex.Execute(conn, "SELECT zoom_level, tile_column, tile_row FROM tiles ORDER BY zoom_level, tile_column, tile_row", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, [3]int64{stmt.ColumnInt64(0), stmt.ColumnInt64(1), stmt.ColumnInt64(2)})
			return nil
		},
	})
	require.Nil(t, err)
	require.Nil(t, conn.Close())
	assert.Equal(t, [][3]int64{{3, 1, 5}, {3, 1, 6}, {4, 2, 3}}, rows)

	m, err := OpenMBTiles(out)
	require.Nil(t, err)
	defer m.Close()
	md, err := m.Metadata()
	require.Nil(t, err)
	assert.Equal(t, "REGION", md["name"])
	assert.Equal(t, "png", md["format"])
	assert.Equal(t, "-123,47,-122,48", md["bounds"])
	assert.Equal(t, "4", md["maxzoom"])

	data, err := m.Tile(Tile{3, 1, 2})
	require.Nil(t, err)
	assert.Equal(t, "b", string(data))
	data, err = m.Tile(Tile{3, 0, 0})
	require.Nil(t, err)
	assert.Nil(t, data)
}

func TestWriteMBTilesReplaces(t *testing.T) {
	dir := t.TempDir()
	writeTileBytes(t, dir, Tile{1, 0, 0}, "a")
	out := filepath.Join(t.TempDir(), "c.mbtiles")
	for i := 0; i < 2; i++ {
		n, err := WriteMBTiles(zaptest.NewLogger(t), dir, out, MBTilesMetadata{Name: "C", MinZoom: 1, MaxZoom: 1})
		require.Nil(t, err)
		assert.Equal(t, 1, n)
	}
}

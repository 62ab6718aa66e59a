package mxmcc

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func zdatCatalog() *Catalog {
	return &Catalog{Region: "region_15", Entries: []CatalogEntry{{
		Path:       "/charts/noaa/18445_1.KAP",
		Name:       "Puget Sound - Shilshole Bay to Commencement Bay",
		MaxZoom:    15,
		MinZoom:    15,
		Scale:      80000,
		Updated:    "2014-05-01",
		DepthUnits: "Fathoms",
		Outline:    orb.Ring{{-122.5, 47.75}, {-122.25, 47.5}},
	}, {
		Path:    "/charts/noaa/o'hare.KAP",
		Name:    "Captain's Cove",
		MaxZoom: 16,
		Scale:   20000,
	}}}
}

func readZipEntry(t *testing.T, path string) (string, string) {
	zr, err := zip.OpenReader(path)
	require.Nil(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	f, err := zr.File[0].Open()
	require.Nil(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.Nil(t, err)
	return zr.File[0].Name, string(b)
}

func TestWriteZdat(t *testing.T) {
	path := ZdatPath(t.TempDir(), "region_15")
	assert.Equal(t, "REGION_15.zdat", filepath.Base(path))
	require.Nil(t, WriteZdat(zaptest.NewLogger(t), zdatCatalog(), path, ZdatOptions{Epoch: 1400000000}))

	name, sql := readZipEntry(t, path)
	assert.Equal(t, "REGION_15.sql", name)
	lines := strings.Split(strings.TrimSuffix(sql, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "--MXMARINER-DBVERSION:3", lines[0])
	assert.Equal(t, "UPDATE regions SET installeddate='1400000000' WHERE name='REGION_15';", lines[1])
	assert.Equal(t, "DELETE from charts where region='REGION_15';", lines[2])
	assert.Equal(t, "INSERT INTO [charts] ([region], [file], [name], [updated], [scale], [outline], [depths], [zoom]) "+
		"VALUES ('REGION_15', '18445_1.KAP', 'Puget Sound - Shilshole Bay to Commencement Bay', '2014-05-01', 80000, "+
		"'47.75,-122.5:47.5,-122.25', 'Fathoms', '15');", lines[3])
	assert.Contains(t, lines[4], "'o''hare.KAP', 'Captain''s Cove'")

	epoch, err := ReadZdatEpoch(path)
	require.Nil(t, err)
	assert.Equal(t, int64(1400000000), epoch)
}

func TestWriteZdatCustomRegion(t *testing.T) {
	path := ZdatPath(t.TempDir(), "MY_CHARTS")
	cat := zdatCatalog()
	cat.Region = "MY_CHARTS"
	require.Nil(t, WriteZdat(zaptest.NewLogger(t), cat, path, ZdatOptions{Epoch: 7, Custom: true, Description: "My charts", ArchiveSize: 1234}))

	_, sql := readZipEntry(t, path)
	lines := strings.Split(sql, "\n")
	assert.Equal(t, "DELETE from regions WHERE name='MY_CHARTS';", lines[1])
	assert.Equal(t, "INSERT into [regions] ([name], [description], [image], [size], [installeddate] ) "+
		"VALUES ('MY_CHARTS', 'My charts', 'mycharts', '1234', '7');", lines[2])
	assert.Equal(t, "DELETE from charts where region='MY_CHARTS';", lines[3])

	epoch, err := ReadZdatEpoch(path)
	require.Nil(t, err)
	assert.Equal(t, int64(7), epoch)
}

func TestWriteUpdateZdat(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteUpdateZdat(zaptest.NewLogger(t), dir)
	require.Nil(t, err)
	assert.Equal(t, "", path)

	require.Nil(t, os.WriteFile(filepath.Join(dir, "REGION_15.gemf"), []byte("12345"), 0644))
	require.Nil(t, WriteZdat(zaptest.NewLogger(t), zdatCatalog(), ZdatPath(dir, "REGION_15"), ZdatOptions{Epoch: 99}))

	path, err = WriteUpdateZdat(zaptest.NewLogger(t), dir)
	require.Nil(t, err)
	name, sql := readZipEntry(t, path)
	assert.Equal(t, "UPDATE.sql", name)
	assert.Equal(t, "--MXMARINER-DBVERSION:1\nupdate regions set latestdate='99', size='5' where name='REGION_15';\n", sql)
}

package mxmcc

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	zdatExt       = ".zdat"
	zdatDBVersion = 3
	// UpdateZdatName holds the latest date and size of every compiled region.
	UpdateZdatName = "UPDATE" + zdatExt
)

// ZdatOptions configures WriteZdat.
type ZdatOptions struct {
	// Epoch is recorded as the install date of the region.
	Epoch int64
	// Custom regions are unknown to the app and are inserted with their
	// Description and ArchiveSize instead of updated.
	Custom      bool
	Description string
	ArchiveSize int64
}

// ZdatPath is the metadata snapshot written for region.
func ZdatPath(compiledDir, region string) string {
	return filepath.Join(compiledDir, normalizeRegion(region)+zdatExt)
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// writeZdatSQL writes the statements that install the charts of cat into the
// app's chart database.
func writeZdatSQL(w io.Writer, cat *Catalog, opts ZdatOptions) error {
	bw := bufio.NewWriter(w)
	region := normalizeRegion(cat.Region)
	epoch := strconv.FormatInt(opts.Epoch, 10)
	fmt.Fprintf(bw, "--MXMARINER-DBVERSION:%d\n", zdatDBVersion)
	if opts.Custom {
		image := strings.ReplaceAll(strings.ToLower(region), "_", "")
		fmt.Fprintf(bw, "DELETE from regions WHERE name=%s;\n", sqlQuote(region))
		fmt.Fprintf(bw, "INSERT into [regions] ([name], [description], [image], [size], [installeddate] ) VALUES (%s, %s, %s, %s, %s);\n",
			sqlQuote(region), sqlQuote(opts.Description), sqlQuote(image), sqlQuote(strconv.FormatInt(opts.ArchiveSize, 10)), sqlQuote(epoch))
	} else {
		fmt.Fprintf(bw, "UPDATE regions SET installeddate=%s WHERE name=%s;\n", sqlQuote(epoch), sqlQuote(region))
	}
	fmt.Fprintf(bw, "DELETE from charts where region=%s;\n", sqlQuote(region))
	for _, e := range cat.Entries {
		fmt.Fprintf(bw, "INSERT INTO [charts] ([region], [file], [name], [updated], [scale], [outline], [depths], [zoom]) VALUES (%s, %s, %s, %s, %d, %s, %s, %s);\n",
			sqlQuote(region), sqlQuote(filepath.Base(e.Path)), sqlQuote(e.Name), sqlQuote(e.Updated), e.Scale,
			sqlQuote(FormatOutline(e.Outline)), sqlQuote(e.DepthUnits), sqlQuote(strconv.Itoa(e.MaxZoom)))
	}
	return bw.Flush()
}

func writeZip(path, name string, data []byte) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

// WriteZdat writes the zipped <REGION>.sql snapshot of cat to path.
func WriteZdat(logger *zap.Logger, cat *Catalog, path string, opts ZdatOptions) error {
	var sql bytes.Buffer
	if err := writeZdatSQL(&sql, cat, opts); err != nil {
		return err
	}
	if err := writeZip(path, normalizeRegion(cat.Region)+".sql", sql.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	logger.Info("wrote zdat", zap.String("path", path), zap.Int("charts", len(cat.Entries)), zap.Bool("custom", opts.Custom))
	return nil
}

// ReadZdatEpoch returns the install date recorded in a zdat file.
func ReadZdatEpoch(path string) (int64, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return 0, fmt.Errorf("%s is empty", path)
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		var value string
		switch {
		case strings.HasPrefix(line, "UPDATE regions SET installeddate="):
			_, rest, _ := strings.Cut(line, "'")
			value, _, _ = strings.Cut(rest, "'")
		case strings.HasPrefix(line, "INSERT into [regions]"):
			rest := strings.TrimSuffix(strings.TrimSuffix(line, ");"), "'")
			value = rest[strings.LastIndex(rest, "'")+1:]
		default:
			continue
		}
		return strconv.ParseInt(value, 10, 64)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s has no install date", path)
}

// WriteUpdateZdat writes UPDATE.zdat listing the latest date and archive size
// of every region archive in compiledDir. It writes nothing when there are
// no archives.
func WriteUpdateZdat(logger *zap.Logger, compiledDir string) (string, error) {
	entries, err := os.ReadDir(compiledDir)
	if err != nil {
		return "", err
	}
	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "gemf") {
			archives = append(archives, e.Name())
		}
	}
	if len(archives) == 0 {
		return "", nil
	}
	sort.Strings(archives)

	var sql bytes.Buffer
	sql.WriteString("--MXMARINER-DBVERSION:1\n")
	for _, name := range archives {
		st, err := os.Stat(filepath.Join(compiledDir, name))
		if err != nil {
			return "", err
		}
		region := strings.TrimSuffix(name, filepath.Ext(name))
		epoch, err := ReadZdatEpoch(ZdatPath(compiledDir, region))
		if err != nil {
			return "", fmt.Errorf("region %s: %w", region, err)
		}
		fmt.Fprintf(&sql, "update regions set latestdate=%s, size=%s where name=%s;\n",
			sqlQuote(strconv.FormatInt(epoch, 10)), sqlQuote(strconv.FormatInt(st.Size(), 10)), sqlQuote(region))
	}
	path := filepath.Join(compiledDir, UpdateZdatName)
	if err := writeZip(path, "UPDATE.sql", sql.Bytes()); err != nil {
		return "", err
	}
	logger.Info("wrote update zdat", zap.String("path", path), zap.Int("regions", len(archives)))
	return path, nil
}

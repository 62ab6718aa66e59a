package mxmcc

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	ManifestName      = "manifest.json"
	ChartManifestName = "chart_manifest.json"
	manifestVersion   = 1
	timeStampPrefix   = "TS_"
)

// RegionManifest locates the published archive and metadata of a region.
type RegionManifest struct {
	GemfURL      string `json:"gemf_url"`
	DataURL      string `json:"data_url"`
	GemfChecksum string `json:"gemf_checksum"`
	DataChecksum string `json:"data_checksum"`
	SizeBytes    int64  `json:"size_bytes"`
	Epoch        int64  `json:"epoch"`
}

// Manifest lists every published region.
type Manifest struct {
	ManifestVersion int                       `json:"manifest_version"`
	Regions         map[string]RegionManifest `json:"regions"`
}

// ChartManifestEntry locates one published chart archive.
type ChartManifestEntry struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	CheckSum  string `json:"check_sum"`
	SizeBytes int64  `json:"size_bytes"`
	Epoch     int64  `json:"epoch"`
}

// ChartManifest lists published per chart archives.
type ChartManifest struct {
	ManifestVersion int                  `json:"manifest_version"`
	Charts          []ChartManifestEntry `json:"charts"`
}

// Checksum is the hex SHA-1 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TimeStamp is the prefix published file names carry.
func TimeStamp(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("TS_2006-01-02_T_15_04")
}

func joinURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}

func emptyManifest() *Manifest {
	return &Manifest{ManifestVersion: manifestVersion, Regions: map[string]RegionManifest{}}
}

// ParseManifest decodes a manifest and checks its version.
func ParseManifest(b []byte) (*Manifest, error) {
	m := emptyManifest()
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	if m.ManifestVersion != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.ManifestVersion)
	}
	if m.Regions == nil {
		m.Regions = map[string]RegionManifest{}
	}
	return m, nil
}

// LoadManifest reads a manifest, returning an empty one when path does not
// exist.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return emptyManifest(), nil
	}
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Merge copies every region of other into m, replacing existing entries.
func (m *Manifest) Merge(other *Manifest) {
	for k, v := range other.Regions {
		m.Regions[k] = v
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

// PublishedFile is an archive renamed for upload.
type PublishedFile struct {
	Path string
	Name string
}

// BuildManifest timestamps every region archive in compiledDir together with
// its zdat, records them in base and writes manifest.json. It returns the
// renamed files. Archives already carrying a timestamp are left alone.
func BuildManifest(logger *zap.Logger, compiledDir, baseURL string, base *Manifest) (*Manifest, []PublishedFile, error) {
	if base == nil {
		base = emptyManifest()
	}
	entries, err := os.ReadDir(compiledDir)
	if err != nil {
		return nil, nil, err
	}
	var published []PublishedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "gemf") || strings.HasPrefix(name, timeStampPrefix) {
			continue
		}
		region := strings.TrimSuffix(name, filepath.Ext(name))
		zdat := ZdatPath(compiledDir, region)
		epoch, err := ReadZdatEpoch(zdat)
		if err != nil {
			return nil, nil, fmt.Errorf("region %s: %w", region, err)
		}
		ts := TimeStamp(epoch)
		gemfName := ts + "_" + name
		dataName := ts + "_" + filepath.Base(zdat)
		gemfPath := filepath.Join(compiledDir, gemfName)
		dataPath := filepath.Join(compiledDir, dataName)
		if err := os.Rename(filepath.Join(compiledDir, name), gemfPath); err != nil {
			return nil, nil, err
		}
		if err := os.Rename(zdat, dataPath); err != nil {
			return nil, nil, err
		}
		rm := RegionManifest{GemfURL: joinURL(baseURL, gemfName), DataURL: joinURL(baseURL, dataName), Epoch: epoch}
		if rm.GemfChecksum, err = Checksum(gemfPath); err != nil {
			return nil, nil, err
		}
		if rm.DataChecksum, err = Checksum(dataPath); err != nil {
			return nil, nil, err
		}
		st, err := os.Stat(gemfPath)
		if err != nil {
			return nil, nil, err
		}
		rm.SizeBytes = st.Size()
		base.Regions[region] = rm
		published = append(published, PublishedFile{gemfPath, gemfName}, PublishedFile{dataPath, dataName})
		logger.Info("added region to manifest", zap.String("region", region), zap.String("gemf", gemfName), zap.Int64("epoch", epoch))
	}
	if err := writeJSON(filepath.Join(compiledDir, ManifestName), base); err != nil {
		return nil, nil, err
	}
	return base, published, nil
}

// BuildChartManifest timestamps every MBTiles archive in compiledDir with its
// modification time and writes chart_manifest.json.
func BuildChartManifest(logger *zap.Logger, compiledDir, baseURL string) (*ChartManifest, []PublishedFile, error) {
	entries, err := os.ReadDir(compiledDir)
	if err != nil {
		return nil, nil, err
	}
	m := &ChartManifest{ManifestVersion: manifestVersion, Charts: []ChartManifestEntry{}}
	var published []PublishedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".mbtiles") || strings.HasPrefix(name, timeStampPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, nil, err
		}
		epoch := info.ModTime().Unix()
		renamed := TimeStamp(epoch) + "_" + name
		path := filepath.Join(compiledDir, renamed)
		if err := os.Rename(filepath.Join(compiledDir, name), path); err != nil {
			return nil, nil, err
		}
		sum, err := Checksum(path)
		if err != nil {
			return nil, nil, err
		}
		m.Charts = append(m.Charts, ChartManifestEntry{
			Name:      strings.TrimSuffix(name, ".mbtiles"),
			URL:       joinURL(baseURL, renamed),
			CheckSum:  sum,
			SizeBytes: info.Size(),
			Epoch:     epoch,
		})
		published = append(published, PublishedFile{path, renamed})
	}
	sort.Slice(m.Charts, func(i, j int) bool { return m.Charts[i].Name < m.Charts[j].Name })
	if err := writeJSON(filepath.Join(compiledDir, ChartManifestName), m); err != nil {
		return nil, nil, err
	}
	logger.Info("wrote chart manifest", zap.Int("charts", len(m.Charts)))
	return m, published, nil
}

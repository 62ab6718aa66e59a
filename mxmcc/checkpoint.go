package mxmcc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Checkpoint is a compile stage. A region's stored checkpoint is the last
// stage it completed.
type Checkpoint int

const (
	CheckpointNotStarted Checkpoint = iota
	CheckpointCatalog
	CheckpointTileVerify
	CheckpointMerge
	CheckpointOpt
	CheckpointEncrypted
	CheckpointArchive
	CheckpointMetadata
	CheckpointPublished
)

var checkpointNames = [...]string{
	"CHECKPOINT_NOT_STARTED",
	"CHECKPOINT_CATALOG",
	"CHECKPOINT_TILE_VERIFY",
	"CHECKPOINT_MERGE",
	"CHECKPOINT_OPT",
	"CHECKPOINT_ENCRYPTED",
	"CHECKPOINT_ARCHIVE",
	"CHECKPOINT_METADATA",
	"CHECKPOINT_PUBLISHED",
}

func (c Checkpoint) String() string {
	if c < 0 || int(c) >= len(checkpointNames) {
		return fmt.Sprintf("CHECKPOINT_%d", int(c))
	}
	return checkpointNames[c]
}

// ParseCheckpoint maps a stored name back to its stage. Unknown names are
// CheckpointNotStarted.
func ParseCheckpoint(s string) Checkpoint {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range checkpointNames {
		if name == s {
			return Checkpoint(i)
		}
	}
	return CheckpointNotStarted
}

// CheckpointFileName is the store file inside the catalog directory.
const CheckpointFileName = "checkpoint.txt"

const checkpointSep = ":::"

type checkpointKey struct {
	region  string
	profile string
}

// CheckpointStore persists the stage each region and profile reached. Every
// change rewrites the whole file.
type CheckpointStore struct {
	mu      sync.Mutex
	path    string
	entries map[checkpointKey]Checkpoint
}

// OpenCheckpointStore reads the store in dir. A missing file is an empty
// store and malformed lines are ignored.
func OpenCheckpointStore(dir string) (*CheckpointStore, error) {
	s := &CheckpointStore{
		path:    filepath.Join(dir, CheckpointFileName),
		entries: make(map[checkpointKey]Checkpoint),
	}
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.Split(strings.TrimSpace(sc.Text()), checkpointSep)
		if len(parts) != 3 {
			continue
		}
		s.entries[checkpointKey{parts[0], parts[1]}] = ParseCheckpoint(parts[2])
	}
	return s, sc.Err()
}

// Get returns the stage region reached under profile.
func (s *CheckpointStore) Get(region string, profile Profile) Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[checkpointKey{normalizeRegion(region), string(profile)}]
}

// Clear records that stage completed. The stored stage never moves
// backwards; use Reset to start over.
func (s *CheckpointStore) Clear(region string, profile Profile, stage Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey{normalizeRegion(region), string(profile)}
	if s.entries[key] >= stage {
		return nil
	}
	s.entries[key] = stage
	return s.commit()
}

// Reset forgets the progress of region under profile.
func (s *CheckpointStore) Reset(region string, profile Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, checkpointKey{normalizeRegion(region), string(profile)})
	return s.commit()
}

func (s *CheckpointStore) commit() error {
	keys := make([]checkpointKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].region != keys[j].region {
			return keys[i].region < keys[j].region
		}
		return keys[i].profile < keys[j].profile
	})
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k.region + checkpointSep + k.profile + checkpointSep + s.entries[k].String() + "\n")
	}
	if err := writeFileAtomic(s.path, []byte(b.String())); err != nil {
		return fmt.Errorf("saving checkpoints: %w", err)
	}
	return nil
}

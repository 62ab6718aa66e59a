package mxmcc

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ProgressWriter creates progress trackers for long running stages.
type ProgressWriter interface {
	// NewCountProgress tracks a number of tiles, charts or files.
	NewCountProgress(total int64, description string) Progress
	// NewBytesProgress tracks bytes written or uploaded.
	NewBytesProgress(total int64, description string) Progress
}

// Progress is one active tracker.
type Progress interface {
	io.Writer
	Add(num int)
	Close() error
}

var (
	progressMu     sync.RWMutex
	progressWriter ProgressWriter = barProgressWriter{}
)

// SetProgressWriter replaces the tracker factory used by every stage.
// A nil writer silences progress output.
func SetProgressWriter(pw ProgressWriter) {
	progressMu.Lock()
	defer progressMu.Unlock()
	if pw == nil {
		pw = quietProgressWriter{}
	}
	progressWriter = pw
}

// SetQuietMode switches between terminal progress bars and no output.
func SetQuietMode(quiet bool) {
	if quiet {
		SetProgressWriter(nil)
	} else {
		SetProgressWriter(barProgressWriter{})
	}
}

func getProgressWriter() ProgressWriter {
	progressMu.RLock()
	defer progressMu.RUnlock()
	return progressWriter
}

type barProgressWriter struct{}

func (barProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &barProgress{bar: progressbar.Default(total, description)}
}

func (barProgressWriter) NewBytesProgress(total int64, description string) Progress {
	return &barProgress{bar: progressbar.DefaultBytes(total, description)}
}

type barProgress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (p *barProgress) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bar.Write(data)
}

// Add is safe for concurrent use by worker goroutines.
func (p *barProgress) Add(num int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Add(num)
}

func (p *barProgress) Close() error {
	return p.bar.Close()
}

type quietProgressWriter struct{}

func (quietProgressWriter) NewCountProgress(int64, string) Progress { return quietProgress{} }

func (quietProgressWriter) NewBytesProgress(int64, string) Progress { return quietProgress{} }

type quietProgress struct{}

func (quietProgress) Write(data []byte) (int, error) { return len(data), nil }

func (quietProgress) Add(int) {}

func (quietProgress) Close() error { return nil }

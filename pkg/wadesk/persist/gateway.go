// Package persist implements the debounced, crash-safe snapshot writer.
// Mutations schedule a write; bursts coalesce into a single write after one
// second of quiescence. Writes go through a temp file and rename so a crash
// mid-write never leaves a truncated document behind.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a scheduled save is written.
const DefaultDebounce = time.Second

// SnapshotFunc produces the document to persist. It is called at write time,
// not schedule time, so the final write always carries the latest state.
type SnapshotFunc func() (any, error)

// Gateway debounces snapshot writes to a single JSON document.
type Gateway struct {
	path     string
	snapshot SnapshotFunc
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	// writes counts completed writes, for tests and health reporting.
	writes int
}

// New creates a gateway writing to path. A zero debounce falls back to
// DefaultDebounce.
func New(path string, snapshot SnapshotFunc, debounce time.Duration, logger *slog.Logger) *Gateway {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		path:     path,
		snapshot: snapshot,
		debounce: debounce,
		logger:   logger.With("component", "persist"),
	}
}

// ScheduleSave arms the debounce timer, resetting it if already armed.
// Each new mutation pushes the write further out until the burst settles.
func (g *Gateway) ScheduleSave() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.debounce, func() {
		if err := g.write(); err != nil {
			g.logger.Error("scheduled save failed", "path", g.path, "error", err)
		}
	})
}

// Flush cancels any pending timer and writes synchronously. Used on shutdown
// and by the periodic checkpoint.
func (g *Gateway) Flush() error {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	return g.write()
}

// Close flushes and stops accepting further schedules.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return g.Flush()
}

// Writes returns the number of completed writes.
func (g *Gateway) Writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}

func (g *Gateway) write() error {
	doc, err := g.snapshot()
	if err != nil {
		return fmt.Errorf("building snapshot: %w", err)
	}

	if err := WriteFileAtomic(g.path, doc); err != nil {
		return err
	}

	g.mu.Lock()
	g.writes++
	g.mu.Unlock()

	g.logger.Debug("snapshot saved", "path", g.path)
	return nil
}

// WriteFileAtomic marshals v as indented JSON and writes it via a temp file
// in the same directory followed by a rename.
func WriteFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads a JSON document into v. A missing file is not an error; ok
// reports whether a document was read.
func Load(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

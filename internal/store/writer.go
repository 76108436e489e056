package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDebounce is the default write-coalescing window.
const DefaultDebounce = 100 * time.Millisecond

// fileWriter coalesces rapid successive mutations into a single disk
// write. It is an explicit dirty-flag + timer pair rather than a generic
// debounce helper so the flush is deterministic and awaitable at
// shutdown.
type fileWriter struct {
	path     string
	debounce time.Duration
	marshal  func() ([]byte, error)
	logf     func(format string, args ...any)

	mu    sync.Mutex
	timer *time.Timer
	dirty bool
}

func newFileWriter(path string, debounce time.Duration, marshal func() ([]byte, error)) *fileWriter {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &fileWriter{
		path:     path,
		debounce: debounce,
		marshal:  marshal,
		logf:     log.Printf,
	}
}

// schedule marks the store dirty and arms the flush timer if it is not
// already armed. Mutations landing within the window ride the same
// write.
func (w *fileWriter) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirty = true
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Flush(); err != nil {
			w.logf("store: flush %s: %v", filepath.Base(w.path), err)
		}
	})
}

// Flush writes the current state to disk if dirty. Safe to call at any
// time; callers use it for deterministic shutdown.
func (w *fileWriter) Flush() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	w.dirty = false
	w.mu.Unlock()

	data, err := w.marshal()
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the store.
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

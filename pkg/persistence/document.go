// Package persistence is a small debounced JSON document writer used by
// pkg/task to persist each task's config.json: rapid successive updates
// (segment progress ticks) coalesce into a single write, while terminal
// transitions flush synchronously so a crash never loses a completed or
// failed segment's status.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"mediaproxy/pkg/logger"
)

// Document is a single JSON file on disk, written through an afero.Fs so
// tests can run entirely in-memory.
type Document struct {
	fs       afero.Fs
	filePath string
	debounce time.Duration

	saveMu    sync.Mutex
	saveTimer *time.Timer
	pending   interface{}
}

// New returns a Document backed by fs, persisted at filePath, debouncing
// ScheduleSave calls by the given interval.
func New(fs afero.Fs, filePath string, debounce time.Duration) *Document {
	return &Document{fs: fs, filePath: filePath, debounce: debounce}
}

// Load reads the document and unmarshals it into target. Returns (false,
// nil) if the file does not exist yet.
func (d *Document) Load(target interface{}) (bool, error) {
	data, err := afero.ReadFile(d.fs, d.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return true, err
	}
	return true, nil
}

// ScheduleSave records data as the latest snapshot and (re)starts the
// debounce timer. Concurrent calls before the timer fires overwrite the
// pending snapshot and restart the clock -- only the last one is written.
func (d *Document) ScheduleSave(data interface{}) {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.pending = data
	if d.saveTimer != nil {
		d.saveTimer.Stop()
	}
	d.saveTimer = time.AfterFunc(d.debounce, func() {
		d.saveMu.Lock()
		snapshot := d.pending
		d.saveTimer = nil
		d.saveMu.Unlock()
		if err := d.writeLocked(snapshot); err != nil {
			logger.Error("persistence: debounced save failed", "path", d.filePath, "err", err)
		}
	})
}

// SaveNow cancels any pending debounced write and persists data
// synchronously. Used for terminal state transitions (Completed/Failed)
// that must never be lost to an abrupt process exit.
func (d *Document) SaveNow(data interface{}) error {
	d.saveMu.Lock()
	if d.saveTimer != nil {
		d.saveTimer.Stop()
		d.saveTimer = nil
	}
	d.saveMu.Unlock()
	return d.writeLocked(data)
}

// Flush persists the most recently scheduled snapshot immediately, if any
// write is still pending.
func (d *Document) Flush() error {
	d.saveMu.Lock()
	if d.saveTimer == nil {
		d.saveMu.Unlock()
		return nil
	}
	d.saveTimer.Stop()
	d.saveTimer = nil
	snapshot := d.pending
	d.saveMu.Unlock()
	return d.writeLocked(snapshot)
}

func (d *Document) writeLocked(data interface{}) error {
	if data == nil {
		return nil
	}
	if err := d.fs.MkdirAll(filepath.Dir(d.filePath), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(d.fs, d.filePath, raw, 0644)
}

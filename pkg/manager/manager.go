// Package manager implements DownloadManager: the task registry, cache-root
// bookkeeping, and TTL/LRU eviction that keeps the on-disk cache bounded.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/logger"
	"mediaproxy/pkg/queue"
	"mediaproxy/pkg/task"
)

// registrySize bounds the in-memory task registry independent of the
// on-disk cache's byte budget: it's a defensive ceiling on how many media
// URLs can be tracked in memory at once, not the cache eviction policy
// itself (that's CachePolicy below).
const registrySize = 4096

// CachePolicy decides which tasks' cache directories to remove when the
// on-disk cache needs to shrink. Implementations must skip tasks with
// ActiveSessions() > 0.
type CachePolicy interface {
	// SelectForEviction returns the cache directories (relative to the
	// cache root) to delete, given the current on-disk entries and a
	// target maximum size in bytes.
	SelectForEviction(entries []CacheEntry, maxSize int64, cleanupRatio float64, maxAge time.Duration) []string
}

// CacheEntry describes one task's cache directory for eviction purposes.
type CacheEntry struct {
	Dir            string
	SizeBytes      int64
	LastAccessTime time.Time
	Active         bool
}

// SmartCachePolicy evicts in two phases: first anything older than maxAge
// regardless of size, then -- if still over maxSize -- the least recently
// accessed survivors until usage drops to maxSize*cleanupRatio.
type SmartCachePolicy struct{}

func (SmartCachePolicy) SelectForEviction(entries []CacheEntry, maxSize int64, cleanupRatio float64, maxAge time.Duration) []string {
	var victims []string
	var survivors []CacheEntry
	cutoff := time.Now().Add(-maxAge)

	total := int64(0)
	for _, e := range entries {
		if e.Active {
			survivors = append(survivors, e)
			total += e.SizeBytes
			continue
		}
		if e.LastAccessTime.Before(cutoff) {
			victims = append(victims, e.Dir)
			continue
		}
		survivors = append(survivors, e)
		total += e.SizeBytes
	}

	if total <= maxSize {
		return victims
	}

	target := int64(float64(maxSize) * cleanupRatio)
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].LastAccessTime.Before(survivors[j].LastAccessTime)
	})

	for _, e := range survivors {
		if total <= target {
			break
		}
		if e.Active {
			continue
		}
		victims = append(victims, e.Dir)
		total -= e.SizeBytes
	}
	return victims
}

// Manager owns every in-memory DownloadTask and the on-disk cache they
// populate.
type Manager struct {
	cfg    *config.Config
	fs     afero.Fs
	queue  *queue.Queue
	client *http.Client
	policy CachePolicy

	tasks *lru.Cache[string, *task.Task]
	group singleflight.Group
}

// New builds a Manager rooted at cfg.CacheRootDir.
func New(fs afero.Fs, cfg *config.Config, q *queue.Queue, httpClient *http.Client) *Manager {
	tasks, _ := lru.NewWithEvict[string, *task.Task](registrySize, func(key string, t *task.Task) {
		t.Flush()
	})
	return &Manager{
		cfg:    cfg,
		fs:     fs,
		queue:  q,
		client: httpClient,
		policy: SmartCachePolicy{},
		tasks:  tasks,
	}
}

// GetCacheRoot returns the directory all task cache directories live
// under.
func (m *Manager) GetCacheRoot() string {
	return m.cfg.CacheRootDir
}

// GetOrCreateTask returns the in-memory task for (mediaURL, headers),
// initializing a new one if this is the first request for that identity.
// Concurrent callers for the same identity share one initialization via
// singleflight.
func (m *Manager) GetOrCreateTask(ctx context.Context, mediaURL string, headers map[string]string) (*task.Task, error) {
	key := task.CacheKey(mediaURL, headers)

	if t, ok := m.tasks.Get(key); ok {
		return t, nil
	}

	m.autoCleanup()

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		if t, ok := m.tasks.Get(key); ok {
			return t, nil
		}
		cacheDir := filepath.Join(m.GetCacheRoot(), key)
		t := task.New(m.fs, m.cfg, m.queue, m.client, mediaURL, headers, cacheDir)
		if err := t.Initialize(ctx); err != nil {
			return nil, err
		}
		m.tasks.Add(key, t)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("manager: initialize task: %w", err)
	}
	return v.(*task.Task), nil
}

// RemoveTaskIfInactive evicts a task from the in-memory registry (flushing
// its state first) once it has no active sessions. Cache files on disk are
// preserved.
func (m *Manager) RemoveTaskIfInactive(mediaURL string, headers map[string]string) {
	key := task.CacheKey(mediaURL, headers)
	t, ok := m.tasks.Peek(key)
	if !ok || t.ActiveSessions() > 0 {
		return
	}
	t.Flush()
	m.tasks.Remove(key)
}

// GetCacheSize sums the on-disk size of every entry under the cache root.
func (m *Manager) GetCacheSize() int64 {
	var total int64
	entries, _ := afero.ReadDir(m.fs, m.GetCacheRoot())
	for _, e := range entries {
		total += m.dirSize(filepath.Join(m.GetCacheRoot(), e.Name()))
	}
	return total
}

func (m *Manager) dirSize(dir string) int64 {
	var total int64
	files, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return 0
	}
	for _, f := range files {
		if !f.IsDir() {
			total += f.Size()
		}
	}
	return total
}

// ClearAllCache flushes and drops every in-memory task and deletes the
// entire on-disk cache root.
func (m *Manager) ClearAllCache() error {
	for _, key := range m.tasks.Keys() {
		if t, ok := m.tasks.Peek(key); ok {
			t.Flush()
		}
	}
	m.tasks.Purge()
	return m.fs.RemoveAll(m.GetCacheRoot())
}

// CleanupCacheLRU runs policy (SmartCachePolicy if nil) against the current
// on-disk entries, deleting directories it selects for eviction. Active
// tasks are never removed.
func (m *Manager) CleanupCacheLRU(maxSize int64, policy CachePolicy) {
	if policy == nil {
		policy = m.policy
	}

	entries := m.collectEntries()
	victims := policy.SelectForEviction(entries, maxSize, m.cfg.CacheCleanupRatio, time.Duration(m.cfg.CacheMaxAgeSeconds)*time.Second)
	for _, dir := range victims {
		logger.Info("manager: evicting cache entry", "dir", dir)
		m.removeEntry(dir)
	}
}

func (m *Manager) collectEntries() []CacheEntry {
	dirs, _ := afero.ReadDir(m.fs, m.GetCacheRoot())
	entries := make([]CacheEntry, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		full := filepath.Join(m.GetCacheRoot(), d.Name())
		entry := CacheEntry{Dir: d.Name(), SizeBytes: m.dirSize(full), LastAccessTime: d.ModTime()}

		if t, ok := m.tasks.Peek(d.Name()); ok {
			entry.Active = t.ActiveSessions() > 0
			entry.LastAccessTime = t.LastAccessTime()
		} else if corrupt := m.isCorrupt(full); corrupt {
			entry.LastAccessTime = time.Time{} // force eviction of unreadable state
		}
		entries = append(entries, entry)
	}
	return entries
}

func (m *Manager) isCorrupt(dir string) bool {
	data, err := afero.ReadFile(m.fs, filepath.Join(dir, "config.json"))
	if err != nil {
		return false
	}
	return !looksLikeJSONObject(data)
}

func looksLikeJSONObject(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

func (m *Manager) removeEntry(name string) {
	m.tasks.Remove(name)
	m.fs.RemoveAll(filepath.Join(m.GetCacheRoot(), name))
}

// autoCleanup runs before a new task is created: it removes stale .tmp
// files first, then -- if the cache has grown past its configured maximum
// -- applies the eviction policy.
func (m *Manager) autoCleanup() {
	m.removeStaleTempFiles(24 * time.Hour)
	if m.GetCacheSize() > m.cfg.MaxCacheSizeBytes {
		m.CleanupCacheLRU(m.cfg.MaxCacheSizeBytes, nil)
	}
}

func (m *Manager) removeStaleTempFiles(age time.Duration) {
	cutoff := time.Now().Add(-age)
	dirs, _ := afero.ReadDir(m.fs, m.GetCacheRoot())
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		full := filepath.Join(m.GetCacheRoot(), d.Name())
		files, _ := afero.ReadDir(m.fs, full)
		for _, f := range files {
			if strings.HasSuffix(f.Name(), ".tmp") && f.ModTime().Before(cutoff) {
				m.fs.Remove(filepath.Join(full, f.Name()))
			}
		}
	}
}

// HandleDiskFull reacts to a disk-full signal from the downloader by
// evicting expired entries and then the least recently accessed ones until
// usage is at most EmergencyEvictionRatio of the configured max size, in
// place of the normal max-size threshold.
func (m *Manager) HandleDiskFull() {
	logger.Warn("manager: disk full signal received, running emergency eviction")
	target := int64(float64(m.cfg.MaxCacheSizeBytes) * m.cfg.EmergencyEvictionRatio)
	victims := SmartCachePolicy{}.SelectForEviction(m.collectEntries(), target, 1.0, time.Duration(m.cfg.CacheMaxAgeSeconds)*time.Second)
	for _, dir := range victims {
		logger.Info("manager: evicting cache entry", "dir", dir)
		m.removeEntry(dir)
	}
}

// IsDiskFullError reports whether err is (or wraps) the downloader's
// disk-full sentinel, so callers outside this package can react without
// importing pkg/downloader directly for this one check.
func IsDiskFullError(err error) bool {
	return errors.Is(err, downloader.ErrDiskFull)
}

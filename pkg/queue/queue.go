// Package queue implements GlobalQueue: a single process-wide priority
// queue over segment downloads, with per-media concurrency caps and a
// startup-exclusivity window that reserves bandwidth for the segment a
// player is actively waiting on.
package queue

import (
	"context"
	"errors"
	"sync"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/logger"
	"mediaproxy/pkg/segment"
)

// Priority levels named in the external interface.
const (
	Background     = 10
	Preplay        = 50
	Playing        = 100
	TailOrMoov     = 150 // PLAYING_URGENT - 50
	PlayingUrgent  = 200
)

// Item is one requested segment download and its completion callbacks. It
// weakly references Segment -- the segment's lifetime belongs to its owning
// task, not to the queue.
type Item struct {
	MediaURL       string
	Segment        *segment.Segment
	CacheDir       string
	Headers        map[string]string
	Priority       int
	CancelToken    func() bool
	OnProgress     func(int64)
	OnComplete     func(success bool)
	OnStatusChange func(segment.Status)

	cancelled bool
}

func (it *Item) complete(success bool) {
	if it.OnComplete != nil {
		it.OnComplete(success)
	}
}

// IsCancelled reports whether this item has been marked cancelled directly
// or its cancel token fires.
func (it *Item) IsCancelled() bool {
	return it.cancelled || (it.CancelToken != nil && it.CancelToken())
}

func (it *Item) activeKey() string {
	return it.MediaURL + "|" + itoa(it.Segment.StartByte)
}

// Queue is the single process-wide priority scheduler for segment
// downloads. Its state is guarded by mu; the scheduling loop that picks
// items to start is non-reentrant (guarded by processingMu), so it behaves
// as a single-threaded cooperative scheduler even though callers invoke the
// queue from many goroutines.
type Queue struct {
	cfg *config.Config
	dl  *downloader.SegmentDownloader

	mu      sync.Mutex
	pending []*Item
	active  map[string]*Item

	perMediaActive map[string]int
	currentPlaying string
	startupLocks   map[string]int
	onDiskFull     func()

	processingMu sync.Mutex
	processing   bool
}

// New builds an empty Queue backed by dl for actual segment fetches.
func New(cfg *config.Config, dl *downloader.SegmentDownloader) *Queue {
	return &Queue{
		cfg:            cfg,
		dl:             dl,
		active:         make(map[string]*Item),
		perMediaActive: make(map[string]int),
		startupLocks:   make(map[string]int),
	}
}

// Enqueue admits item into the pending list, or short-circuits it if its
// segment is already done or in flight.
func (q *Queue) Enqueue(item *Item) {
	q.mu.Lock()

	switch item.Segment.Status() {
	case segment.Completed:
		q.mu.Unlock()
		if item.OnComplete != nil {
			item.OnComplete(true)
		}
		return
	case segment.Downloading:
		q.mu.Unlock()
		return
	}

	key := item.activeKey()
	if _, ok := q.active[key]; ok {
		q.mu.Unlock()
		return
	}
	for _, p := range q.pending {
		if p.activeKey() == key {
			q.mu.Unlock()
			return
		}
	}

	if item.MediaURL == q.currentPlaying && item.Priority < Playing {
		item.Priority = Playing
	}

	insertAt := len(q.pending)
	for i, p := range q.pending {
		if p.Priority < item.Priority {
			insertAt = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[insertAt+1:], q.pending[insertAt:])
	q.pending[insertAt] = item
	q.mu.Unlock()

	q.kick()
}

// SetCurrentPlaying marks url as the actively-played media. Its own pending
// items are promoted to Playing priority; the previously-playing media's
// pending items are demoted to Background if PauseOldDownloadsOnSwitch is
// set.
func (q *Queue) SetCurrentPlaying(url string) {
	q.mu.Lock()
	if url == q.currentPlaying {
		q.mu.Unlock()
		return
	}
	old := q.currentPlaying
	q.currentPlaying = url

	for _, p := range q.pending {
		if p.MediaURL == url && p.Priority < Playing {
			p.Priority = Playing
		}
	}
	if q.cfg.PauseOldDownloadsOnSwitch && old != "" {
		for _, p := range q.pending {
			if p.MediaURL == old {
				p.Priority = Background
			}
		}
	}
	q.reorderLocked()
	q.mu.Unlock()

	q.kick()
}

// CancelMedia removes url's pending items (invoking OnComplete(false) for
// each) and, if cancelActive, marks its active items cancelled so their
// download loop observes it on the next chunk.
func (q *Queue) CancelMedia(url string, cancelActive bool) {
	q.mu.Lock()
	kept := q.pending[:0]
	var dropped []*Item
	for _, p := range q.pending {
		if p.MediaURL == url {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}
	q.pending = kept

	if cancelActive {
		for _, a := range q.active {
			if a.MediaURL == url {
				a.cancelled = true
			}
		}
	}
	q.mu.Unlock()

	for _, p := range dropped {
		if p.OnComplete != nil {
			p.OnComplete(false)
		}
	}
}

// PauseAll demotes every pending item to Background priority.
func (q *Queue) PauseAll() {
	q.mu.Lock()
	for _, p := range q.pending {
		p.Priority = Background
	}
	q.reorderLocked()
	q.mu.Unlock()
}

// CancelAllExceptCurrent cancels every media other than currentPlaying.
func (q *Queue) CancelAllExceptCurrent() {
	q.mu.Lock()
	current := q.currentPlaying
	q.mu.Unlock()

	seen := map[string]bool{}
	q.mu.Lock()
	for _, p := range q.pending {
		if p.MediaURL != current {
			seen[p.MediaURL] = true
		}
	}
	for _, a := range q.active {
		if a.MediaURL != current {
			seen[a.MediaURL] = true
		}
	}
	q.mu.Unlock()

	for url := range seen {
		q.CancelMedia(url, true)
	}
}

// UpdateStartupLock increments or decrements url's startup-exclusivity
// counter. A positive count for any media gates the scheduling loop to the
// critical segments (first-playback, tail/moov) only.
func (q *Queue) UpdateStartupLock(url string, delta int) {
	q.mu.Lock()
	q.startupLocks[url] += delta
	if q.startupLocks[url] <= 0 {
		delete(q.startupLocks, url)
	}
	q.mu.Unlock()
	q.kick()
}

// SetDiskFullHandler registers fn to be invoked once per dispatch whenever a
// segment download fails with downloader.ErrDiskFull, so a caller wired to
// the cache (DownloadManager) can react with emergency eviction. Intended to
// be set once during startup, before the queue begins dispatching downloads.
func (q *Queue) SetDiskFullHandler(fn func()) {
	q.mu.Lock()
	q.onDiskFull = fn
	q.mu.Unlock()
}

func (q *Queue) reorderLocked() {
	stableSortByPriorityDesc(q.pending)
}

// kick re-enters the scheduling loop if it isn't already running. The loop
// is non-reentrant: at most one goroutine ever runs it at a time, matching
// the single-threaded cooperative scheduling model.
func (q *Queue) kick() {
	q.processingMu.Lock()
	if q.processing {
		q.processingMu.Unlock()
		return
	}
	q.processing = true
	q.processingMu.Unlock()

	go q.run()
}

func (q *Queue) run() {
	defer func() {
		q.processingMu.Lock()
		q.processing = false
		q.processingMu.Unlock()
	}()

	for {
		item := q.pickNext()
		if item == nil {
			return
		}
		q.dispatch(item)
	}
}

// pickNext applies the startup gate and per-media concurrency cap, removes
// the chosen item from pending and records it active. Items that turn out
// to be cancelled or already resolved (Completed/Downloading, e.g. raced
// with another enqueue) are drained and resolved inline without counting
// against the concurrency cap; the loop continues to the next candidate.
// Returns nil when nothing may be started right now.
func (q *Queue) pickNext() *Item {
	for {
		q.mu.Lock()

		if len(q.pending) == 0 || len(q.active) >= q.cfg.GlobalMaxConcurrentDownloads {
			q.mu.Unlock()
			return nil
		}

		if len(q.startupLocks) > 0 && q.pending[0].Priority < TailOrMoov {
			q.mu.Unlock()
			return nil
		}

		idx := 0
		head := q.pending[0]
		if q.perMediaActive[head.MediaURL] >= q.cfg.PerMediaMaxConcurrentDownloads {
			idx = -1
			for i, p := range q.pending {
				if q.perMediaActive[p.MediaURL] < q.cfg.PerMediaMaxConcurrentDownloads {
					idx = i
					break
				}
			}
			if idx == -1 {
				q.mu.Unlock()
				return nil
			}
		}

		item := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)

		if item.IsCancelled() {
			q.mu.Unlock()
			item.complete(false)
			continue
		}

		switch item.Segment.Status() {
		case segment.Completed:
			q.mu.Unlock()
			item.complete(true)
			continue
		case segment.Downloading:
			q.mu.Unlock()
			item.complete(false)
			continue
		}

		q.active[item.activeKey()] = item
		q.perMediaActive[item.MediaURL]++
		q.mu.Unlock()
		return item
	}
}

func (q *Queue) dispatch(item *Item) {
	go func() {
		ok, err := q.dl.Download(context.Background(), item.MediaURL, item.Segment, item.CacheDir, item.Headers, item.OnProgress, item.IsCancelled, item.OnStatusChange)
		if err != nil {
			logger.Warn("queue: segment download failed", "media", item.MediaURL, "start", item.Segment.StartByte, "err", err)
			if errors.Is(err, downloader.ErrDiskFull) {
				q.mu.Lock()
				onDiskFull := q.onDiskFull
				q.mu.Unlock()
				if onDiskFull != nil {
					onDiskFull()
				}
			}
		}

		q.mu.Lock()
		delete(q.active, item.activeKey())
		q.perMediaActive[item.MediaURL]--
		if q.perMediaActive[item.MediaURL] <= 0 {
			delete(q.perMediaActive, item.MediaURL)
		}
		q.mu.Unlock()

		if item.OnComplete != nil {
			item.OnComplete(ok)
		}
		q.kick()
	}()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func stableSortByPriorityDesc(items []*Item) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].Priority < items[j].Priority {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}

// Package task implements DownloadTask: the per-media-URL state holder that
// owns a cache directory, its segment layout, and the probe/moov-detection
// logic that populates them on first request.
package task

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/logger"
	"mediaproxy/pkg/mimetype"
	"mediaproxy/pkg/moov"
	"mediaproxy/pkg/persistence"
	"mediaproxy/pkg/queue"
	"mediaproxy/pkg/segment"
)

// persistedState is the JSON shape written to config.json in the task's
// cache directory.
type persistedState struct {
	ContentLength  int64               `json:"contentLength"`
	ContentType    string              `json:"contentType"`
	LastAccessTime int64               `json:"lastAccessTime"`
	RequestHeaders map[string]string   `json:"requestHeaders"`
	Segments       []segment.Persisted `json:"segments"`
}

// Task is a single media URL's download state: its segment layout, on-disk
// cache directory, and moov-prefetch bookkeeping.
type Task struct {
	MediaURL string
	Headers  map[string]string
	CacheDir string

	cfg   *config.Config
	fs    afero.Fs
	queue *queue.Queue
	http  *http.Client

	mu            sync.Mutex
	contentLength int64
	contentType   string
	segments      []*segment.Segment
	moovAtStart   moovState
	moovPreloaded bool
	lastAccess    time.Time
	cancelled     bool

	activeSessions int32

	doc *persistence.Document
}

type moovState int

const (
	moovUnknown moovState = iota
	moovAtStartTrue
	moovAtStartFalse
)

// CacheKey derives the stable, filesystem-safe identity of a (mediaURL,
// headers) pair: an MD5 hash of the URL and the headers canonicalized by
// lower-casing keys and sorting them, so header ordering and case never
// cause a cache-directory split.
func CacheKey(mediaURL string, headers map[string]string) string {
	canon := make(map[string]string, len(headers))
	keys := make([]string, 0, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		if _, dup := canon[lk]; !dup {
			keys = append(keys, lk)
		}
		canon[lk] = v
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(mediaURL)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canon[k])
	}

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// New builds an uninitialized Task rooted at cacheDir. Call Initialize
// before using it.
func New(fs afero.Fs, cfg *config.Config, q *queue.Queue, httpClient *http.Client, mediaURL string, headers map[string]string, cacheDir string) *Task {
	return &Task{
		MediaURL:      mediaURL,
		Headers:       headers,
		CacheDir:      cacheDir,
		cfg:           cfg,
		fs:            fs,
		queue:         q,
		http:          httpClient,
		contentLength: -1,
		lastAccess:    time.Now(),
		doc:           persistence.New(fs, filepath.Join(cacheDir, "config.json"), time.Duration(cfg.ConfigSaveIntervalMs)*time.Millisecond),
	}
}

// Initialize creates the cache directory, loads any persisted state,
// reconciles segments against what's actually on disk, probes the upstream
// for contentLength when unknown, and lays out segments once the length is
// known.
func (t *Task) Initialize(ctx context.Context) error {
	if err := t.fs.MkdirAll(t.CacheDir, 0o755); err != nil {
		return fmt.Errorf("task: create cache dir: %w", err)
	}

	var state persistedState
	if found, err := t.doc.Load(&state); err != nil {
		logger.Warn("task: corrupt config.json, starting fresh", "dir", t.CacheDir, "err", err)
	} else if found {
		t.mu.Lock()
		t.contentLength = state.ContentLength
		t.contentType = state.ContentType
		if state.LastAccessTime > 0 {
			t.lastAccess = time.UnixMilli(state.LastAccessTime)
		}
		for _, p := range state.Segments {
			t.segments = append(t.segments, segment.FromPersisted(p))
		}
		t.mu.Unlock()
	}

	for _, seg := range t.segments {
		if err := seg.ReconcileWithDisk(t.fs, t.CacheDir); err != nil {
			logger.Warn("task: reconcile segment failed", "dir", t.CacheDir, "err", err)
		}
	}

	var leadingBytes []byte
	if t.contentLength < 0 {
		length, contentType, leading, err := t.probe(ctx)
		if err != nil {
			return fmt.Errorf("task: probe upstream: %w", err)
		}
		t.mu.Lock()
		t.contentLength = length
		t.contentType = contentType
		t.mu.Unlock()
		leadingBytes = leading
	}

	t.mu.Lock()
	if t.contentType == "" {
		t.contentType = mimetype.FromURL(t.MediaURL)
	}
	isMP4 := mimetype.IsMP4(t.contentType)
	needsDetect := isMP4 && t.moovAtStart == moovUnknown
	length := t.contentLength
	t.mu.Unlock()

	if needsDetect {
		t.detectMoov(ctx, length, leadingBytes)
	}

	t.mu.Lock()
	empty := len(t.segments) == 0
	t.mu.Unlock()
	if empty && length > 0 {
		if err := t.layoutSegments(length); err != nil {
			return err
		}
	}

	t.saveSnapshot(false)
	return nil
}

// probe determines contentLength and contentType via HEAD, falling back to
// a ranged GET of the first MoovDetectionBytes bytes when HEAD fails or
// omits Content-Length. The bytes read during the fallback are returned so
// Initialize can reuse them for moov detection without a second request.
func (t *Task) probe(ctx context.Context) (int64, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.MediaURL, nil)
	if err == nil {
		for k, v := range t.Headers {
			req.Header.Set(k, v)
		}
		if resp, err := t.http.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
				return resp.ContentLength, resp.Header.Get("Content-Type"), nil, nil
			}
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, t.MediaURL, nil)
	if err != nil {
		return 0, "", nil, err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", t.cfg.MoovDetectionBytes-1))

	resp, err := t.http.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	total, ok := downloader.ParseContentRangeTotal(resp.Header.Get("Content-Range"))
	if !ok {
		return 0, "", nil, fmt.Errorf("task: upstream gave no usable length for %s", t.MediaURL)
	}

	buf := make([]byte, t.cfg.MoovDetectionBytes)
	n, _ := readFull(resp.Body, buf)
	return total, resp.Header.Get("Content-Type"), buf[:n], nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *Task) detectMoov(ctx context.Context, length int64, leading []byte) {
	if moov.SkipDetection(length, t.cfg.SkipMoovDetectionThreshold) {
		t.mu.Lock()
		t.moovAtStart = moovAtStartTrue
		t.mu.Unlock()
		return
	}

	data := leading
	if len(data) < moov.DetectionBytes {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.MediaURL, nil)
		if err == nil {
			for k, v := range t.Headers {
				req.Header.Set(k, v)
			}
			req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", moov.DetectionBytes-1))
			if resp, err := t.http.Do(req); err == nil {
				buf := make([]byte, moov.DetectionBytes)
				n, _ := readFull(resp.Body, buf)
				resp.Body.Close()
				data = buf[:n]
			}
		}
	}

	pos := moov.Detect(data)
	t.mu.Lock()
	if pos == moov.AtStart {
		t.moovAtStart = moovAtStartTrue
	} else {
		t.moovAtStart = moovAtStartFalse
	}
	t.mu.Unlock()
}

// layoutSegments divides [0, length-1] into fixed-size segments, enlarging
// the segment size if the natural division would exceed MaxSegmentCount.
func (t *Task) layoutSegments(length int64) error {
	size := t.cfg.SegmentSizeBytes
	count := (length + size - 1) / size
	if int(count) > t.cfg.MaxSegmentCount {
		size = (length + int64(t.cfg.MaxSegmentCount) - 1) / int64(t.cfg.MaxSegmentCount)
		count = (length + size - 1) / size
		if int(count) > t.cfg.MaxSegmentCount {
			return fmt.Errorf("task: %d-byte file exceeds max segment count %d even after enlarging segment size", length, t.cfg.MaxSegmentCount)
		}
	}

	segs := make([]*segment.Segment, 0, count)
	for start := int64(0); start < length; start += size {
		end := start + size - 1
		if end >= length {
			end = length - 1
		}
		segs = append(segs, segment.New(start, end))
	}

	t.mu.Lock()
	t.segments = segs
	t.mu.Unlock()
	return nil
}

// IsMP4 reports whether the task's resolved content type is an MP4/M4V
// container.
func (t *Task) IsMP4() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return mimetype.IsMP4(t.contentType)
}

// MoovAtStart reports the detected moov position. The middle return value
// is false until detection has actually run.
func (t *Task) MoovAtStart() (atStart bool, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moovAtStart == moovAtStartTrue, t.moovAtStart != moovUnknown
}

func (t *Task) ContentLength() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contentLength
}

func (t *Task) ContentType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contentType
}

// GetSegmentsForRange returns the ordered segments overlapping
// [rangeStart, rangeEnd], lazily creating them if none were pre-laid out
// yet but contentLength is known.
func (t *Task) GetSegmentsForRange(rangeStart, rangeEnd int64) []*segment.Segment {
	t.mu.Lock()
	empty := len(t.segments) == 0
	length := t.contentLength
	t.mu.Unlock()

	if empty && length > 0 {
		t.layoutSegments(length)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*segment.Segment
	for _, seg := range t.segments {
		if seg.EndByte >= rangeStart && seg.StartByte <= rangeEnd {
			out = append(out, seg)
		}
	}
	return out
}

// AllSegments returns every segment in the task's layout, in order.
func (t *Task) AllSegments() []*segment.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*segment.Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// LastSegment returns the task's final segment, or nil if none laid out
// yet.
func (t *Task) LastSegment() *segment.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.segments) == 0 {
		return nil
	}
	return t.segments[len(t.segments)-1]
}

// UpdateSegmentStatus mutates a segment's status, broadcasts the change to
// any waiter, and persists: synchronously on terminal states
// (Completed/Failed) so an abrupt process exit never loses a finished
// download, otherwise via the debounced writer. This is the single place a
// segment's status transition is both broadcast and persisted -- the
// downloader routes every transition through it instead of touching the
// segment directly (see SegmentDownloader.Download's onStatusChange param).
func (t *Task) UpdateSegmentStatus(seg *segment.Segment, status segment.Status) {
	seg.SetStatus(status)
	seg.Broadcast()

	if status == segment.Completed || status == segment.Failed {
		t.saveSnapshot(true)
	} else {
		t.saveSnapshot(false)
	}
}

// PreloadMoovSegment enqueues the task's last segment at tail/moov
// priority if this is an MP4 with moov at the end and the tail segment
// isn't already complete or in flight. Idempotent: repeated calls before
// the first one resolves are no-ops. On failure, the "already preloaded"
// flag is reset so a later call can retry.
func (t *Task) PreloadMoovSegment() {
	atStart, known := t.MoovAtStart()
	if !t.IsMP4() || !known || atStart {
		return
	}

	t.mu.Lock()
	if t.moovPreloaded {
		t.mu.Unlock()
		return
	}
	t.moovPreloaded = true
	t.mu.Unlock()

	last := t.LastSegment()
	if last == nil {
		t.mu.Lock()
		t.moovPreloaded = false
		t.mu.Unlock()
		return
	}
	switch last.Status() {
	case segment.Completed, segment.Downloading:
		return
	}

	t.queue.Enqueue(&queue.Item{
		MediaURL: t.MediaURL,
		Segment:  last,
		CacheDir: t.CacheDir,
		Headers:  t.Headers,
		Priority: queue.TailOrMoov,
		OnComplete: func(success bool) {
			if !success {
				t.mu.Lock()
				t.moovPreloaded = false
				t.mu.Unlock()
			}
		},
		OnStatusChange: func(status segment.Status) {
			t.UpdateSegmentStatus(last, status)
		},
	})
}

// AddSession registers one more active player session against this task,
// preventing eviction while it runs.
func (t *Task) AddSession() {
	atomic.AddInt32(&t.activeSessions, 1)
	t.mu.Lock()
	t.lastAccess = time.Now()
	t.mu.Unlock()
}

// RemoveSession unregisters a session. Returns the task's active count
// after removal.
func (t *Task) RemoveSession() int32 {
	n := atomic.AddInt32(&t.activeSessions, -1)
	t.mu.Lock()
	t.lastAccess = time.Now()
	t.mu.Unlock()
	return n
}

func (t *Task) ActiveSessions() int32 {
	return atomic.LoadInt32(&t.activeSessions)
}

func (t *Task) LastAccessTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAccess
}

// Flush persists the task's current state synchronously, used before a
// Task is dropped from the in-memory registry.
func (t *Task) Flush() error {
	return t.saveSnapshot(true)
}

func (t *Task) saveSnapshot(synchronous bool) error {
	t.mu.Lock()
	state := persistedState{
		ContentLength:  t.contentLength,
		ContentType:    t.contentType,
		LastAccessTime: t.lastAccess.UnixMilli(),
		RequestHeaders: t.Headers,
	}
	for _, seg := range t.segments {
		state.Segments = append(state.Segments, seg.ToPersisted())
	}
	t.mu.Unlock()

	if synchronous {
		return t.doc.SaveNow(state)
	}
	t.doc.ScheduleSave(state)
	return nil
}

// Package proxy implements ProxyServer: a loopback-only HTTP listener that
// turns a remote media URL into a local, seekable http://127.0.0.1:<port>
// URL backed by the on-disk segment cache.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/logger"
	"mediaproxy/pkg/manager"
	"mediaproxy/pkg/mimetype"
	"mediaproxy/pkg/queue"
	"mediaproxy/pkg/segment"
	"mediaproxy/pkg/task"
)

// Session is one HTTP request's context: exclusively owned by its handler
// goroutine and discarded when the handler returns.
type Session struct {
	ID         string
	Task       *task.Task
	RangeStart int64
	RangeEnd   int64

	mu     sync.Mutex
	closed bool
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Server is the loopback proxy's HTTP listener.
type Server struct {
	cfg *config.Config
	fs  afero.Fs
	mgr *manager.Manager
	q   *queue.Queue

	startGroup singleflight.Group

	mu       sync.Mutex
	listener net.Listener
	baseURL  string
	srv      *http.Server
}

// New builds a Server; call EnsureStarted before building proxy URLs.
func New(fs afero.Fs, cfg *config.Config, mgr *manager.Manager, q *queue.Queue) *Server {
	return &Server{cfg: cfg, fs: fs, mgr: mgr, q: q}
}

// EnsureStarted starts the loopback listener on first call; concurrent
// callers share the same startup attempt and all receive the same base
// URL.
func (s *Server) EnsureStarted() (string, error) {
	v, err, _ := s.startGroup.Do("start", func() (interface{}, error) {
		s.mu.Lock()
		if s.baseURL != "" {
			base := s.baseURL
			s.mu.Unlock()
			return base, nil
		}
		s.mu.Unlock()

		addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ProxyListenPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("proxy: listen: %w", err)
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/media", s.handleMedia)

		httpSrv := &http.Server{Handler: mux}

		s.mu.Lock()
		s.listener = ln
		s.srv = httpSrv
		s.baseURL = "http://" + ln.Addr().String()
		base := s.baseURL
		s.mu.Unlock()

		go func() {
			if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("proxy: server exited", "err", err)
			}
		}()

		logger.Info("proxy: loopback listener started", "addr", base)
		return base, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Stop shuts down the loopback listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// BuildProxyURL renders the local URL a player should use in place of
// mediaURL: http://127.0.0.1:<port>/media?url=<encoded>&headers=<base64url>.
func (s *Server) BuildProxyURL(mediaURL string, headers map[string]string) (string, error) {
	base, err := s.EnsureStarted()
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("url", mediaURL)
	if len(headers) > 0 {
		raw, err := json.Marshal(headers)
		if err != nil {
			return "", fmt.Errorf("proxy: encode headers: %w", err)
		}
		q.Set("headers", base64.URLEncoding.EncodeToString(raw))
	}
	return base + "/media?" + q.Encode(), nil
}

func decodeHeaders(encoded string) (map[string]string, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("proxy: decode headers: %w", err)
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("proxy: unmarshal headers: %w", err)
	}
	return headers, nil
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	mediaURL := r.URL.Query().Get("url")
	if mediaURL == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	headers, err := decodeHeaders(r.URL.Query().Get("headers"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tk, err := s.mgr.GetOrCreateTask(r.Context(), mediaURL, headers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	tk.AddSession()
	defer func() {
		tk.RemoveSession()
		s.mgr.RemoveTaskIfInactive(mediaURL, headers)
	}()

	contentLength := tk.ContentLength()
	rangeStart, rangeEnd := parseRange(r.Header.Get("Range"), contentLength)

	if tk.IsMP4() && rangeStart == 0 {
		if atStart, known := tk.MoovAtStart(); known && !atStart {
			go tk.PreloadMoovSegment()
		}
	}

	sess := &Session{ID: uuid.NewString(), Task: tk, RangeStart: rangeStart, RangeEnd: rangeEnd}

	w.Header().Set("Content-Type", contentTypeOrDefault(tk, mediaURL))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, contentLength))
	w.Header().Set("Content-Length", strconv.FormatInt(rangeEnd-rangeStart+1, 10))
	w.WriteHeader(http.StatusPartialContent)

	segments := tk.GetSegmentsForRange(rangeStart, rangeEnd)
	s.startDownloadsForSession(tk, segments, rangeStart, mediaURL, headers)

	s.streamToPlayer(w, sess, segments)
}

func contentTypeOrDefault(tk *task.Task, mediaURL string) string {
	if ct := tk.ContentType(); ct != "" {
		return ct
	}
	return mimetype.FromURL(mediaURL)
}

// parseRange parses a "bytes=start-end?" header, defaulting to the full
// resource and clamping to [0, contentLength-1].
func parseRange(header string, contentLength int64) (int64, int64) {
	start, end := int64(0), contentLength-1
	if contentLength <= 0 {
		end = 0
	}

	header = strings.TrimPrefix(header, "bytes=")
	if header == "" {
		return clampRange(start, end, contentLength)
	}

	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return clampRange(start, end, contentLength)
	}
	if parts[0] != "" {
		if v, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
			start = v
		}
	}
	if parts[1] != "" {
		if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			end = v
		}
	}
	return clampRange(start, end, contentLength)
}

func clampRange(start, end, contentLength int64) (int64, int64) {
	if start < 0 {
		start = 0
	}
	if contentLength > 0 && start > contentLength-1 {
		start = contentLength - 1
	}
	if contentLength > 0 && end > contentLength-1 {
		end = contentLength - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// startDownloadsForSession enqueues the segments this session needs, plus
// the task's tail/moov insurance segment and an aggressive prefetch window
// beyond what was requested, following the startup-thrift policy: on a
// cold task (nothing Completed yet), only the critical set is enqueued.
func (s *Server) startDownloadsForSession(tk *task.Task, segments []*segment.Segment, rangeStart int64, mediaURL string, headers map[string]string) {
	s.q.SetCurrentPlaying(mediaURL)

	candidates := make([]*segment.Segment, 0, len(segments)+2)
	seen := map[int64]bool{}
	add := func(seg *segment.Segment) {
		if seg == nil || !seg.CanStartDownload() || seen[seg.StartByte] {
			return
		}
		seen[seg.StartByte] = true
		candidates = append(candidates, seg)
	}

	for _, seg := range segments {
		add(seg)
	}
	add(tk.LastSegment())

	if last := lastSegmentOf(segments); last != nil {
		for _, seg := range tk.AllSegments() {
			if seg.StartByte > last.EndByte && seg.StartByte <= last.EndByte+s.cfg.AggressivePrefetchWindowBytes {
				add(seg)
			}
		}
	}

	stableSortByDistance(candidates, rangeStart)

	cold := true
	for _, seg := range tk.AllSegments() {
		if seg.IsCompleted() {
			cold = false
			break
		}
	}

	first := nearestTo(candidates, rangeStart)
	var tail *segment.Segment
	if last := tk.LastSegment(); last != nil {
		for _, c := range candidates {
			if c == last {
				tail = c
				break
			}
		}
	}

	for _, seg := range candidates {
		if cold && seg != first && seg != tail {
			continue
		}

		priority := queue.Playing
		cacheDir := tk.CacheDir
		if seg == first {
			priority = queue.PlayingUrgent
			s.q.UpdateStartupLock(mediaURL, 1)
		} else if seg == tail {
			priority = queue.TailOrMoov
		}

		item := &queue.Item{
			MediaURL: mediaURL,
			Segment:  seg,
			CacheDir: cacheDir,
			Headers:  headers,
			Priority: priority,
			OnStatusChange: func(status segment.Status) {
				tk.UpdateSegmentStatus(seg, status)
			},
		}
		if seg == first {
			item.OnComplete = func(bool) {
				s.q.UpdateStartupLock(mediaURL, -1)
			}
		}
		s.q.Enqueue(item)
	}
}

func lastSegmentOf(segments []*segment.Segment) *segment.Segment {
	if len(segments) == 0 {
		return nil
	}
	return segments[len(segments)-1]
}

func nearestTo(segments []*segment.Segment, rangeStart int64) *segment.Segment {
	var best *segment.Segment
	var bestDist int64 = -1
	for _, seg := range segments {
		d := seg.StartByte - rangeStart
		if d < 0 {
			d = -d
		}
		if bestDist == -1 || d < bestDist {
			best = seg
			bestDist = d
		}
	}
	return best
}

func stableSortByDistance(segments []*segment.Segment, rangeStart int64) {
	dist := func(seg *segment.Segment) int64 {
		d := seg.StartByte - rangeStart
		if d < 0 {
			d = -d
		}
		return d
	}
	for i := 1; i < len(segments); i++ {
		j := i
		for j > 0 && dist(segments[j-1]) > dist(segments[j]) {
			segments[j-1], segments[j] = segments[j], segments[j-1]
			j--
		}
	}
}

// streamToPlayer writes segments overlapping [sess.RangeStart, sess.RangeEnd]
// to w in ascending byte order. A segment that is still eligible to start a
// download when the stream reaches it (for instance one skipped by the
// cold-start policy) is enqueued at Playing priority first.
func (s *Server) streamToPlayer(w http.ResponseWriter, sess *Session, segments []*segment.Segment) {
	pos := sess.RangeStart
	for _, seg := range segments {
		if sess.isClosed() {
			return
		}
		readStart := max64(seg.StartByte, pos)
		readEnd := min64(seg.EndByte, sess.RangeEnd)
		if readStart > readEnd {
			continue
		}
		if seg.CanStartDownload() {
			s.q.Enqueue(&queue.Item{
				MediaURL: sess.Task.MediaURL,
				Segment:  seg,
				CacheDir: sess.Task.CacheDir,
				Headers:  sess.Task.Headers,
				Priority: queue.Playing,
				OnStatusChange: func(status segment.Status) {
					sess.Task.UpdateSegmentStatus(seg, status)
				},
			})
		}
		if !s.streamBytes(w, sess, seg, readStart, readEnd) {
			return
		}
		pos = readEnd + 1
	}
}

const maxSegmentReopenAttempts = 3

// streamBytes streams [readStart, readEnd] of a single segment's on-disk
// file to w, waiting for bytes that haven't been downloaded yet.
func (s *Server) streamBytes(w http.ResponseWriter, sess *Session, seg *segment.Segment, readStart, readEnd int64) bool {
	bytesToRead := readEnd - readStart + 1
	var bytesWritten int64
	reopenAttempts := 0

	for bytesWritten < bytesToRead {
		f, path := s.openAvailableFile(sess.Task.CacheDir, seg)
		if f == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		offset := readStart - seg.StartByte + bytesWritten
		n, err := readAt(f, offset, bytesToRead-bytesWritten)
		f.Close()
		if len(n) > 0 {
			if _, werr := w.Write(n); werr != nil {
				sess.markClosed()
				return false
			}
			bytesWritten += int64(len(n))
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		if err != nil && err != io.EOF {
			logger.Warn("proxy: segment read error", "path", path, "err", err)
		}

		if bytesWritten >= bytesToRead {
			return true
		}

		if seg.IsCompleted() {
			info, statErr := s.fs.Stat(seg.FinalPath(sess.Task.CacheDir))
			if statErr == nil && info.Size() >= seg.ExpectedSize() {
				// Nothing left to read from this segment at this offset;
				// treat as done even if short of bytesToRead (range end
				// clamps past the file in degenerate cases).
				return true
			}

			reopenAttempts++
			if reopenAttempts > maxSegmentReopenAttempts {
				return false
			}
			logger.Warn("proxy: completed segment shorter than expected on disk, re-downloading", "path", seg.FinalPath(sess.Task.CacheDir))
			sess.Task.UpdateSegmentStatus(seg, segment.Failed)
			s.q.Enqueue(&queue.Item{
				MediaURL: sess.Task.MediaURL,
				Segment:  seg,
				CacheDir: sess.Task.CacheDir,
				Headers:  sess.Task.Headers,
				Priority: queue.PlayingUrgent,
				OnStatusChange: func(status segment.Status) {
					sess.Task.UpdateSegmentStatus(seg, status)
				},
			})
			waitWithTimeout(seg, 15*time.Second)
			continue
		}

		waitWithTimeout(seg, 500*time.Millisecond)
	}
	return true
}

func waitWithTimeout(seg *segment.Segment, timeout time.Duration) {
	select {
	case <-seg.Wait():
	case <-time.After(timeout):
	}
}

// openAvailableFile opens whichever file currently represents seg's data on
// disk, preferring the finalized ".seg" file, retrying briefly against
// rename races with the downloader.
func (s *Server) openAvailableFile(cacheDir string, seg *segment.Segment) (afero.File, string) {
	for attempt := 0; attempt < 3; attempt++ {
		if f, err := s.fs.Open(seg.FinalPath(cacheDir)); err == nil {
			return f, seg.FinalPath(cacheDir)
		}
		if f, err := s.fs.Open(seg.TempPath(cacheDir)); err == nil {
			return f, seg.TempPath(cacheDir)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, ""
}

func readAt(f afero.File, offset, max int64) ([]byte, error) {
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}
	buf := make([]byte, max)
	n, err := f.Read(buf)
	if n > 0 {
		return buf[:n], err
	}
	return nil, err
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Package downloader implements SegmentDownloader: fetching a single byte
// range of a remote media file into its on-disk segment file, with resume,
// retry and per-chunk timeout behavior.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/logger"
	"mediaproxy/pkg/segment"
)

// chunkSize is the size of each read from the upstream response body. It is
// deliberately small relative to the segment size so that progress callbacks
// and cancellation checks fire often during a single segment download.
const chunkSize = 64 * 1024

// flushEveryChunks controls how often a partial download is fsynced and
// broadcast to waiters while still in progress, independent of completion.
const flushEveryChunks = 10

// SegmentDownloader fetches a single segment's byte range over HTTP, writing
// it to a ".tmp" file that is atomically renamed to its final ".seg" name on
// success.
type SegmentDownloader struct {
	fs     afero.Fs
	client *http.Client
	cfg    *config.Config
}

// New builds a SegmentDownloader whose HTTP client's dial and idle timeouts
// come from cfg.
func New(fs afero.Fs, cfg *config.Config) *SegmentDownloader {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.HTTPConnectTimeoutMs) * time.Millisecond,
		}).DialContext,
		IdleConnTimeout: time.Duration(cfg.HTTPIdleTimeoutSeconds) * time.Second,
	}
	return &SegmentDownloader{
		fs:     fs,
		client: &http.Client{Transport: transport},
		cfg:    cfg,
	}
}

// CancelFunc reports whether the in-progress download should abort. It is
// polled between chunks, not preempted mid-read.
type CancelFunc func() bool

// Download fetches seg's byte range from mediaURL into cacheDir, resuming
// from any bytes already present in the segment's temp file. It makes up to
// cfg.DownloadRetryCount attempts in all, with exponential backoff between
// them, except for disk-full errors and explicit cancellation, which return
// immediately.
//
// Every status transition is routed through onStatusChange if non-nil, so a
// caller can fold broadcast and persistence into a single place (see
// task.Task.UpdateSegmentStatus) instead of this package touching the
// segment's status directly. A nil onStatusChange falls back to setting the
// status and broadcasting on the segment itself.
//
// Returns true if the segment reached Completed. A false, nil result means
// the download was cancelled cooperatively, not that it failed.
func (d *SegmentDownloader) Download(ctx context.Context, mediaURL string, seg *segment.Segment, cacheDir string, headers map[string]string, onProgress func(int64), cancel CancelFunc, onStatusChange func(segment.Status)) (bool, error) {
	if seg.Status() == segment.Completed {
		return true, nil
	}

	setStatus := func(status segment.Status) {
		if onStatusChange != nil {
			onStatusChange(status)
			return
		}
		seg.SetStatus(status)
		seg.Broadcast()
	}

	setStatus(segment.Downloading)

	var cancelled bool
	err := retry.Do(
		func() error {
			ok, cerr := d.attempt(ctx, mediaURL, seg, cacheDir, headers, onProgress, cancel)
			if cerr != nil {
				return cerr
			}
			if ok {
				return nil
			}
			cancelled = true
			return nil
		},
		retry.Attempts(uint(d.cfg.DownloadRetryCount)),
		retry.Delay(time.Duration(d.cfg.DownloadRetryInitialDelayMs)*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrDiskFull) && !errors.Is(err, context.Canceled)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("downloader: retrying segment", "start", seg.StartByte, "end", seg.EndByte, "attempt", n+1, "err", err)
		}),
	)

	if cancelled {
		setStatus(segment.Pending)
		return false, nil
	}
	if err != nil {
		setStatus(segment.Failed)
		return false, err
	}

	setStatus(segment.Completed)
	return true, nil
}

// attempt performs a single range-GET and stream-to-disk pass. It returns
// (true, nil) on a completed segment, (false, nil) if cancel fired, and
// (false, err) on any other failure.
func (d *SegmentDownloader) attempt(ctx context.Context, mediaURL string, seg *segment.Segment, cacheDir string, headers map[string]string, onProgress func(int64), cancel CancelFunc) (bool, error) {
	tempPath := seg.TempPath(cacheDir)
	finalPath := seg.FinalPath(cacheDir)

	if exists, _ := afero.Exists(d.fs, finalPath); exists {
		return true, nil
	}

	expected := seg.ExpectedSize()
	existing := int64(0)
	if info, err := d.fs.Stat(tempPath); err == nil {
		existing = info.Size()
	}
	if existing >= expected {
		return d.finalize(tempPath, finalPath)
	}

	rangeStart := seg.StartByte + existing
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return false, fmt.Errorf("downloader: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, seg.EndByte))

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("downloader: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if existing > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		existing = 0
	}

	f, err := d.fs.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return false, fmt.Errorf("downloader: open temp file: %w", err)
	}
	defer f.Close()

	written := existing
	buf := make([]byte, chunkSize)
	chunks := 0

	for {
		if cancel != nil && cancel() {
			f.Sync()
			return false, nil
		}

		n, readErr := readChunkWithTimeout(resp.Body, buf, time.Duration(d.cfg.HTTPStreamReadTimeoutSeconds)*time.Second)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				if isDiskFull(werr) {
					return false, ErrDiskFull
				}
				return false, fmt.Errorf("downloader: write temp file: %w", werr)
			}
			written += int64(n)
			seg.SetDownloadedBytes(written)
			if onProgress != nil {
				onProgress(written)
			}
			chunks++
			if chunks%flushEveryChunks == 0 {
				f.Sync()
				seg.Broadcast()
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return false, fmt.Errorf("downloader: stream read: %w", readErr)
		}
	}

	f.Sync()

	if written < expected {
		return false, fmt.Errorf("%w: got %d want %d", ErrShortSegment, written, expected)
	}

	return d.finalize(tempPath, finalPath)
}

// finalize renames the completed temp file into place. If another goroutine
// already finalized the same segment first, the loser's temp file is simply
// discarded.
func (d *SegmentDownloader) finalize(tempPath, finalPath string) (bool, error) {
	if exists, _ := afero.Exists(d.fs, finalPath); exists {
		d.fs.Remove(tempPath)
		return true, nil
	}
	if err := d.fs.Rename(tempPath, finalPath); err != nil {
		if exists, _ := afero.Exists(d.fs, finalPath); exists {
			return true, nil
		}
		return false, fmt.Errorf("downloader: finalize rename: %w", err)
	}
	return true, nil
}

// readChunkWithTimeout reads a single chunk from r, aborting with
// ErrChunkTimeout if no data (nor EOF) arrives within timeout. The
// underlying read is left running in its goroutine; its result is dropped on
// timeout since http response bodies don't support read deadlines directly.
func readChunkWithTimeout(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, ErrChunkTimeout
	}
}

func isDiskFull(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no space left on device")
}

// ParseContentRangeTotal extracts the total resource length from a
// "Content-Range: bytes S-E/T" header, used when probing an upstream for the
// file's size via a ranged GET fallback.
func ParseContentRangeTotal(headerValue string) (int64, bool) {
	idx := strings.LastIndex(headerValue, "/")
	if idx == -1 || idx == len(headerValue)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(headerValue[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

package downloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/segment"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DownloadRetryCount = 2
	cfg.DownloadRetryInitialDelayMs = 1
	cfg.HTTPStreamReadTimeoutSeconds = 5
	return cfg
}

func TestDownloadWritesFinalSegmentFile(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 99)

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, segment.Completed, seg.Status())

	data, err := afero.ReadFile(fs, seg.FinalPath("/cache/media1"))
	require.NoError(t, err)
	require.Equal(t, payload, data)

	exists, _ := afero.Exists(fs, seg.TempPath("/cache/media1"))
	require.False(t, exists)
}

func TestDownloadResumesFromExistingTempFile(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		require.Equal(t, "bytes=40-99", rng)
		w.Header().Set("Content-Range", "bytes 40-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[40:])
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 99)

	require.NoError(t, fs.MkdirAll("/cache/media1", 0o755))
	require.NoError(t, afero.WriteFile(fs, seg.TempPath("/cache/media1"), payload[:40], 0o644))
	seg.SetDownloadedBytes(40)

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := afero.ReadFile(fs, seg.FinalPath("/cache/media1"))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestDownloadAlreadyCompletedIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 9)
	seg.SetStatus(segment.Completed)

	ok, err := dl.Download(context.Background(), "http://example.invalid/", seg, "/cache/media1", nil, nil, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDownloadCancelledMidStreamReturnsToPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			w.Write([]byte{byte(i)})
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 99)

	calls := 0
	cancel := func() bool {
		calls++
		return calls > 1
	}

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, cancel, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, segment.Pending, seg.Status())
}

func TestDownloadUpstreamErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 9)

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, nil, nil)
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, segment.Failed, seg.Status())
}

func TestDownloadShortResponseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 50))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 99)

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, nil, nil)
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, segment.Failed, seg.Status())
}

func TestParseContentRangeTotal(t *testing.T) {
	total, ok := ParseContentRangeTotal("bytes 0-99/1000")
	require.True(t, ok)
	require.Equal(t, int64(1000), total)

	_, ok = ParseContentRangeTotal("garbage")
	require.False(t, ok)
}

func TestReadChunkWithTimeoutPassesThroughEOF(t *testing.T) {
	r := io.NopCloser(new(emptyReader))
	buf := make([]byte, 16)
	n, err := readChunkWithTimeout(r, buf, time.Second)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

func TestDownloadRoutesStatusTransitionsThroughCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dl := New(fs, testConfig())
	seg := segment.New(0, 9)

	var transitions []segment.Status
	onStatusChange := func(status segment.Status) {
		transitions = append(transitions, status)
		seg.SetStatus(status)
		if status == segment.Completed {
			seg.Broadcast()
		}
	}

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, nil, onStatusChange)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []segment.Status{segment.Downloading, segment.Completed}, transitions)
}

// enospcFs wraps afero.Fs so every opened file's Write fails as if the
// device were out of space, exercising the downloader's disk-full path
// without touching a real filesystem.
type enospcFs struct {
	afero.Fs
}

func (fs *enospcFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &enospcFile{File: f}, nil
}

type enospcFile struct {
	afero.File
}

func (f *enospcFile) Write(p []byte) (int, error) {
	return 0, syscall.ENOSPC
}

func TestDownloadWriteFailureReturnsErrDiskFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	fs := &enospcFs{Fs: afero.NewMemMapFs()}
	cfg := testConfig()
	cfg.DownloadRetryCount = 3
	dl := New(fs, cfg)
	seg := segment.New(0, 9)

	ok, err := dl.Download(context.Background(), srv.URL, seg, "/cache/media1", nil, nil, nil, nil)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrDiskFull)
	require.Equal(t, segment.Failed, seg.Status())
}

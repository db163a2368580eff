package manager

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/queue"
	"mediaproxy/pkg/segment"
)

func TestIsDiskFullErrorMatchesSentinelAndWrapped(t *testing.T) {
	require.True(t, IsDiskFullError(downloader.ErrDiskFull))
	require.True(t, IsDiskFullError(fmt.Errorf("writing segment: %w", downloader.ErrDiskFull)))
	require.False(t, IsDiskFullError(errors.New("some other failure")))
}

// enospcFs fails every write as if the device were out of space, so a
// queued download reaches the disk-full path instead of succeeding.
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

func TestQueueDiskFullTriggersManagerEmergencyEviction(t *testing.T) {
	payload := make([]byte, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.CacheRootDir = "/cache"
	cfg.SegmentSizeBytes = 10
	cfg.DownloadRetryCount = 3

	writeFailingFs := &enospcFs{Fs: afero.NewMemMapFs()}
	dl := downloader.New(writeFailingFs, cfg)
	q := queue.New(cfg, dl)
	m := New(afero.NewMemMapFs(), cfg, q, srv.Client())

	called := make(chan struct{})
	q.SetDiskFullHandler(func() {
		m.HandleDiskFull()
		close(called)
	})

	q.Enqueue(&queue.Item{
		MediaURL: srv.URL,
		Segment:  segment.New(0, 9),
		CacheDir: "/cache/media1",
	})

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("disk-full handler was never invoked")
	}
}

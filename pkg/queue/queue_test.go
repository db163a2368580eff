package queue

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/segment"
)

func testQueue(cfg *config.Config) (*Queue, *httptest.Server) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
	}))
	dl := downloader.New(afero.NewMemMapFs(), cfg)
	return New(cfg, dl), srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueCompletedSegmentResolvesImmediately(t *testing.T) {
	cfg := config.Default()
	q, srv := testQueue(cfg)
	defer srv.Close()

	seg := segment.New(0, 9)
	seg.SetStatus(segment.Completed)

	var got bool
	var mu sync.Mutex
	done := make(chan struct{})
	q.Enqueue(&Item{
		MediaURL: srv.URL,
		Segment:  seg,
		CacheDir: "/cache/a",
		Priority: Background,
		OnComplete: func(success bool) {
			mu.Lock()
			got = success
			mu.Unlock()
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onComplete never called")
	}
	mu.Lock()
	require.True(t, got)
	mu.Unlock()
}

func TestEnqueueDownloadsAndCompletes(t *testing.T) {
	cfg := config.Default()
	cfg.GlobalMaxConcurrentDownloads = 4
	cfg.PerMediaMaxConcurrentDownloads = 4
	q, srv := testQueue(cfg)
	defer srv.Close()

	seg := segment.New(0, 9)
	done := make(chan bool, 1)
	q.Enqueue(&Item{
		MediaURL: srv.URL,
		Segment:  seg,
		CacheDir: "/cache/a",
		Priority: Playing,
		OnComplete: func(success bool) {
			done <- success
		},
	})

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("download never completed")
	}
	require.Equal(t, segment.Completed, seg.Status())
}

func TestStartupLockBlocksLowPriorityItems(t *testing.T) {
	cfg := config.Default()
	q, srv := testQueue(cfg)
	defer srv.Close()

	q.UpdateStartupLock(srv.URL, 1)

	seg := segment.New(0, 9)
	enqueued := make(chan struct{})
	q.Enqueue(&Item{
		MediaURL:   srv.URL,
		Segment:    seg,
		CacheDir:   "/cache/a",
		Priority:   Background,
		OnComplete: func(bool) { close(enqueued) },
	})

	select {
	case <-enqueued:
		t.Fatal("background item completed despite active startup lock")
	case <-time.After(150 * time.Millisecond):
	}

	q.UpdateStartupLock(srv.URL, -1)
	waitFor(t, func() bool { return seg.Status() == segment.Completed })
}

func TestCancelMediaDropsPendingItems(t *testing.T) {
	cfg := config.Default()
	cfg.GlobalMaxConcurrentDownloads = 1
	cfg.PerMediaMaxConcurrentDownloads = 1
	q, srv := testQueue(cfg)
	defer srv.Close()

	q.UpdateStartupLock(srv.URL, 1) // freeze the loop so the second item stays pending

	segA := segment.New(0, 9)
	segB := segment.New(10, 19)

	q.Enqueue(&Item{MediaURL: srv.URL, Segment: segA, CacheDir: "/cache/a", Priority: TailOrMoov})

	cancelled := make(chan bool, 1)
	q.Enqueue(&Item{
		MediaURL:   srv.URL,
		Segment:    segB,
		CacheDir:   "/cache/a",
		Priority:   Background,
		OnComplete: func(success bool) { cancelled <- success },
	})

	q.CancelMedia(srv.URL, false)

	select {
	case success := <-cancelled:
		require.False(t, success)
	case <-time.After(time.Second):
		t.Fatal("cancelled item never resolved")
	}
}

func TestSetCurrentPlayingPromotesPendingPriority(t *testing.T) {
	cfg := config.Default()
	q, srv := testQueue(cfg)
	defer srv.Close()

	q.UpdateStartupLock(srv.URL, 1)

	seg := segment.New(0, 9)
	q.Enqueue(&Item{MediaURL: srv.URL, Segment: seg, CacheDir: "/cache/a", Priority: Background})

	q.mu.Lock()
	require.Len(t, q.pending, 1)
	q.mu.Unlock()

	q.SetCurrentPlaying(srv.URL)

	q.mu.Lock()
	require.Equal(t, Playing, q.pending[0].Priority)
	q.mu.Unlock()
}

package task

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/queue"
	"mediaproxy/pkg/segment"
)

func testTask(t *testing.T, handler http.HandlerFunc) (*Task, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := config.Default()
	cfg.SegmentSizeBytes = 10
	fs := afero.NewMemMapFs()
	q := queue.New(cfg, downloader.New(fs, cfg))
	tk := New(fs, cfg, q, srv.Client(), srv.URL, nil, "/cache/"+CacheKey(srv.URL, nil))
	return tk, srv
}

func TestCacheKeyIgnoresHeaderCaseAndOrder(t *testing.T) {
	a := CacheKey("http://x/y", map[string]string{"Authorization": "z", "X-Foo": "1"})
	b := CacheKey("http://x/y", map[string]string{"x-foo": "1", "authorization": "z"})
	require.Equal(t, a, b)

	c := CacheKey("http://x/y", map[string]string{"authorization": "different"})
	require.NotEqual(t, a, c)
}

func TestInitializeProbesViaHeadAndLaysOutSegments(t *testing.T) {
	payload := make([]byte, 25)
	tk, srv := testTask(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "video/mp4")
			w.Header().Set("Content-Length", "25")
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	})
	defer srv.Close()

	require.NoError(t, tk.Initialize(context.Background()))
	require.Equal(t, int64(25), tk.ContentLength())

	segs := tk.AllSegments()
	require.Len(t, segs, 3)
	require.Equal(t, int64(0), segs[0].StartByte)
	require.Equal(t, int64(9), segs[0].EndByte)
	require.Equal(t, int64(20), segs[2].StartByte)
	require.Equal(t, int64(24), segs[2].EndByte)
}

func TestInitializeFallsBackToRangedGetWhenHeadOmitsLength(t *testing.T) {
	tk, srv := testTask(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-9/30")
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
	})
	defer srv.Close()

	require.NoError(t, tk.Initialize(context.Background()))
	require.Equal(t, int64(30), tk.ContentLength())
}

func TestGetSegmentsForRangeReturnsOverlapping(t *testing.T) {
	tk, srv := testTask(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "25")
		w.Header().Set("Content-Type", "video/mp4")
	})
	defer srv.Close()
	require.NoError(t, tk.Initialize(context.Background()))

	segs := tk.GetSegmentsForRange(5, 12)
	require.Len(t, segs, 2)
	require.Equal(t, int64(0), segs[0].StartByte)
	require.Equal(t, int64(10), segs[1].StartByte)
}

func TestUpdateSegmentStatusBroadcastsOnCompleted(t *testing.T) {
	tk, srv := testTask(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.Header().Set("Content-Type", "video/mp4")
	})
	defer srv.Close()
	require.NoError(t, tk.Initialize(context.Background()))

	seg := tk.AllSegments()[0]
	waiter := seg.Wait()
	tk.UpdateSegmentStatus(seg, segment.Completed)

	select {
	case <-waiter:
	default:
		t.Fatal("waiter not woken after Completed transition")
	}
}

func TestPreloadMoovSegmentSkipsWhenAtStart(t *testing.T) {
	data := append(box(24, "ftyp", make([]byte, 16)), box(8, "moov", nil)...)
	tk, srv := testTask(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-63/6291556")
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusPartialContent)
		full := make([]byte, 64)
		copy(full, data)
		w.Write(full)
	})
	defer srv.Close()
	require.NoError(t, tk.Initialize(context.Background()))

	atStart, known := tk.MoovAtStart()
	require.True(t, known)
	require.True(t, atStart)

	tk.PreloadMoovSegment() // should be a no-op; must not panic
}

func box(size uint32, boxType string, payload []byte) []byte {
	b := make([]byte, 8)
	b[0] = byte(size >> 24)
	b[1] = byte(size >> 16)
	b[2] = byte(size >> 8)
	b[3] = byte(size)
	copy(b[4:8], boxType)
	return append(b, payload...)
}

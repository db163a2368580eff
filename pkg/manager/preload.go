package manager

import (
	"context"
	"sync"

	"mediaproxy/pkg/queue"
	"mediaproxy/pkg/segment"
)

// Preload ensures a task for (mediaURL, headers), enqueues its first
// segmentCount not-yet-completed segments at Preplay priority, optionally
// adds the final segment when includeMoov is set and the resource is an
// MP4 with the moov atom at the end (or AlwaysPreloadEndSegment forces it
// regardless of content type), and blocks until every enqueued segment has
// reported completion. It reports success if at least one enqueued segment
// completed and none of them failed.
func (m *Manager) Preload(ctx context.Context, mediaURL string, headers map[string]string, segmentCount int, includeMoov bool) (bool, error) {
	tk, err := m.GetOrCreateTask(ctx, mediaURL, headers)
	if err != nil {
		return false, err
	}

	all := tk.AllSegments()
	var targets []*segment.Segment
	for _, seg := range all {
		if len(targets) >= segmentCount {
			break
		}
		if !seg.IsCompleted() {
			targets = append(targets, seg)
		}
	}

	if includeMoov && len(all) > 0 {
		last := all[len(all)-1]
		atStart, known := tk.MoovAtStart()
		wantsEnd := m.cfg.AlwaysPreloadEndSegment || (tk.IsMP4() && known && !atStart)
		if wantsEnd && !last.IsCompleted() {
			already := false
			for _, seg := range targets {
				if seg == last {
					already = true
					break
				}
			}
			if !already {
				targets = append(targets, last)
			}
		}
	}

	if len(targets) == 0 {
		return true, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	anySucceeded := false
	anyFailed := false

	wg.Add(len(targets))
	for _, seg := range targets {
		m.queue.Enqueue(&queue.Item{
			MediaURL: mediaURL,
			Segment:  seg,
			CacheDir: tk.CacheDir,
			Headers:  headers,
			Priority: queue.Preplay,
			OnComplete: func(success bool) {
				mu.Lock()
				if success {
					anySucceeded = true
				} else {
					anyFailed = true
				}
				mu.Unlock()
				wg.Done()
			},
			OnStatusChange: func(status segment.Status) {
				tk.UpdateSegmentStatus(seg, status)
			},
		})
	}
	wg.Wait()

	return anySucceeded && !anyFailed, nil
}

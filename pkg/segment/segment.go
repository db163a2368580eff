// Package segment implements the fixed-size byte-range cache unit: status
// tracking, the on-disk .tmp/.seg lifecycle, and a broadcast "data available"
// signal so any number of readers can wait for more bytes without polling a
// shared lock.
package segment

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Status is the lifecycle state of a segment's download.
type Status int

const (
	Pending Status = iota
	Downloading
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Persisted is the JSON shape of a segment inside a task's config.json.
type Persisted struct {
	StartByte       int64 `json:"startByte"`
	EndByte         int64 `json:"endByte"`
	Status          int   `json:"status"`
	DownloadedBytes int64 `json:"downloadedBytes"`
	LastUpdateTime  int64 `json:"lastUpdateTime"`
}

// Segment is an inclusive byte range [StartByte, EndByte] with its
// in-progress download state. StartByte/EndByte are immutable after
// construction; everything else is guarded by mu.
type Segment struct {
	StartByte int64
	EndByte   int64

	mu              sync.Mutex
	status          Status
	downloadedBytes int64
	lastUpdateTime  time.Time

	notifyMu sync.Mutex
	notifyCh chan struct{}
	closed   bool
}

// New creates a Pending segment covering [start, end] (inclusive).
func New(start, end int64) *Segment {
	return &Segment{
		StartByte:      start,
		EndByte:        end,
		status:         Pending,
		lastUpdateTime: time.Now(),
		notifyCh:       make(chan struct{}),
	}
}

// FromPersisted reconstructs a segment from config.json. Any Downloading
// status found on disk is not trustable (the process that owned it is gone)
// and is coerced to Pending per the restart-recovery invariant.
func FromPersisted(p Persisted) *Segment {
	s := New(p.StartByte, p.EndByte)
	status := Status(p.Status)
	if status == Downloading {
		status = Pending
	}
	s.status = status
	s.downloadedBytes = p.DownloadedBytes
	if p.LastUpdateTime > 0 {
		s.lastUpdateTime = time.UnixMilli(p.LastUpdateTime)
	}
	return s
}

// ExpectedSize is the number of bytes this segment covers.
func (s *Segment) ExpectedSize() int64 {
	return s.EndByte - s.StartByte + 1
}

func (s *Segment) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Segment) IsCompleted() bool { return s.Status() == Completed }

// CanStartDownload reports whether this segment is eligible to be enqueued
// for a new download attempt.
func (s *Segment) CanStartDownload() bool {
	switch s.Status() {
	case Pending, Failed:
		return true
	default:
		return false
	}
}

func (s *Segment) DownloadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadedBytes
}

func (s *Segment) LastUpdateTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdateTime
}

// SetStatus transitions the segment's status. Transitioning into
// Downloading resets downloadedBytes, since a fresh attempt supersedes
// whatever the previous attempt wrote in memory (the on-disk .tmp is still
// consulted separately for resume).
func (s *Segment) SetStatus(status Status) {
	s.mu.Lock()
	if status == Downloading {
		s.downloadedBytes = 0
	}
	s.status = status
	s.lastUpdateTime = time.Now()
	s.mu.Unlock()
}

// SetDownloadedBytes records progress within the current attempt.
func (s *Segment) SetDownloadedBytes(n int64) {
	s.mu.Lock()
	s.downloadedBytes = n
	s.lastUpdateTime = time.Now()
	s.mu.Unlock()
}

func (s *Segment) ToPersisted() Persisted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Persisted{
		StartByte:       s.StartByte,
		EndByte:         s.EndByte,
		Status:          int(s.status),
		DownloadedBytes: s.downloadedBytes,
		LastUpdateTime:  s.lastUpdateTime.UnixMilli(),
	}
}

// TempPath is the on-disk path of this segment's in-progress download.
func (s *Segment) TempPath(cacheDir string) string {
	return filepath.Join(cacheDir, fmt.Sprintf("%d_%d.tmp", s.StartByte, s.EndByte))
}

// FinalPath is the on-disk path of this segment once fully downloaded.
func (s *Segment) FinalPath(cacheDir string) string {
	return filepath.Join(cacheDir, fmt.Sprintf("%d_%d.seg", s.StartByte, s.EndByte))
}

// ReconcileWithDisk inspects cacheDir for this segment's .seg/.tmp files and
// sets status/downloadedBytes to match what is actually on disk. Used during
// DownloadTask.initialize, since no in-memory state survives a restart.
func (s *Segment) ReconcileWithDisk(fs afero.Fs, cacheDir string) error {
	expected := s.ExpectedSize()

	if info, err := fs.Stat(s.FinalPath(cacheDir)); err == nil {
		if info.Size() >= expected {
			s.mu.Lock()
			s.status = Completed
			s.downloadedBytes = expected
			s.mu.Unlock()
			return nil
		}
	}

	if info, err := fs.Stat(s.TempPath(cacheDir)); err == nil {
		s.mu.Lock()
		s.status = Pending
		s.downloadedBytes = info.Size()
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.status = Pending
	s.downloadedBytes = 0
	s.mu.Unlock()
	return nil
}

// Broadcast wakes every current waiter of Wait. Call after appending bytes
// to the on-disk file (periodically during a download) and on every status
// transition readers might care about.
func (s *Segment) Broadcast() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.closed {
		return
	}
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

// Wait returns a channel that closes the next time Broadcast or Close is
// called. Any number of goroutines may call Wait concurrently and all will
// be woken by a single Broadcast.
func (s *Segment) Wait() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

// Close permanently wakes every waiter with a terminal signal. Called when
// the owning task is torn down so no reader blocks forever.
func (s *Segment) Close() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notifyCh)
}

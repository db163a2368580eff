package downloader

import "errors"

// ErrDiskFull is returned when a write to the cache directory fails because
// the device is out of space. It is distinct from an ordinary transient
// failure: Download's retry loop stops on it immediately instead of retrying
// the same write, and the queue reacts to it by triggering emergency cache
// eviction.
var ErrDiskFull = errors.New("downloader: disk full")

// ErrShortSegment is returned when an attempt completes its HTTP request
// successfully but wrote fewer bytes than the segment's expected size.
var ErrShortSegment = errors.New("downloader: segment shorter than expected")

// ErrChunkTimeout is returned when a single chunk read exceeds the
// configured per-chunk read timeout.
var ErrChunkTimeout = errors.New("downloader: chunk read timed out")

// ErrUpstreamStatus is returned when the upstream responds with a status
// code other than 200 or 206.
var ErrUpstreamStatus = errors.New("downloader: unexpected upstream status")

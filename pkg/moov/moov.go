// Package moov implements the MP4 "moov atom position" heuristic that
// drives tail-prefetch policy: files whose moov box sits at the end of the
// file cannot begin playback until that box has been fetched, so the task
// layer prioritizes downloading it ahead of normal playback order.
package moov

import "encoding/binary"

// Position is the outcome of scanning a file's leading bytes for its first
// top-level box.
type Position int

const (
	Unknown Position = iota
	AtStart
	AtEnd
)

// DetectionBytes is the conventional amount of leading data needed to find
// the first non-ftyp top-level box in a well-formed MP4.
const DetectionBytes = 64

// Detect parses data as a sequence of MP4 box headers (big-endian uint32
// size, 4-character type) starting at offset 0. ftyp boxes are skipped.
// The first non-ftyp box found determines the result: "moov" means the
// file is fast-start (AtStart); anything else (mdat, free, ...) means moov
// has not been reached yet and must live later in the file (AtEnd).
// Insufficient or malformed data conservatively returns AtEnd, since that
// is the case that needs tail-prefetch protection.
func Detect(data []byte) Position {
	offset := 0
	for offset+8 <= len(data) {
		size := binary.BigEndian.Uint32(data[offset : offset+4])
		boxType := string(data[offset+4 : offset+8])

		if boxType == "ftyp" {
			if size < 8 {
				break
			}
			offset += int(size)
			continue
		}

		if boxType == "moov" {
			return AtStart
		}
		return AtEnd
	}
	return AtEnd
}

// SkipDetection reports whether a file of the given size is too small to
// bother probing: small files are assumed fast-start and never get tail
// prefetch.
func SkipDetection(contentLength, threshold int64) bool {
	return contentLength < threshold
}

package moov

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func box(size uint32, boxType string, payload []byte) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], size)
	copy(b[4:8], boxType)
	return append(b, payload...)
}

func TestDetectMoovAtStart(t *testing.T) {
	data := append(box(24, "ftyp", make([]byte, 16)), box(8, "moov", nil)...)
	require.Equal(t, AtStart, Detect(data))
}

func TestDetectMoovAtEndWhenMdatFirst(t *testing.T) {
	data := append(box(24, "ftyp", make([]byte, 16)), box(8, "mdat", nil)...)
	require.Equal(t, AtEnd, Detect(data))
}

func TestDetectInsufficientDataDefaultsToAtEnd(t *testing.T) {
	require.Equal(t, AtEnd, Detect(make([]byte, 4)))
	require.Equal(t, AtEnd, Detect(nil))
}

func TestSkipDetectionBelowThreshold(t *testing.T) {
	require.True(t, SkipDetection(1024, 5*1024*1024))
	require.False(t, SkipDetection(10*1024*1024, 5*1024*1024))
}

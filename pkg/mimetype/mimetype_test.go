package mimetype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromURLByExtension(t *testing.T) {
	require.Equal(t, "video/mp4", FromURL("https://cdn.example.com/movies/film.mp4"))
	require.Equal(t, "video/x-matroska", FromURL("https://cdn.example.com/film.mkv?token=abc"))
}

func TestFromURLFallsBackToRawScan(t *testing.T) {
	// The parsed path ("/stream") has no extension, but the raw string still
	// carries a recognizable one in its query.
	require.Equal(t, "video/mp4", FromURL("https://cdn.example.com/stream?file=movie.mp4"))
}

func TestFromURLUnknownDefaultsToOctetStream(t *testing.T) {
	require.Equal(t, "application/octet-stream", FromURL("https://cdn.example.com/opaque-id-123"))
}

func TestIsMP4(t *testing.T) {
	require.True(t, IsMP4("video/mp4"))
	require.True(t, IsMP4("video/mp4; charset=binary"))
	require.False(t, IsMP4("video/x-matroska"))
}

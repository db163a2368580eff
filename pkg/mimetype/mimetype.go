// Package mimetype is the proxy's MIME normalization helper: a pure lookup
// from a URL/extension to a Content-Type string. It is intentionally a thin,
// dependency-free table -- the proxy trusts the upstream's own Content-Type
// header when present and only falls back to this lookup when the upstream
// is silent.
package mimetype

import (
	"net/url"
	"path"
	"strings"
)

var byExtension = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".ts":   "video/mp2t",
	".m3u8": "application/vnd.apple.mpegurl",
}

const defaultContentType = "application/octet-stream"

// FromURL infers a Content-Type from a media URL's file extension. If the
// parsed path has no recognizable extension, it defensively re-scans the
// raw URL string itself -- some upstreams put the real filename behind a
// query string or escape separators the URL parser strips, so the parsed
// path can come back empty even though the raw string carries a usable
// extension.
func FromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if ct := fromPath(u.Path); ct != defaultContentType {
			return ct
		}
	}

	return fromPath(rawURL)
}

func fromPath(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := byExtension[ext]; ok {
		return ct
	}
	return defaultContentType
}

// IsMP4 reports whether a Content-Type (as returned by the upstream, or by
// FromURL) identifies an MP4/M4V container -- the only containers the moov
// heuristic applies to.
func IsMP4(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return ct == "video/mp4" || ct == "video/x-m4v" || ct == "application/mp4"
}

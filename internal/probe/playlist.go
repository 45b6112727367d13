package probe

import (
	"net/url"
	"strings"
)

const (
	manifestHeader = "#EXTM3U"
	endListTag     = "#EXT-X-ENDLIST"
)

// isManifest reports whether the body carries the adaptive-streaming
// header marker.
func isManifest(body string) bool {
	return strings.Contains(body, manifestHeader)
}

// hasEndList reports whether the playlist signals end-of-stream.
func hasEndList(body string) bool {
	return strings.Contains(body, endListTag)
}

// playlistEntries returns the non-comment lines of a playlist, which in
// a master playlist are variant URIs and in a variant playlist are
// segment URIs.
func playlistEntries(body string) []string {
	var entries []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}

// resolveReference resolves a possibly-relative playlist URI against
// the URL of the playlist that listed it.
func resolveReference(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

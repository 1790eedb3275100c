// Package playlist classifies HLS playlists and rewrites them so every
// referenced resource is fetched back through the proxy.
package playlist

import (
	"regexp"
	"strings"
)

// Markers that identify a master playlist.
const (
	streamInfTag = "#EXT-X-STREAM-INF"
	mediaTag     = "#EXT-X-MEDIA:"
)

// Playlist is either a Master or a Media playlist.
type Playlist interface {
	// Kind returns "master" or "media".
	Kind() string
}

// Master is a playlist that lists variant streams. VariantURI is the
// reference chosen for playback, exactly as written in the playlist.
type Master struct {
	Content    string
	VariantURI string
}

// Kind implements Playlist.
func (Master) Kind() string { return "master" }

// Media is a playlist that lists segments.
type Media struct {
	Content string
}

// Kind implements Playlist.
func (Media) Kind() string { return "media" }

var mediaURIAttr = regexp.MustCompile(`[:,]URI="([^"]*)"`)

// IsMaster reports whether content carries a variant or rendition tag.
func IsMaster(content string) bool {
	return strings.Contains(content, streamInfTag) || strings.Contains(content, mediaTag)
}

// Classify decides whether content is a master or a media playlist. A
// master without any usable variant reference is treated as media.
func Classify(content string) Playlist {
	if IsMaster(content) {
		if ref := variantRef(content); ref != "" {
			return Master{Content: content, VariantURI: ref}
		}
	}
	return Media{Content: content}
}

// variantRef picks the first EXT-X-MEDIA URI attribute, or else the first
// URI line after an EXT-X-STREAM-INF tag.
func variantRef(content string) string {
	lines := splitLines(content)
	for _, line := range lines {
		if !strings.HasPrefix(line, mediaTag) {
			continue
		}
		if m := mediaURIAttr.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) != "" {
			return strings.TrimSpace(m[1])
		}
	}

	afterStreamInf := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, streamInfTag):
			afterStreamInf = true
		case afterStreamInf && line != "" && !strings.HasPrefix(line, "#"):
			return line
		}
	}
	return ""
}

// splitLines splits on LF, dropping a trailing CR and surrounding space.
func splitLines(content string) []string {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return lines
}

// lineEnding returns CRLF if content uses it anywhere, LF otherwise.
func lineEnding(content string) string {
	if strings.Contains(content, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

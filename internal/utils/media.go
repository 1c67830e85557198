package utils

import (
	"strings"
)

// directMediaExtensions are URL suffixes the manager treats as directly
// downloadable byte streams.
var directMediaExtensions = map[string]struct{}{
	"mp4": {}, "mkv": {}, "mov": {}, "avi": {}, "wmv": {}, "flv": {},
	"webm": {}, "mp3": {}, "wav": {}, "flac": {}, "aac": {}, "ogg": {},
	"m4a": {}, "ts": {}, "mpd": {},
}

// hlsContentTypes are Content-Type values identifying an HLS playlist.
var hlsContentTypes = map[string]struct{}{
	"application/vnd.apple.mpegurl": {},
	"application/x-mpegurl":         {},
}

// IsPlaylistURL reports whether the URL names an M3U8 playlist.
func IsPlaylistURL(rawURL string) bool {
	return URLExtension(rawURL) == "m3u8"
}

// IsDirectMediaURL reports whether the URL ends in a known media extension.
func IsDirectMediaURL(rawURL string) bool {
	_, ok := directMediaExtensions[URLExtension(rawURL)]
	return ok
}

// IsHLSContentType reports whether the Content-Type marks an HLS playlist.
func IsHLSContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	_, ok := hlsContentTypes[ct]
	return ok
}

// Package m3u8 parses HLS master and media playlists into absolute-URI
// segment lists.
package m3u8

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Errors surfaced by the parser.
var (
	// ErrInvalidPlaylist marks input that is not a usable playlist, including
	// master playlists advertising no variant streams.
	ErrInvalidPlaylist = errors.New("invalid m3u8 playlist")
	// ErrEmptyPlaylist marks a media playlist with no segments.
	ErrEmptyPlaylist = errors.New("m3u8 playlist has no segments")
)

// Key describes segment encryption as declared by #EXT-X-KEY.
type Key struct {
	Method string
	URI    string
	IV     string
}

// Segment is one media segment of a playlist. URI is absolute, resolved
// against the playlist URL.
type Segment struct {
	URI             string
	Duration        float64
	Title           string
	ByteRange       string
	Discontinuity   bool
	Key             *Key
	ProgramDateTime time.Time
	Sequence        int
}

// Variant is one stream of a master playlist.
type Variant struct {
	URI        string
	Bandwidth  int
	Resolution string
}

// Playlist is a parsed media playlist.
type Playlist struct {
	Version        int
	TargetDuration float64
	MediaSequence  int
	EndList        bool
	// Live mirrors the absence of #EXT-X-ENDLIST. The downloader treats a
	// live playlist as a best-effort snapshot.
	Live     bool
	Segments []Segment
}

// TotalDuration sums the declared segment durations.
func (p *Playlist) TotalDuration() float64 {
	var d float64
	for _, s := range p.Segments {
		d += s.Duration
	}
	return d
}

// Encode reserializes the playlist minimally: header, version, target
// duration, media sequence, one EXTINF + URI pair per segment, and the
// endlist marker. Segment URIs, durations and sequence numbering survive a
// decode/encode round trip.
func (p *Playlist) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	if p.Version > 0 {
		fmt.Fprintf(&buf, "#EXT-X-VERSION:%d\n", p.Version)
	}
	if p.TargetDuration > 0 {
		fmt.Fprintf(&buf, "#EXT-X-TARGETDURATION:%d\n", int(p.TargetDuration))
	}
	fmt.Fprintf(&buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	for _, s := range p.Segments {
		if s.Discontinuity {
			buf.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if s.Title != "" {
			fmt.Fprintf(&buf, "#EXTINF:%s,%s\n", formatDuration(s.Duration), s.Title)
		} else {
			fmt.Fprintf(&buf, "#EXTINF:%s,\n", formatDuration(s.Duration))
		}
		if s.ByteRange != "" {
			fmt.Fprintf(&buf, "#EXT-X-BYTERANGE:%s\n", s.ByteRange)
		}
		buf.WriteString(s.URI)
		buf.WriteByte('\n')
	}
	if p.EndList {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}
	return buf.Bytes()
}

func formatDuration(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

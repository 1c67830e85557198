package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// HLSOrigin serves a synthetic HLS tree: an optional master playlist, a media
// playlist and its segments.
type HLSOrigin struct {
	Server *httptest.Server

	// Variants maps bandwidth to a variant path; empty means the media
	// playlist is served at the root.
	Variants    map[int]string
	SegmentData [][]byte
	Live        bool

	// Tracking
	PlaylistRequests atomic.Int64
	SegmentRequests  atomic.Int64
}

// HLSOption configures an HLSOrigin.
type HLSOption func(*HLSOrigin)

// WithVariants serves a master playlist advertising the given bandwidths.
// Only the highest-bandwidth variant resolves to real segments; the others
// 404 so a wrong selection is loud.
func WithVariants(bandwidths ...int) HLSOption {
	return func(o *HLSOrigin) {
		o.Variants = make(map[int]string, len(bandwidths))
		for _, bw := range bandwidths {
			o.Variants[bw] = fmt.Sprintf("/variant_%d.m3u8", bw)
		}
	}
}

// WithSegments sets the segment payloads.
func WithSegments(data ...[]byte) HLSOption {
	return func(o *HLSOrigin) { o.SegmentData = data }
}

// WithLive omits the endlist marker.
func WithLive() HLSOption {
	return func(o *HLSOrigin) { o.Live = true }
}

// NewHLSOriginT starts the origin; it is closed via t.Cleanup.
func NewHLSOriginT(t *testing.T, opts ...HLSOption) *HLSOrigin {
	t.Helper()
	o := &HLSOrigin{}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.SegmentData) == 0 {
		o.SegmentData = [][]byte{
			[]byte(strings.Repeat("a", 4096)),
			[]byte(strings.Repeat("b", 4096)),
			[]byte(strings.Repeat("c", 4096)),
		}
	}

	o.Server = NewHTTPServerT(t, http.HandlerFunc(o.handle))
	t.Cleanup(o.Server.Close)
	return o
}

// PlaylistURL returns the entry-point playlist URL.
func (o *HLSOrigin) PlaylistURL() string {
	if len(o.Variants) > 0 {
		return o.Server.URL + "/master.m3u8"
	}
	return o.Server.URL + "/media.m3u8"
}

// TotalBytes sums the segment payload sizes.
func (o *HLSOrigin) TotalBytes() int64 {
	var n int64
	for _, seg := range o.SegmentData {
		n += int64(len(seg))
	}
	return n
}

func (o *HLSOrigin) bestBandwidth() int {
	best := 0
	for bw := range o.Variants {
		if bw > best {
			best = bw
		}
	}
	return best
}

func (o *HLSOrigin) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/master.m3u8":
		o.PlaylistRequests.Add(1)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		var b strings.Builder
		b.WriteString("#EXTM3U\n")
		for bw, path := range o.Variants {
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=1280x720\n", bw)
			b.WriteString(strings.TrimPrefix(path, "/"))
			b.WriteString("\n")
		}
		_, _ = w.Write([]byte(b.String()))

	case r.URL.Path == "/media.m3u8" || r.URL.Path == fmt.Sprintf("/variant_%d.m3u8", o.bestBandwidth()):
		o.PlaylistRequests.Add(1)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
		for i := range o.SegmentData {
			fmt.Fprintf(&b, "#EXTINF:9.5,\nseg%d.ts\n", i)
		}
		if !o.Live {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		_, _ = w.Write([]byte(b.String()))

	case strings.HasPrefix(r.URL.Path, "/seg") && strings.HasSuffix(r.URL.Path, ".ts"):
		o.SegmentRequests.Add(1)
		var idx int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg%d.ts", &idx); err != nil || idx < 0 || idx >= len(o.SegmentData) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write(o.SegmentData[idx])

	default:
		http.NotFound(w, r)
	}
}

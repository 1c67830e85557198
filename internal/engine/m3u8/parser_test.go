package m3u8

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:42
#EXTINF:9.009,first
seg0.ts
#EXT-X-DISCONTINUITY
#EXTINF:8.5,
seg1.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k1",IV=0xDEADBEEF
#EXTINF:10,
#EXT-X-BYTERANGE:75232@0
https://cdn.example.com/seg2.ts
#EXT-X-PROGRAM-DATE-TIME:2024-03-01T12:00:00Z
#EXTINF:4.25,last one
seg3.ts
#EXT-X-ENDLIST
`

func mustBase(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestDecodeMediaPlaylist(t *testing.T) {
	base := mustBase(t, "https://cdn.example.com/streams/playlist.m3u8")
	p, err := Decode(base, strings.NewReader(mediaPlaylist))
	require.NoError(t, err)

	assert.Equal(t, 3, p.Version)
	assert.InDelta(t, 10.0, p.TargetDuration, 0.001)
	assert.Equal(t, 42, p.MediaSequence)
	assert.True(t, p.EndList)
	assert.False(t, p.Live)
	require.Len(t, p.Segments, 4)

	s0 := p.Segments[0]
	assert.Equal(t, "https://cdn.example.com/streams/seg0.ts", s0.URI)
	assert.InDelta(t, 9.009, s0.Duration, 0.0001)
	assert.Equal(t, "first", s0.Title)
	assert.Equal(t, 42, s0.Sequence)

	s1 := p.Segments[1]
	assert.True(t, s1.Discontinuity)
	assert.Equal(t, 43, s1.Sequence)

	s2 := p.Segments[2]
	assert.Equal(t, "https://cdn.example.com/seg2.ts", s2.URI, "absolute URIs pass through")
	require.NotNil(t, s2.Key)
	assert.Equal(t, "AES-128", s2.Key.Method)
	assert.Equal(t, "https://keys.example.com/k1", s2.Key.URI)
	assert.Equal(t, "0xDEADBEEF", s2.Key.IV)
	assert.Equal(t, "75232@0", s2.ByteRange)

	s3 := p.Segments[3]
	assert.Equal(t, "last one", s3.Title)
	assert.False(t, s3.ProgramDateTime.IsZero())
	assert.Equal(t, 45, s3.Sequence)
}

func TestDecodeLivePlaylist(t *testing.T) {
	text := "#EXTM3U\n#EXTINF:4,\nseg0.ts\n"
	p, err := Decode(mustBase(t, "http://h/x.m3u8"), strings.NewReader(text))
	require.NoError(t, err)
	assert.True(t, p.Live)
	assert.False(t, p.EndList)
	assert.Equal(t, 0, p.Segments[0].Sequence, "sequence starts at 0 without media-sequence tag")
}

func TestDecodeMissingHeader(t *testing.T) {
	_, err := Decode(mustBase(t, "http://h/x.m3u8"), strings.NewReader("#EXTINF:4,\nseg.ts\n"))
	assert.ErrorIs(t, err, ErrInvalidPlaylist)
}

func TestDecodeNoSegments(t *testing.T) {
	_, err := Decode(mustBase(t, "http://h/x.m3u8"), strings.NewReader("#EXTM3U\n#EXT-X-ENDLIST\n"))
	assert.ErrorIs(t, err, ErrEmptyPlaylist)
}

func TestDecodeIgnoresUnknownTags(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-SOMETHING-NEW:foo\n#EXTINF:4,\nseg0.ts\n#EXT-X-ENDLIST\n"
	p, err := Decode(mustBase(t, "http://h/x.m3u8"), strings.NewReader(text))
	require.NoError(t, err)
	assert.Len(t, p.Segments, 1)
}

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360
low/stream.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1920x1080
high/stream.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1500000,RESOLUTION=1280x720
mid/stream.m3u8
`

func TestDecodeMasterSelectsHighestBandwidth(t *testing.T) {
	base := mustBase(t, "https://cdn.example.com/master.m3u8")
	variants, err := DecodeMaster(base, strings.NewReader(masterPlaylist))
	require.NoError(t, err)
	require.Len(t, variants, 3)

	best := BestVariant(variants)
	assert.Equal(t, 3000000, best.Bandwidth)
	assert.Equal(t, "https://cdn.example.com/high/stream.m3u8", best.URI)
}

func TestBestVariantTieKeepsFirst(t *testing.T) {
	vs := []Variant{
		{URI: "a", Bandwidth: 100},
		{URI: "b", Bandwidth: 100},
	}
	assert.Equal(t, "a", BestVariant(vs).URI)
}

func TestDecodeMasterNoStreams(t *testing.T) {
	_, err := DecodeMaster(mustBase(t, "http://h/m.m3u8"), strings.NewReader("#EXTM3U\n"))
	assert.ErrorIs(t, err, ErrInvalidPlaylist)
}

func TestEncodeRoundTrip(t *testing.T) {
	base := mustBase(t, "https://cdn.example.com/streams/playlist.m3u8")
	p, err := Decode(base, strings.NewReader(mediaPlaylist))
	require.NoError(t, err)

	again, err := Decode(base, strings.NewReader(string(p.Encode())))
	require.NoError(t, err)

	require.Len(t, again.Segments, len(p.Segments))
	for i := range p.Segments {
		assert.Equal(t, p.Segments[i].URI, again.Segments[i].URI)
		assert.InDelta(t, p.Segments[i].Duration, again.Segments[i].Duration, 0.0001)
		assert.Equal(t, p.Segments[i].Sequence, again.Segments[i].Sequence)
	}
	assert.Equal(t, p.MediaSequence, again.MediaSequence)
	assert.Equal(t, p.EndList, again.EndList)
}

func TestParseAttributesQuotedCommas(t *testing.T) {
	m := parseAttributes(`BANDWIDTH=800000,CODECS="mp4a.40.2,avc1.4d401f",RESOLUTION=1280x720`)
	assert.Equal(t, "800000", m["BANDWIDTH"])
	assert.Equal(t, "mp4a.40.2,avc1.4d401f", m["CODECS"])
	assert.Equal(t, "1280x720", m["RESOLUTION"])
}

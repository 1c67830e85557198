package m3u8

import (
	"bufio"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// IsMaster reports whether the playlist text advertises variant streams.
func IsMaster(lines []string) bool {
	for _, line := range lines {
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			return true
		}
	}
	return false
}

func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading playlist")
	}
	return lines, nil
}

// DecodeMaster extracts the variant list from a master playlist. Variant URIs
// are resolved against base.
func DecodeMaster(base *url.URL, r io.Reader) ([]Variant, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 || lines[0] != "#EXTM3U" {
		return nil, errors.Wrap(ErrInvalidPlaylist, "missing #EXTM3U header")
	}

	var variants []Variant
	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
		v := Variant{Resolution: attrs["RESOLUTION"]}
		if bw, err := strconv.Atoi(attrs["BANDWIDTH"]); err == nil {
			v.Bandwidth = bw
		}
		// The first non-comment, non-empty line after the tag is the URI.
		for j := i + 1; j < len(lines); j++ {
			next := lines[j]
			if next == "" || strings.HasPrefix(next, "#") {
				continue
			}
			v.URI = resolveURI(base, next)
			break
		}
		if v.URI != "" {
			variants = append(variants, v)
		}
	}

	if len(variants) == 0 {
		return nil, errors.Wrap(ErrInvalidPlaylist, "master playlist advertises no streams")
	}
	return variants, nil
}

// BestVariant picks the variant with the highest bandwidth; ties keep the
// first seen.
func BestVariant(variants []Variant) Variant {
	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// Decode parses a media playlist. Relative segment URIs are resolved against
// base. Unknown tags are ignored.
func Decode(base *url.URL, r io.Reader) (*Playlist, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 || lines[0] != "#EXTM3U" {
		return nil, errors.Wrap(ErrInvalidPlaylist, "missing #EXTM3U header")
	}

	p := &Playlist{Live: true}
	var (
		pending     *Segment // started by #EXTINF, completed by the URI line
		pendingKey  *Key
		pendingDate time.Time
		pendingDisc bool
		byteRange   string
		seq         = -1
	)

	for _, line := range lines[1:] {
		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			p.Version, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			p.TargetDuration, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			p.MediaSequence, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if seq == -1 {
				seq = p.MediaSequence
			}

		case line == "#EXT-X-ENDLIST":
			p.EndList = true
			p.Live = false

		case line == "#EXT-X-DISCONTINUITY":
			pendingDisc = true

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			pendingKey = parseKey(strings.TrimPrefix(line, "#EXT-X-KEY:"))

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			if ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")); err == nil {
				pendingDate = ts
			}

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			byteRange = strings.TrimPrefix(line, "#EXT-X-BYTERANGE:")

		case strings.HasPrefix(line, "#EXTINF:"):
			inf := strings.TrimPrefix(line, "#EXTINF:")
			seg := Segment{}
			parts := strings.SplitN(inf, ",", 2)
			seg.Duration, _ = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			if len(parts) == 2 {
				seg.Title = strings.TrimSpace(parts[1])
			}
			pending = &seg

		case strings.HasPrefix(line, "#"):
			// Unknown tag.

		default:
			if pending == nil {
				continue
			}
			if seq == -1 {
				seq = p.MediaSequence
			}
			pending.URI = resolveURI(base, line)
			pending.ByteRange = byteRange
			pending.Discontinuity = pendingDisc
			pending.Key = pendingKey
			pending.ProgramDateTime = pendingDate
			pending.Sequence = seq
			seq++
			p.Segments = append(p.Segments, *pending)

			pending = nil
			pendingDisc = false
			pendingDate = time.Time{}
			byteRange = ""
		}
	}

	if len(p.Segments) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return p, nil
}

func resolveURI(base *url.URL, raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if base == nil || ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func parseKey(attrs string) *Key {
	m := parseAttributes(attrs)
	if m["METHOD"] == "" || strings.EqualFold(m["METHOD"], "NONE") {
		return nil
	}
	return &Key{Method: m["METHOD"], URI: m["URI"], IV: m["IV"]}
}

// parseAttributes splits an attribute list like `BANDWIDTH=800000,
// CODECS="mp4a,avc1"` honouring quoted values.
func parseAttributes(s string) map[string]string {
	out := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inVal, quoted := false, false
	flush := func() {
		if key.Len() > 0 {
			out[strings.TrimSpace(key.String())] = strings.TrimSpace(val.String())
		}
		key.Reset()
		val.Reset()
		inVal, quoted = false, false
	}
	for _, r := range s {
		switch {
		case r == '"' && inVal:
			quoted = !quoted
		case r == '=' && !inVal:
			inVal = true
		case r == ',' && !quoted:
			flush()
		case inVal:
			val.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	flush()
	return out
}

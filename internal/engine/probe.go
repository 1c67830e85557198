package engine

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/vfaronov/httpheader"

	"github.com/riptide-dl/riptide/internal/engine/types"
)

// ProbeResult contains all metadata from the preflight request.
type ProbeResult struct {
	FileSize      int64 // 0 = unknown
	SupportsRange bool
	Filename      string
	ContentType   string
}

// Probe sends a HEAD request to determine server capabilities: Content-Length
// becomes the total size, Accept-Ranges: bytes marks range support, and the
// filename comes from Content-Disposition or the URL path. Callers fall back
// to a plain single-stream GET when the probe fails.
func Probe(ctx context.Context, client *http.Client, rawurl string, opts types.Options) (*ProbeResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, types.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", opts.Agent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawurl}
	}

	result := &ProbeResult{
		ContentType: resp.Header.Get("Content-Type"),
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		result.FileSize, _ = strconv.ParseInt(cl, 10, 64)
	}
	result.SupportsRange = resp.Header.Get("Accept-Ranges") == "bytes"
	result.Filename = FilenameFromResponse(rawurl, resp)

	return result, nil
}

// FilenameFromResponse picks a filename from Content-Disposition, then the
// URL path, then a generic fallback.
func FilenameFromResponse(rawurl string, resp *http.Response) string {
	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		name = filepath.Base(name)
		if name != "" && name != "." && name != "/" {
			return name
		}
	}

	if parsed, err := url.Parse(rawurl); err == nil {
		name := filepath.Base(parsed.Path)
		if name != "" && name != "." && name != "/" {
			return name
		}
	}

	return "download.bin"
}

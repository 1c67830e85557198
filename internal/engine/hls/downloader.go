// Package hls downloads HTTP Live Streaming media: it enumerates the
// playlist, fetches every segment under the shared rate and retry discipline,
// and concatenates them in playlist order.
package hls

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/riptide-dl/riptide/internal/engine"
	"github.com/riptide-dl/riptide/internal/engine/m3u8"
	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
	"github.com/riptide-dl/riptide/internal/engine/types"
)

// Config carries an HLS download request.
type Config struct {
	URL      string
	DestPath string
	Options  types.Options

	Client    *http.Client
	Playlists *m3u8.Client
	Limiter   ratelimit.Limiter
	Gate      *engine.Gate
	Logger    *log.Logger

	// OnProgress receives cumulative bytes written plus the segment counts.
	// Byte totals keep HLS tasks commensurable with direct downloads in the
	// aggregate tracker; the fraction done comes from the segment counts.
	OnProgress func(bytes int64, segmentsDone, segmentsTotal int)
}

// Downloader drives one HLS download.
type Downloader struct {
	cfg       Config
	bytes     atomic.Int64
	completed atomic.Int32

	reportMu sync.Mutex
	reported int64
	cookie   string
}

// New prepares an HLS downloader.
func New(cfg Config) *Downloader {
	if cfg.Client == nil {
		cfg.Client = engine.NewClient(cfg.Options, cfg.Options.PlaylistWorkers())
	}
	if cfg.Playlists == nil {
		cfg.Playlists = m3u8.NewClient(m3u8.ClientConfig{UserAgent: cfg.Options.Agent()})
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Downloader{cfg: cfg, cookie: engine.CookieHeader(cfg.Options.CookiesFile)}
}

// SegmentPath names the scratch file for one playlist segment.
func SegmentPath(destPath string, index int) string {
	stem := strings.TrimSuffix(destPath, filepath.Ext(destPath))
	return fmt.Sprintf("%s_segment_%06d.ts", stem, index)
}

// Run downloads the playlist's segments and concatenates them into the
// output file. Scratch segments survive failure and cancellation; with
// resume enabled they are skipped on the next attempt.
func (d *Downloader) Run(ctx context.Context) error {
	playlist, err := d.cfg.Playlists.Parse(ctx, d.cfg.URL)
	if err != nil {
		return classifyParse(err)
	}
	if playlist.Live {
		d.cfg.Logger.Debug("live playlist, downloading current snapshot", "url", d.cfg.URL)
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.DestPath), 0o755); err != nil {
		return err
	}

	total := len(playlist.Segments)
	skip := 0
	if d.cfg.Options.EnableResume {
		skip = d.resumeCount(total)
		if skip > 0 {
			d.cfg.Logger.Debug("resuming playlist download", "skipped", skip, "total", total)
		}
	}
	d.completed.Store(int32(skip))
	for i := 0; i < skip; i++ {
		if info, err := os.Stat(SegmentPath(d.cfg.DestPath, i)); err == nil {
			d.bytes.Add(info.Size())
		}
	}
	d.report(total)

	if err := d.fetchSegments(ctx, playlist.Segments, skip, total); err != nil {
		return err
	}

	if !d.cfg.Options.M3U8MergeSegments {
		return nil
	}
	return d.concatenate(ctx, total)
}

// resumeCount counts contiguous existing scratch segments from the head of
// the list.
func (d *Downloader) resumeCount(total int) int {
	n := 0
	for n < total {
		if _, err := os.Stat(SegmentPath(d.cfg.DestPath, n)); err != nil {
			break
		}
		n++
	}
	return n
}

// report serializes progress delivery and drops stale byte counts so
// observers see a non-decreasing sequence under parallel segment fetches.
func (d *Downloader) report(total int) {
	if d.cfg.OnProgress == nil {
		return
	}
	d.reportMu.Lock()
	cur := d.bytes.Load()
	if cur < d.reported {
		d.reportMu.Unlock()
		return
	}
	d.reported = cur
	d.cfg.OnProgress(cur, int(d.completed.Load()), total)
	d.reportMu.Unlock()
}

func (d *Downloader) fetchSegments(ctx context.Context, segs []m3u8.Segment, skip, total int) error {
	workers := d.cfg.Options.PlaylistWorkers()
	if workers == 1 {
		for i := skip; i < total; i++ {
			if err := d.fetchOne(ctx, segs[i], i, total); err != nil {
				return err
			}
		}
		return nil
	}

	// Parallel fetch: completion order is arbitrary, the concatenation
	// enforces playlist order. The limiter stays shared across workers.
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	errCh := make(chan error, total-skip)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := skip; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				errCh <- runCtx.Err()
				return
			}
			defer func() { <-sem }()
			if err := d.fetchOne(runCtx, segs[i], i, total); err != nil {
				errCh <- err
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// fetchOne streams one segment to its scratch file with the shared retry
// discipline.
func (d *Downloader) fetchOne(ctx context.Context, seg m3u8.Segment, index, total int) error {
	path := SegmentPath(d.cfg.DestPath, index)
	retries := d.cfg.Options.Retries()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := engine.SleepCtx(ctx, d.cfg.Options.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = d.fetchOnce(ctx, seg, path)
		if lastErr == nil {
			d.completed.Add(1)
			d.report(total)
			return nil
		}
		if !engine.IsRetryable(lastErr) || engine.IsCancelled(lastErr) {
			return lastErr
		}
		d.cfg.Logger.Debug("segment fetch failed",
			"sequence", seg.Sequence, "attempt", attempt, "err", lastErr)
	}
	return lastErr
}

func (d *Downloader) fetchOnce(ctx context.Context, seg m3u8.Segment, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", d.cfg.Options.Agent())
	if d.cookie != "" {
		req.Header.Set("Cookie", d.cookie)
	}
	if seg.ByteRange != "" {
		if rng, ok := byteRangeHeader(seg.ByteRange); ok {
			req.Header.Set("Range", rng)
		}
	}

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return &engine.StatusError{Code: resp.StatusCode, URL: seg.URI}
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, types.NetworkChunk)
	n, err := engine.CopyChunks(ctx, out, resp.Body, buf, engine.CopyConfig{
		Limiter: d.cfg.Limiter,
		Gate:    d.cfg.Gate,
	})
	if err != nil {
		// A torn scratch file would poison resume counting.
		out.Close()
		_ = os.Remove(path)
		return err
	}
	d.bytes.Add(n)
	return out.Sync()
}

// byteRangeHeader converts an #EXT-X-BYTERANGE spec ("length[@offset]") into
// an HTTP Range header value.
func byteRangeHeader(spec string) (string, bool) {
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 {
		return "", false
	}
	var length, offset int64
	if _, err := fmt.Sscanf(parts[0], "%d", &length); err != nil {
		return "", false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &offset); err != nil {
		return "", false
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1), true
}

// concatenate appends the scratch segments to the output in playlist order
// and removes them.
func (d *Downloader) concatenate(ctx context.Context, total int) error {
	out, err := os.OpenFile(d.cfg.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, types.MergeChunk)
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		path := SegmentPath(d.cfg.DestPath, i)
		in, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "opening segment %d for merge", i)
		}
		if _, err := engine.CopyChunks(ctx, out, in, buf, engine.CopyConfig{}); err != nil {
			in.Close()
			return err
		}
		in.Close()
		if err := os.Remove(path); err != nil {
			d.cfg.Logger.Warn("failed to remove scratch segment", "path", path, "err", err)
		}
	}
	return out.Sync()
}

func classifyParse(err error) error {
	if errors.Is(err, m3u8.ErrInvalidPlaylist) || errors.Is(err, m3u8.ErrEmptyPlaylist) {
		return fmt.Errorf("%w: %v", engine.ErrParse, err)
	}
	return err
}

// Package segmented downloads a single byte-addressable HTTP resource to one
// output file, with resume and optional multi-range parallel segmentation.
package segmented

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/riptide-dl/riptide/internal/engine"
	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
	"github.com/riptide-dl/riptide/internal/engine/types"
)

// Runner schedules segment work units. The worker pool satisfies it; a nil
// Runner falls back to plain goroutines.
type Runner interface {
	Submit(id string, fn func(context.Context) error) error
	WaitFor(id string) error
}

// Config carries everything a download needs. Client, Limiter, Gate, Runner
// and Logger are optional.
type Config struct {
	URL      string
	DestPath string
	Options  types.Options

	Client  *http.Client
	Limiter ratelimit.Limiter
	Gate    *engine.Gate
	Runner  Runner
	Logger  *log.Logger

	// OnProgress receives cumulative bytes and the total (0 = unknown).
	OnProgress func(downloaded, total int64)
}

// Downloader drives one download to completion.
type Downloader struct {
	cfg        Config
	client     *http.Client
	logger     *log.Logger
	downloaded atomic.Int64
	total      int64

	reportMu sync.Mutex
	reported int64
	cookie   string
}

// New prepares a downloader; Run does the work.
func New(cfg Config) *Downloader {
	client := cfg.Client
	if client == nil {
		client = engine.NewClient(cfg.Options, cfg.Options.Segments())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Downloader{
		cfg:    cfg,
		client: client,
		logger: logger,
		cookie: engine.CookieHeader(cfg.Options.CookiesFile),
	}
}

// Downloaded returns the cumulative byte counter, including the resume
// position.
func (d *Downloader) Downloaded() int64 {
	return d.downloaded.Load()
}

// Run executes the download. Scratch and partial output survive failure and
// cancellation so a later attempt can resume.
func (d *Downloader) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.DestPath), 0o755); err != nil {
		return err
	}

	if !d.cfg.Options.EnableResume && !d.cfg.Options.OverwriteExisting {
		if info, statErr := os.Stat(d.cfg.DestPath); statErr == nil && !info.IsDir() {
			return fmt.Errorf("%w: %s already exists", engine.ErrInvalidInput, d.cfg.DestPath)
		}
	}

	probe, err := engine.Probe(ctx, d.client, d.cfg.URL, d.cfg.Options)
	if err != nil {
		if engine.IsCancelled(err) {
			return err
		}
		d.logger.Debug("probe failed, falling back to single stream", "url", d.cfg.URL, "err", err)
		probe = &engine.ProbeResult{}
	}
	d.total = probe.FileSize

	resumePos := d.resumePosition()
	if d.total > 0 && resumePos >= d.total {
		// Existing file already covers the resource.
		d.downloaded.Store(d.total)
		d.report()
		return nil
	}
	d.downloaded.Store(resumePos)
	d.report()

	if probe.SupportsRange && d.total > types.SegmentedThreshold && d.cfg.Options.EnableSegmented {
		err := d.parallel(ctx, resumePos)
		if err == nil || !isRangeRefusal(err) {
			return err
		}
		// Advertised ranges turned out to be a lie; downgrade and continue.
		d.logger.Warn("range request refused, downgrading to single stream", "url", d.cfg.URL)
		if parts, globErr := filepath.Glob(d.cfg.DestPath + ".part*"); globErr == nil {
			for _, p := range parts {
				_ = os.Remove(p)
			}
		}
		d.downloaded.Store(resumePos)
	}

	return d.singleStream(ctx, resumePos)
}

func isRangeRefusal(err error) bool {
	return err != nil && !engine.IsCancelled(err) && errors.Is(err, engine.ErrRangeNotSupported)
}

func (d *Downloader) resumePosition() int64 {
	if !d.cfg.Options.EnableResume {
		return 0
	}
	info, err := os.Stat(d.cfg.DestPath)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// report delivers the cumulative counter to the progress callback. Delivery
// is serialized and stale values are dropped so observers see a
// non-decreasing sequence even when segments race.
func (d *Downloader) report() {
	if d.cfg.OnProgress == nil {
		return
	}
	d.reportMu.Lock()
	cur := d.downloaded.Load()
	if cur < d.reported {
		d.reportMu.Unlock()
		return
	}
	d.reported = cur
	d.cfg.OnProgress(cur, d.total)
	d.reportMu.Unlock()
}

// ---- single stream ----

func (d *Downloader) singleStream(ctx context.Context, resumePos int64) error {
	retries := d.cfg.Options.Retries()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := engine.SleepCtx(ctx, d.cfg.Options.Backoff(attempt-1)); err != nil {
				return err
			}
			// Bytes written by the failed attempt are kept.
			resumePos = d.downloaded.Load()
		}
		lastErr = d.streamOnce(ctx, resumePos)
		if lastErr == nil {
			return nil
		}
		if !engine.IsRetryable(lastErr) || engine.IsCancelled(lastErr) {
			return lastErr
		}
		d.logger.Debug("stream attempt failed", "attempt", attempt, "err", lastErr)
	}
	return lastErr
}

func (d *Downloader) streamOnce(ctx context.Context, resumePos int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", d.cfg.Options.Agent())
	if d.cookie != "" {
		req.Header.Set("Cookie", d.cookie)
	}
	if resumePos > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumePos))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if resumePos > 0 {
			// Server restarted from zero; so do we.
			resumePos = 0
			d.downloaded.Store(0)
		}
	default:
		return &engine.StatusError{Code: resp.StatusCode, URL: d.cfg.URL}
	}

	if d.total == 0 && resp.ContentLength > 0 {
		d.total = resumePos + resp.ContentLength
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumePos > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(d.cfg.DestPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, types.NetworkChunk)
	_, err = engine.CopyChunks(ctx, out, resp.Body, buf, engine.CopyConfig{
		Limiter: d.cfg.Limiter,
		Gate:    d.cfg.Gate,
		OnChunk: func(n int) {
			d.downloaded.Add(int64(n))
			d.report()
		},
	})
	if err != nil {
		return err
	}
	return out.Sync()
}

// ---- parallel range ----

// Segment is one byte interval of the resource, written to its own scratch
// file until the merge.
type Segment struct {
	Index int
	Start int64
	End   int64 // inclusive
	Path  string
}

// BuildSegments partitions [resumePos, total-1] into n contiguous intervals;
// the last segment absorbs the remainder.
func BuildSegments(resumePos, total int64, n int, destPath string) []Segment {
	remaining := total - resumePos
	if remaining <= 0 || n < 1 {
		return nil
	}
	if int64(n) > remaining {
		n = int(remaining)
	}
	size := remaining / int64(n)
	segs := make([]Segment, n)
	for i := 0; i < n; i++ {
		start := resumePos + int64(i)*size
		end := start + size - 1
		if i == n-1 {
			end = total - 1
		}
		segs[i] = Segment{
			Index: i,
			Start: start,
			End:   end,
			Path:  fmt.Sprintf("%s.part%d", destPath, i),
		}
	}
	return segs
}

func (d *Downloader) parallel(ctx context.Context, resumePos int64) error {
	segs := BuildSegments(resumePos, d.total, d.cfg.Options.Segments(), d.cfg.DestPath)
	if len(segs) == 0 {
		return d.singleStream(ctx, resumePos)
	}

	// One writer owns the output path for the duration of the download.
	lock := flock.New(d.cfg.DestPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: output %s is locked by another download", engine.ErrInvalidInput, d.cfg.DestPath)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(d.cfg.DestPath + ".lock")
	}()

	// Bytes already present in scratch files count as downloaded.
	for _, seg := range segs {
		if info, err := os.Stat(seg.Path); err == nil {
			have := info.Size()
			if max := seg.End - seg.Start + 1; have > max {
				have = max
			}
			d.downloaded.Add(have)
		}
	}
	d.report()

	if err := d.runSegments(ctx, segs); err != nil {
		// Scratch files stay on disk for a later resume.
		return err
	}

	if err := d.merge(ctx, segs, resumePos); err != nil {
		return err
	}
	d.report()
	return nil
}

func (d *Downloader) runSegments(ctx context.Context, segs []Segment) error {
	if d.cfg.Runner != nil {
		ids := make([]string, len(segs))
		for i, seg := range segs {
			seg := seg
			ids[i] = fmt.Sprintf("%s.part%d", d.cfg.DestPath, seg.Index)
			if err := d.cfg.Runner.Submit(ids[i], func(taskCtx context.Context) error {
				return d.downloadSegment(taskCtx, seg)
			}); err != nil {
				return err
			}
		}
		var firstErr error
		for _, id := range ids {
			if err := d.cfg.Runner.WaitFor(id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(segs))
	for _, seg := range segs {
		wg.Add(1)
		go func(seg Segment) {
			defer wg.Done()
			if err := d.downloadSegment(ctx, seg); err != nil {
				errCh <- err
			}
		}(seg)
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

// downloadSegment fetches one byte range into its scratch file, retrying
// transient failures with exponential backoff and continuing from whatever
// the scratch file already holds.
func (d *Downloader) downloadSegment(ctx context.Context, seg Segment) error {
	retries := d.cfg.Options.Retries()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := engine.SleepCtx(ctx, d.cfg.Options.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = d.segmentOnce(ctx, seg)
		if lastErr == nil {
			return nil
		}
		if !engine.IsRetryable(lastErr) || engine.IsCancelled(lastErr) {
			return lastErr
		}
		d.logger.Debug("segment attempt failed",
			"segment", seg.Index, "attempt", attempt, "err", lastErr)
	}
	return lastErr
}

func (d *Downloader) segmentOnce(ctx context.Context, seg Segment) error {
	var have int64
	if info, err := os.Stat(seg.Path); err == nil {
		have = info.Size()
	}
	want := seg.End - seg.Start + 1
	if have >= want {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", d.cfg.Options.Agent())
	if d.cookie != "" {
		req.Header.Set("Cookie", d.cookie)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.Start+have, seg.End))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// A full-body answer to a ranged request would corrupt the merge.
		return engine.ErrRangeNotSupported
	}
	if resp.StatusCode != http.StatusPartialContent {
		return &engine.StatusError{Code: resp.StatusCode, URL: d.cfg.URL}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if have > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(seg.Path, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, types.NetworkChunk)
	_, err = engine.CopyChunks(ctx, out, resp.Body, buf, engine.CopyConfig{
		Limiter: d.cfg.Limiter,
		Gate:    d.cfg.Gate,
		OnChunk: func(n int) {
			d.downloaded.Add(int64(n))
			d.report()
		},
	})
	if err != nil {
		return err
	}
	return out.Sync()
}

// merge drains the scratch files in index order into the output, deleting
// each after it is fully copied.
func (d *Downloader) merge(ctx context.Context, segs []Segment, resumePos int64) error {
	flags := os.O_CREATE | os.O_WRONLY
	if resumePos > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(d.cfg.DestPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, types.MergeChunk)
	var merged int64
	for _, seg := range segs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		in, err := os.Open(seg.Path)
		if err != nil {
			return err
		}
		n, err := engine.CopyChunks(ctx, out, in, buf, engine.CopyConfig{})
		in.Close()
		if err != nil {
			return err
		}
		merged += n
		if err := os.Remove(seg.Path); err != nil {
			d.logger.Warn("failed to remove scratch file", "path", seg.Path, "err", err)
		}
	}

	if err := out.Sync(); err != nil {
		return err
	}
	if want := d.total - resumePos; merged != want {
		return fmt.Errorf("%w: merged %d bytes, expected %d", engine.ErrInternal, merged, want)
	}
	return nil
}


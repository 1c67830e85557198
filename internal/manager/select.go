package manager

import (
	"context"
	"fmt"

	"github.com/riptide-dl/riptide/internal/engine"
	"github.com/riptide-dl/riptide/internal/engine/hls"
	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
	"github.com/riptide-dl/riptide/internal/engine/segmented"
	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/utils"
)

// buildRun selects the downloader strategy for the task and returns the
// closure the driver hands to the worker pool.
//
// Selection order: an .m3u8 suffix or HLS content type picks the HLS path; a
// direct media extension picks the segmented path; anything else goes
// through a registered extractor, falling back to a direct segmented
// download when none claims the URL.
func (m *Manager) buildRun(ctx context.Context, task *types.Task) (func(context.Context) error, error) {
	if utils.IsPlaylistURL(task.URL) {
		return m.hlsRun(task, task.URL), nil
	}

	// One probe catches playlists served without an .m3u8 suffix.
	client := engine.NewClient(task.Options, task.Options.Segments())
	if probe, err := engine.Probe(ctx, client, task.URL, task.Options); err == nil {
		if utils.IsHLSContentType(probe.ContentType) {
			return m.hlsRun(task, task.URL), nil
		}
	}

	if utils.IsDirectMediaURL(task.URL) {
		return m.segmentedRun(task, task.URL), nil
	}

	if ex := m.registry.FindFor(task.URL); ex != nil {
		info, err := ex.Extract(ctx, task.URL)
		if err != nil {
			return nil, fmt.Errorf("extractor failed for %s: %w", task.URL, err)
		}
		urls, err := ex.DownloadURLs(info, task.Options)
		if err != nil || len(urls) == 0 {
			return nil, fmt.Errorf("%w: extractor resolved no download URLs for %s", engine.ErrInvalidInput, task.URL)
		}
		direct := urls[0]
		if utils.IsPlaylistURL(direct) {
			return m.hlsRun(task, direct), nil
		}
		return m.segmentedRun(task, direct), nil
	}

	return m.segmentedRun(task, task.URL), nil
}

func (m *Manager) segmentedRun(task *types.Task, rawurl string) func(context.Context) error {
	cfg := segmented.Config{
		URL:      rawurl,
		DestPath: task.DestPath(),
		Options:  task.Options,
		Limiter:  m.taskLimiter(task),
		Gate:     m.queue.Gate(task.ID),
		Logger:   m.logger,
		OnProgress: func(downloaded, total int64) {
			m.tracker.Update(task.ID, downloaded, total)
		},
	}
	dl := segmented.New(cfg)
	return func(ctx context.Context) error {
		if err := dl.Run(ctx); err != nil {
			return err
		}
		m.fixExtension(task)
		return nil
	}
}

func (m *Manager) hlsRun(task *types.Task, rawurl string) func(context.Context) error {
	cfg := hls.Config{
		URL:       rawurl,
		DestPath:  task.DestPath(),
		Options:   task.Options,
		Playlists: m.playlists,
		Limiter:   m.taskLimiter(task),
		Gate:      m.queue.Gate(task.ID),
		Logger:    m.logger,
		OnProgress: func(bytes int64, done, total int) {
			m.tracker.Update(task.ID, bytes, 0)
			m.tracker.SetFraction(task.ID, done, total)
		},
	}
	dl := hls.New(cfg)
	return dl.Run
}

// taskLimiter prefers a per-task speed limit over the shared one.
func (m *Manager) taskLimiter(task *types.Task) ratelimit.Limiter {
	if bps := task.Options.SpeedLimitBytes(); bps > 0 {
		return ratelimit.NewBucket(bps)
	}
	return m.limiter
}

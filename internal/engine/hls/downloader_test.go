package hls

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/testutil"
)

func hlsOptions(dir string) types.Options {
	o := types.DefaultOptions(dir)
	o.RetryDelay = 50 * time.Millisecond
	return o
}

func segPayloads(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte('a' + i)}, size)
	}
	return out
}

func TestSegmentPathNaming(t *testing.T) {
	assert.Equal(t, "/out/movie_segment_000000.ts", SegmentPath("/out/movie.mp4", 0))
	assert.Equal(t, "/out/movie_segment_000042.ts", SegmentPath("/out/movie.mp4", 42))
}

func TestDownloadFromMasterPlaylist(t *testing.T) {
	payloads := segPayloads(5, 4096)
	origin := testutil.NewHLSOriginT(t,
		testutil.WithVariants(500000, 1500000, 3000000),
		testutil.WithSegments(payloads...))

	dir := t.TempDir()
	dest := filepath.Join(dir, "stream.ts")

	var lastDone int
	d := New(Config{
		URL: origin.PlaylistURL(), DestPath: dest, Options: hlsOptions(dir),
		OnProgress: func(_ int64, done, total int) {
			assert.Equal(t, 5, total)
			assert.GreaterOrEqual(t, done, lastDone)
			lastDone = done
		},
	})
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, origin.TotalBytes(), int64(len(got)))

	var want []byte
	for _, p := range payloads {
		want = append(want, p...)
	}
	assert.True(t, bytes.Equal(want, got), "segments must concatenate in playlist order")

	matches, _ := filepath.Glob(filepath.Join(dir, "*_segment_*.ts"))
	assert.Empty(t, matches, "scratch segments must be deleted after merge")
}

func TestDownloadResumeSkipsExistingSegments(t *testing.T) {
	payloads := segPayloads(5, 2048)
	origin := testutil.NewHLSOriginT(t, testutil.WithSegments(payloads...))

	dir := t.TempDir()
	dest := filepath.Join(dir, "stream.ts")

	// Two segments already on disk from an interrupted run.
	require.NoError(t, os.WriteFile(SegmentPath(dest, 0), payloads[0], 0o644))
	require.NoError(t, os.WriteFile(SegmentPath(dest, 1), payloads[1], 0o644))

	d := New(Config{URL: origin.PlaylistURL(), DestPath: dest, Options: hlsOptions(dir)})
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, int64(3), origin.SegmentRequests.Load(), "existing scratch segments must be skipped")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	var want []byte
	for _, p := range payloads {
		want = append(want, p...)
	}
	assert.True(t, bytes.Equal(want, got))
}

func TestDownloadParallelSegmentsPreserveOrder(t *testing.T) {
	payloads := segPayloads(8, 1024)
	origin := testutil.NewHLSOriginT(t, testutil.WithSegments(payloads...))

	dir := t.TempDir()
	dest := filepath.Join(dir, "stream.ts")
	opts := hlsOptions(dir)
	opts.M3U8SegmentThreads = 4

	d := New(Config{URL: origin.PlaylistURL(), DestPath: dest, Options: opts})
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	var want []byte
	for _, p := range payloads {
		want = append(want, p...)
	}
	assert.True(t, bytes.Equal(want, got))
}

func TestDownloadWithoutMergeKeepsSegments(t *testing.T) {
	origin := testutil.NewHLSOriginT(t)

	dir := t.TempDir()
	dest := filepath.Join(dir, "stream.ts")
	opts := hlsOptions(dir)
	opts.M3U8MergeSegments = false

	d := New(Config{URL: origin.PlaylistURL(), DestPath: dest, Options: opts})
	require.NoError(t, d.Run(context.Background()))

	matches, _ := filepath.Glob(filepath.Join(dir, "*_segment_*.ts"))
	assert.Len(t, matches, 3)
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadLiveSnapshot(t *testing.T) {
	origin := testutil.NewHLSOriginT(t, testutil.WithLive())

	dir := t.TempDir()
	dest := filepath.Join(dir, "live.ts")
	d := New(Config{URL: origin.PlaylistURL(), DestPath: dest, Options: hlsOptions(dir)})
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, origin.TotalBytes(), int64(len(got)))
}

func TestDownloadEmptyPlaylistFails(t *testing.T) {
	srv := testutil.NewHTTPServerT(t, emptyPlaylistHandler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	d := New(Config{
		URL:      srv.URL + "/media.m3u8",
		DestPath: filepath.Join(dir, "x.ts"),
		Options:  hlsOptions(dir),
	})
	err := d.Run(context.Background())
	require.Error(t, err)
}

func emptyPlaylistHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	}
}

func TestDownloadCancellation(t *testing.T) {
	payloads := segPayloads(5, 4096)
	origin := testutil.NewHLSOriginT(t, testutil.WithSegments(payloads...))

	dir := t.TempDir()
	dest := filepath.Join(dir, "c.ts")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Config{URL: origin.PlaylistURL(), DestPath: dest, Options: hlsOptions(dir)})
	err := d.Run(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context canceled") || err == context.Canceled)
}

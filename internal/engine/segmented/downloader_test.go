package segmented

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/testutil"
)

func baseOptions(dir string) types.Options {
	o := types.DefaultOptions(dir)
	o.RetryDelay = 50 * time.Millisecond
	return o
}

func TestBuildSegmentsPartition(t *testing.T) {
	cases := []struct {
		name   string
		resume int64
		total  int64
		n      int
	}{
		{"even split", 0, 41943040, 4},
		{"uneven remainder", 0, 1000003, 7},
		{"resume offset", 5 * types.MB, 40 * types.MB, 4},
		{"single segment", 0, 1024, 1},
		{"more segments than bytes", 0, 5, 16},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			segs := BuildSegments(tc.resume, tc.total, tc.n, "/tmp/out.bin")
			require.NotEmpty(t, segs)

			assert.Equal(t, tc.resume, segs[0].Start)
			assert.Equal(t, tc.total-1, segs[len(segs)-1].End)
			var covered int64
			for i, seg := range segs {
				require.LessOrEqual(t, seg.Start, seg.End)
				if i > 0 {
					require.Equal(t, segs[i-1].End+1, seg.Start, "segments must be contiguous")
				}
				covered += seg.End - seg.Start + 1
			}
			assert.Equal(t, tc.total-tc.resume, covered)
		})
	}
}

func TestBuildSegmentsSpecBoundaries(t *testing.T) {
	segs := BuildSegments(0, 41943040, 4, "/tmp/f")
	require.Len(t, segs, 4)
	assert.Equal(t, [2]int64{0, 10485759}, [2]int64{segs[0].Start, segs[0].End})
	assert.Equal(t, [2]int64{10485760, 20971519}, [2]int64{segs[1].Start, segs[1].End})
	assert.Equal(t, [2]int64{20971520, 31457279}, [2]int64{segs[2].Start, segs[2].End})
	assert.Equal(t, [2]int64{31457280, 41943039}, [2]int64{segs[3].Start, segs[3].End})
}

func TestSingleStreamSmallFile(t *testing.T) {
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(1*types.MB),
		testutil.WithRangeSupport(false),
		testutil.WithRandomData())

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	d := New(Config{URL: srv.URL(), DestPath: dest, Options: baseOptions(dir)})

	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Len(t, got, 1*types.MB)
	assert.Equal(t, sha256.Sum256(srv.Data()), sha256.Sum256(got))
	assert.Equal(t, int64(0), srv.RangeRequests.Load(), "single-stream path must not send ranged requests")
}

func TestParallelRangeDownload(t *testing.T) {
	const size = 12 * types.MB
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(size),
		testutil.WithRandomData())

	dir := t.TempDir()
	dest := filepath.Join(dir, "big.bin")
	opts := baseOptions(dir)
	opts.MaxConcurrentSegments = 4

	var lastDownloaded int64
	d := New(Config{
		URL: srv.URL(), DestPath: dest, Options: opts,
		OnProgress: func(downloaded, total int64) {
			assert.GreaterOrEqual(t, downloaded, lastDownloaded, "progress must be monotonic")
			lastDownloaded = downloaded
		},
	})

	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Len(t, got, size)
	assert.Equal(t, sha256.Sum256(srv.Data()), sha256.Sum256(got))
	assert.GreaterOrEqual(t, srv.RangeRequests.Load(), int64(4))

	// No scratch files survive success.
	matches, _ := filepath.Glob(dest + ".part*")
	assert.Empty(t, matches)
}

func TestResumeMidFile(t *testing.T) {
	const size = 12 * types.MB
	const prefix = 5 * types.MB
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(size),
		testutil.WithRandomData())

	dir := t.TempDir()
	dest := filepath.Join(dir, "resume.bin")
	require.NoError(t, os.WriteFile(dest, srv.Data()[:prefix], 0o644))

	d := New(Config{URL: srv.URL(), DestPath: dest, Options: baseOptions(dir)})
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Len(t, got, size)
	assert.True(t, bytes.Equal(srv.Data(), got))

	// Only the missing tail crossed the wire.
	assert.Less(t, srv.BytesServed.Load(), int64(size-prefix)+types.MB)
}

func TestResumeAlreadyComplete(t *testing.T) {
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(64*types.KB),
		testutil.WithRandomData())

	dir := t.TempDir()
	dest := filepath.Join(dir, "done.bin")
	require.NoError(t, os.WriteFile(dest, srv.Data(), 0o644))

	d := New(Config{URL: srv.URL(), DestPath: dest, Options: baseOptions(dir)})
	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, int64(0), srv.BytesServed.Load(), "nothing should be re-downloaded")
}

func TestRateLimitedStream(t *testing.T) {
	// 256 KiB at 64 KiB/s with a 128 KiB burst: at least 2 seconds.
	const size = 256 * types.KB
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(size),
		testutil.WithRangeSupport(false))

	dir := t.TempDir()
	dest := filepath.Join(dir, "limited.bin")
	d := New(Config{
		URL: srv.URL(), DestPath: dest, Options: baseOptions(dir),
		Limiter: ratelimit.NewBucket(64 * types.KB),
	})

	start := time.Now()
	require.NoError(t, d.Run(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
	assert.Less(t, elapsed, 8*time.Second)
}

func TestCancelLeavesScratchFiles(t *testing.T) {
	const size = 12 * types.MB
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(size),
		testutil.WithByteLatency(time.Microsecond)) // ~1 MiB/s per connection

	dir := t.TempDir()
	dest := filepath.Join(dir, "cancelled.bin")
	opts := baseOptions(dir)
	opts.MaxConcurrentSegments = 4

	d := New(Config{URL: srv.URL(), DestPath: dest, Options: opts})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("cancellation did not stop the download promptly")
	}

	matches, _ := filepath.Glob(dest + ".part*")
	assert.NotEmpty(t, matches, "scratch files must survive cancellation for resume")
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "no merge may happen after cancellation")
}

func TestScratchResumeSkipsDownloadedRanges(t *testing.T) {
	const size = 12 * types.MB
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(size),
		testutil.WithRandomData())

	dir := t.TempDir()
	dest := filepath.Join(dir, "partial.bin")
	opts := baseOptions(dir)
	opts.MaxConcurrentSegments = 4

	// Pre-populate segment 0's scratch with its correct prefix.
	segs := BuildSegments(0, size, 4, dest)
	prefill := srv.Data()[segs[0].Start : segs[0].Start+types.MB]
	require.NoError(t, os.WriteFile(segs[0].Path, prefill, 0o644))

	d := New(Config{URL: srv.URL(), DestPath: dest, Options: opts})
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(srv.Data()), sha256.Sum256(got))
	assert.Less(t, srv.BytesServed.Load(), int64(size), "prefilled scratch bytes must not be refetched")
}

func TestRangeRefusalDowngradesToSingleStream(t *testing.T) {
	// Origin advertises ranges on HEAD but answers every GET with 200 and
	// the full body.
	payload := make([]byte, 11*types.MB)
	for i := range payload {
		payload[i] = byte(i % 247)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	})
	srv := testutil.NewHTTPServerT(t, handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	dest := filepath.Join(dir, "lied.bin")

	d := New(Config{URL: srv.URL, DestPath: dest, Options: baseOptions(dir)})
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(payload), sha256.Sum256(got))
}

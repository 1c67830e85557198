package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/testutil"
)

func TestProbeReadsSizeAndRangeSupport(t *testing.T) {
	srv := testutil.NewMockServerT(t,
		testutil.WithFileSize(4096),
		testutil.WithFilename("video.mp4"),
		testutil.WithContentType("video/mp4"))

	probe, err := Probe(context.Background(), srv.Server.Client(), srv.URL(), types.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), probe.FileSize)
	assert.True(t, probe.SupportsRange)
	assert.Equal(t, "video.mp4", probe.Filename)
	assert.Equal(t, "video/mp4", probe.ContentType)
	assert.Equal(t, int64(1), srv.HeadRequests.Load())
}

func TestProbeNoRangeSupport(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithRangeSupport(false))

	probe, err := Probe(context.Background(), srv.Server.Client(), srv.URL(), types.Options{})
	require.NoError(t, err)
	assert.False(t, probe.SupportsRange)
}

func TestProbeErrorStatus(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithFailOnNthRequest(1))

	_, err := Probe(context.Background(), srv.Server.Client(), srv.URL(), types.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkTransient)
}

func TestFilenameFromResponseFallsBackToURL(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, "clip.mkv", FilenameFromResponse("http://h/path/clip.mkv", resp))
	assert.Equal(t, "download.bin", FilenameFromResponse("http://h/", resp))
}

func TestStatusErrorClassification(t *testing.T) {
	assert.ErrorIs(t, &StatusError{Code: 503}, ErrNetworkTransient)
	assert.ErrorIs(t, &StatusError{Code: 429}, ErrNetworkTransient)
	assert.ErrorIs(t, &StatusError{Code: 404}, ErrNetworkPermanent)
	assert.ErrorIs(t, &StatusError{Code: 403}, ErrNetworkPermanent)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&StatusError{Code: 500}))
	assert.False(t, IsRetryable(&StatusError{Code: 404}))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(ErrParse))
	assert.False(t, IsRetryable(nil))
}

func TestCookieHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")
	content := "# Netscape HTTP Cookie File\n" +
		".example.com\tTRUE\t/\tFALSE\t0\tsession\tabc123\n" +
		"plain=value\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	assert.Equal(t, "session=abc123; plain=value", CookieHeader(path))
	assert.Equal(t, "", CookieHeader(""))
	assert.Equal(t, "", CookieHeader(filepath.Join(dir, "missing.txt")))
}

func TestGatePauseResume(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.Wait(context.Background()), "open gate must not block")

	g.Pause()
	released := make(chan struct{})
	go func() {
		_ = g.Wait(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("paused gate released a waiter")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("resume did not release the waiter")
	}
}

func TestGateWaitHonoursCancellation(t *testing.T) {
	g := NewGate()
	g.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	assert.Error(t, err)
}

func TestCopyChunksPlain(t *testing.T) {
	src := strings.NewReader(strings.Repeat("x", 100_000))
	var dst bytes.Buffer
	var chunks atomic.Int64

	n, err := CopyChunks(context.Background(), &dst, src, make([]byte, 8192), CopyConfig{
		OnChunk: func(n int) { chunks.Add(1) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), n)
	assert.Equal(t, int64(100_000), int64(dst.Len()))
	assert.Greater(t, chunks.Load(), int64(10))
}

func TestCopyChunksCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := strings.NewReader("data")
	var dst bytes.Buffer
	_, err := CopyChunks(ctx, &dst, src, make([]byte, 8), CopyConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCopyChunksRespectsLimiter(t *testing.T) {
	// 64 KiB at 16 KiB/s with 32 KiB burst: at least (64-32)/16 = 2s.
	payload := strings.Repeat("y", 64*1024)
	lim := ratelimit.NewBucket(16 * 1024)

	start := time.Now()
	var dst bytes.Buffer
	n, err := CopyChunks(context.Background(), &dst, strings.NewReader(payload),
		make([]byte, 8192), CopyConfig{Limiter: lim})
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), n)
	assert.GreaterOrEqual(t, time.Since(start), 1900*time.Millisecond)
}

func TestCopyChunksPausesOnGate(t *testing.T) {
	g := NewGate()
	g.Pause()

	var dst bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = CopyChunks(context.Background(), &dst, strings.NewReader("abc"),
			make([]byte, 8), CopyConfig{Gate: g})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("paused copy completed")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resumed copy never finished")
	}
	assert.Equal(t, "abc", dst.String())
}

func TestCopyChunksShortWrite(t *testing.T) {
	src := strings.NewReader("0123456789")
	w := &shortWriter{}
	_, err := CopyChunks(context.Background(), w, src, make([]byte, 4), CopyConfig{})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

type shortWriter struct{}

func (*shortWriter) Write(p []byte) (int, error) {
	if len(p) > 1 {
		return len(p) - 1, nil
	}
	return len(p), nil
}

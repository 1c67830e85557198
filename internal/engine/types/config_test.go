package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionsClamping(t *testing.T) {
	o := Options{MaxConcurrentSegments: 99, RetryAttempts: 50, M3U8SegmentThreads: 20}
	assert.Equal(t, 16, o.Segments())
	assert.Equal(t, 10, o.Retries())
	assert.Equal(t, 8, o.PlaylistWorkers())

	o = Options{MaxConcurrentSegments: -1, RetryAttempts: -3, M3U8SegmentThreads: 0}
	assert.Equal(t, 1, o.Segments())
	assert.Equal(t, 0, o.Retries())
	assert.Equal(t, 1, o.PlaylistWorkers())
}

func TestOptionsBackoffDoubles(t *testing.T) {
	o := Options{RetryDelay: time.Second}
	assert.Equal(t, time.Second, o.Backoff(0))
	assert.Equal(t, 2*time.Second, o.Backoff(1))
	assert.Equal(t, 4*time.Second, o.Backoff(2))
}

func TestOptionsAgentDefault(t *testing.T) {
	o := Options{}
	assert.Contains(t, o.Agent(), "Mozilla/5.0")
	o.UserAgent = "custom/1.0"
	assert.Equal(t, "custom/1.0", o.Agent())
}

func TestOptionsSpeedLimitBytes(t *testing.T) {
	o := Options{SpeedLimitKBps: 1024}
	assert.InDelta(t, float64(1024*1024), o.SpeedLimitBytes(), 0.1)
	unlimited := Options{}
	assert.Zero(t, unlimited.SpeedLimitBytes())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusPending, StatusDownloading, StatusPaused} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "urgent", PriorityUrgent.String())
	assert.Equal(t, "normal", PriorityNormal.String())
}

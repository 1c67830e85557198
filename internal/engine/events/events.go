// Package events defines the messages fanned out to manager observers and
// the bus that delivers them in registration order.
package events

import (
	"time"
)

// Msg is any event published by the manager.
type Msg interface{}

// TaskAddedMsg fires when a task is accepted and enqueued.
type TaskAddedMsg struct {
	TaskID string
	URL    string
	Title  string
}

// TaskStartedMsg fires when a driver dequeues the task and begins the
// download.
type TaskStartedMsg struct {
	TaskID   string
	Filename string
	Total    int64
}

// TaskCompletedMsg signals a successful finish.
type TaskCompletedMsg struct {
	TaskID   string
	Filename string
	Elapsed  time.Duration
	Total    int64
}

// TaskFailedMsg signals a terminal failure after retries.
type TaskFailedMsg struct {
	TaskID   string
	Filename string
	Err      error
}

// TaskCancelledMsg signals a cooperative cancellation.
type TaskCancelledMsg struct {
	TaskID string
}

// TaskPausedMsg and TaskResumedMsg report pause-state flips of active tasks.
type TaskPausedMsg struct {
	TaskID     string
	Downloaded int64
}

type TaskResumedMsg struct {
	TaskID string
}

// ProgressUpdatedMsg carries the aggregate snapshot on every tracker tick.
type ProgressUpdatedMsg struct {
	TotalTasks      int
	ActiveTasks     int
	CompletedTasks  int
	FailedTasks     int
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64 // bytes/s across all active tasks
	ETA             time.Duration
}

// QueueChangedMsg carries queue counters after any queue state change.
type QueueChangedMsg struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
	QueuedIDs []string
	ActiveIDs []string
}

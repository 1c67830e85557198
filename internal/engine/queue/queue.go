// Package queue holds submitted tasks until a driver slot frees up. Ordering
// is priority first, then creation time; retry accounting and the
// completed/failed logs live here too.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/riptide-dl/riptide/internal/engine"
	"github.com/riptide-dl/riptide/internal/engine/types"
)

// Snapshot is the queue state handed to the observer on every change.
type Snapshot struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
	QueuedIDs []string
	ActiveIDs []string
}

type item struct {
	task  *types.Task
	seq   int64 // submission order tiebreak
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if !h[i].task.CreatedAt.Equal(h[j].task.CreatedAt) {
		return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the task holding area. One mutex guards every list; critical
// sections stay short and free of I/O.
type Queue struct {
	mu            sync.Mutex
	heap          itemHeap
	queued        map[string]*item
	active        map[string]*types.Task
	gates         map[string]*engine.Gate
	completed     []*types.Task
	failed        []*types.Task
	maxConcurrent int
	seq           int64
	observer      func(Snapshot)
}

// New creates a queue allowing maxConcurrent simultaneously active tasks.
func New(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		queued:        make(map[string]*item),
		active:        make(map[string]*types.Task),
		gates:         make(map[string]*engine.Gate),
		maxConcurrent: maxConcurrent,
	}
}

// SetObserver installs the state-change callback. It fires outside the lock
// with a snapshot.
func (q *Queue) SetObserver(fn func(Snapshot)) {
	q.mu.Lock()
	q.observer = fn
	q.mu.Unlock()
}

// Add enqueues a pending task.
func (q *Queue) Add(task *types.Task) {
	q.mu.Lock()
	task.Status = types.StatusPending
	q.seq++
	it := &item{task: task, seq: q.seq}
	q.queued[task.ID] = it
	heap.Push(&q.heap, it)
	q.notifyLocked()
}

// Next hands out the highest-priority queued task if a slot is free, nil
// otherwise. The task enters the active set with status downloading.
func (q *Queue) Next() *types.Task {
	q.mu.Lock()
	if len(q.active) >= q.maxConcurrent || q.heap.Len() == 0 {
		q.mu.Unlock()
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.queued, it.task.ID)

	task := it.task
	task.Status = types.StatusDownloading
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now()
	}
	q.active[task.ID] = task
	q.gates[task.ID] = engine.NewGate()
	q.notifyLocked()
	return task
}

// Gate returns the pause gate of an active task.
func (q *Queue) Gate(taskID string) *engine.Gate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gates[taskID]
}

// Complete removes the task from the active set. Failures below the retry
// budget re-enter the queue as pending with an incremented counter; exhausted
// ones land in the failed log.
func (q *Queue) Complete(taskID string, success bool) {
	q.mu.Lock()
	task, ok := q.active[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.active, taskID)
	delete(q.gates, taskID)

	switch {
	case success:
		task.Status = types.StatusCompleted
		task.CompletedAt = time.Now()
		task.Progress = 100
		q.completed = append(q.completed, task)
	case task.RetryCount < task.Options.Retries():
		task.RetryCount++
		task.Status = types.StatusPending
		q.seq++
		it := &item{task: task, seq: q.seq}
		q.queued[taskID] = it
		heap.Push(&q.heap, it)
	default:
		task.Status = types.StatusFailed
		task.CompletedAt = time.Now()
		q.failed = append(q.failed, task)
	}
	q.notifyLocked()
}

// MarkUnretryable burns the task's remaining retry budget so the next
// failing Complete lands it in the failed log. Used for permanent errors.
func (q *Queue) MarkUnretryable(taskID string) {
	q.mu.Lock()
	if task, ok := q.active[taskID]; ok {
		task.RetryCount = task.Options.Retries()
	}
	q.mu.Unlock()
}

// Task returns a copy of the task wherever it currently lives.
func (q *Queue) Task(taskID string) (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.queued[taskID]; ok {
		return *it.task, true
	}
	if t, ok := q.active[taskID]; ok {
		return *t, true
	}
	for _, t := range q.completed {
		if t.ID == taskID {
			return *t, true
		}
	}
	for _, t := range q.failed {
		if t.ID == taskID {
			return *t, true
		}
	}
	return types.Task{}, false
}

// Cancel removes the task wherever it lives. Terminal tasks are left alone.
// Returns whether a task changed state.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	if it, ok := q.queued[taskID]; ok {
		heap.Remove(&q.heap, it.index)
		delete(q.queued, taskID)
		it.task.Status = types.StatusCancelled
		it.task.CompletedAt = time.Now()
		q.notifyLocked()
		return true
	}
	if task, ok := q.active[taskID]; ok {
		delete(q.active, taskID)
		if gate := q.gates[taskID]; gate != nil {
			gate.Resume() // unblock a paused downloader so it can observe ctx
		}
		delete(q.gates, taskID)
		task.Status = types.StatusCancelled
		task.CompletedAt = time.Now()
		q.notifyLocked()
		return true
	}
	q.mu.Unlock()
	return false
}

// Pause suspends an active task via its gate. Only active tasks can pause.
func (q *Queue) Pause(taskID string) bool {
	q.mu.Lock()
	task, ok := q.active[taskID]
	gate := q.gates[taskID]
	if !ok || gate == nil {
		q.mu.Unlock()
		return false
	}
	task.Status = types.StatusPaused
	gate.Pause()
	q.notifyLocked()
	return true
}

// Resume reopens a paused task's gate.
func (q *Queue) Resume(taskID string) bool {
	q.mu.Lock()
	task, ok := q.active[taskID]
	gate := q.gates[taskID]
	if !ok || gate == nil || task.Status != types.StatusPaused {
		q.mu.Unlock()
		return false
	}
	task.Status = types.StatusDownloading
	gate.Resume()
	q.notifyLocked()
	return true
}

// RetryFailed moves every task in the failed log back to the queue with a
// fresh retry budget. Returns how many tasks moved.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	moved := len(q.failed)
	for _, task := range q.failed {
		task.RetryCount = 0
		task.Status = types.StatusPending
		task.Error = ""
		q.seq++
		it := &item{task: task, seq: q.seq}
		q.queued[task.ID] = it
		heap.Push(&q.heap, it)
	}
	q.failed = nil
	q.notifyLocked()
	return moved
}

// ClearCompleted drops the completed log and returns the removed IDs.
func (q *Queue) ClearCompleted() []string {
	q.mu.Lock()
	ids := make([]string, len(q.completed))
	for i, t := range q.completed {
		ids[i] = t.ID
	}
	q.completed = nil
	q.notifyLocked()
	return ids
}

// ClearFailed drops the failed log and returns the removed IDs.
func (q *Queue) ClearFailed() []string {
	q.mu.Lock()
	ids := make([]string, len(q.failed))
	for i, t := range q.failed {
		ids[i] = t.ID
	}
	q.failed = nil
	q.notifyLocked()
	return ids
}

// SetMaxConcurrent adjusts the active-set capacity; values below 1 clamp.
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
}

// Snapshot returns current counters and ID lists.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	s := Snapshot{
		Queued:    len(q.queued),
		Active:    len(q.active),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
	for id := range q.queued {
		s.QueuedIDs = append(s.QueuedIDs, id)
	}
	for id := range q.active {
		s.ActiveIDs = append(s.ActiveIDs, id)
	}
	return s
}

// notifyLocked snapshots under the lock, releases it, then fires the
// observer. Callers must hold the lock and must not touch it afterwards.
func (q *Queue) notifyLocked() {
	fn := q.observer
	var snap Snapshot
	if fn != nil {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

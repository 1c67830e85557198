// Package progress keeps per-task and aggregate download progress with
// windowed speed derivation and observer fan-out.
package progress

import (
	"sync"
	"time"

	"github.com/riptide-dl/riptide/internal/engine/types"
)

const (
	// ringSize bounds the per-task sample history.
	ringSize = 10
	// speedWindow is how many recent samples feed the current-speed estimate.
	speedWindow = 5
	// DefaultTick is the aggregate recompute interval.
	DefaultTick = 1 * time.Second
)

type sample struct {
	at    time.Time
	bytes int64
}

// TaskProgress is a point-in-time copy of one task's progress state.
type TaskProgress struct {
	TaskID     string
	Status     types.Status
	Downloaded int64
	Total      int64 // 0 = unknown
	Percentage float64
	Speed      float64 // bytes/s over the recent window
	Average    float64 // bytes/s since start
	Peak       float64
	ETA        time.Duration
	StartedAt  time.Time
}

// Aggregate sums progress across all tracked tasks.
type Aggregate struct {
	TotalTasks      int
	ActiveTasks     int
	CompletedTasks  int
	FailedTasks     int
	DownloadedBytes int64
	TotalBytes      int64 // only known sizes contribute
	Speed           float64
	ETA             time.Duration
}

type taskState struct {
	id       string
	status   types.Status
	started  time.Time
	total    int64
	bytes    int64
	peak     float64
	current  float64
	fraction float64 // explicit completion fraction, for unit-based tasks
	ring     [ringSize]sample
	ringLen  int
	ringHead int
}

// Tracker maintains the task table. All mutation is guarded by one mutex;
// observer callbacks are invoked after snapshotting, outside the lock.
type Tracker struct {
	mu        sync.Mutex
	tasks     map[string]*taskState
	subs      []subscriber
	nextSub   int
	now       func() time.Time

	tickStop chan struct{}
	tickDone chan struct{}
}

type subscriber struct {
	id int
	fn func(Aggregate)
}

// NewTracker returns an empty tracker. Start launches the aggregate tick.
func NewTracker() *Tracker {
	return &Tracker{
		tasks: make(map[string]*taskState),
		now:   time.Now,
	}
}

// Add registers a task. Re-adding an existing ID resets its state.
func (t *Tracker) Add(taskID string, total int64) {
	t.mu.Lock()
	t.tasks[taskID] = &taskState{
		id:     taskID,
		status: types.StatusPending,
		total:  total,
	}
	t.mu.Unlock()
}

// Remove drops a task. Later updates for the ID are silently ignored.
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	delete(t.tasks, taskID)
	t.mu.Unlock()
}

// Update records a cumulative byte count for the task. Updates for unknown
// tasks are ignored so races with Remove stay harmless.
func (t *Tracker) Update(taskID string, downloaded, total int64) {
	now := t.now()

	t.mu.Lock()
	st, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st.started.IsZero() {
		st.started = now
	}
	if total > 0 {
		st.total = total
	}
	if downloaded > st.bytes {
		st.bytes = downloaded
	}
	st.push(sample{at: now, bytes: st.bytes})
	st.current = st.windowSpeed()
	if st.current > st.peak {
		st.peak = st.current
	}
	t.mu.Unlock()
}

// SetFraction records an explicit completion fraction in [0,1] for tasks
// whose size is counted in units other than bytes (HLS segments). It wins
// over the byte-derived percentage in snapshots.
func (t *Tracker) SetFraction(taskID string, done, total int) {
	if total <= 0 {
		return
	}
	t.mu.Lock()
	if st, ok := t.tasks[taskID]; ok {
		st.fraction = float64(done) / float64(total)
		if st.fraction > 1 {
			st.fraction = 1
		}
	}
	t.mu.Unlock()
}

// SetStatus updates the task's lifecycle state. Unknown tasks are ignored.
func (t *Tracker) SetStatus(taskID string, status types.Status) {
	t.mu.Lock()
	if st, ok := t.tasks[taskID]; ok {
		st.status = status
		if status != types.StatusDownloading {
			st.current = 0
		}
	}
	t.mu.Unlock()
}

// Snapshot returns the task's progress copy, with ok=false for unknown IDs.
func (t *Tracker) Snapshot(taskID string) (TaskProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tasks[taskID]
	if !ok {
		return TaskProgress{}, false
	}
	return t.snapshotLocked(st), true
}

func (t *Tracker) snapshotLocked(st *taskState) TaskProgress {
	p := TaskProgress{
		TaskID:     st.id,
		Status:     st.status,
		Downloaded: st.bytes,
		Total:      st.total,
		Speed:      st.current,
		Peak:       st.peak,
		StartedAt:  st.started,
	}
	switch {
	case st.fraction > 0:
		p.Percentage = st.fraction * 100
	case st.total > 0:
		p.Percentage = float64(st.bytes) / float64(st.total) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		}
	}
	if !st.started.IsZero() {
		if elapsed := t.now().Sub(st.started).Seconds(); elapsed > 0 {
			p.Average = float64(st.bytes) / elapsed
		}
	}
	if st.current > 0 && st.total > st.bytes {
		p.ETA = time.Duration(float64(st.total-st.bytes) / st.current * float64(time.Second))
	}
	return p
}

// Aggregate recomputes the cross-task totals.
func (t *Tracker) Aggregate() Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregateLocked()
}

func (t *Tracker) aggregateLocked() Aggregate {
	var agg Aggregate
	for _, st := range t.tasks {
		agg.TotalTasks++
		switch st.status {
		case types.StatusDownloading, types.StatusPaused:
			agg.ActiveTasks++
		case types.StatusCompleted:
			agg.CompletedTasks++
		case types.StatusFailed:
			agg.FailedTasks++
		}
		agg.DownloadedBytes += st.bytes
		if st.total > 0 {
			agg.TotalBytes += st.total
		}
		if st.current > 0 {
			agg.Speed += st.current
		}
	}
	if agg.Speed > 0 && agg.TotalBytes > agg.DownloadedBytes {
		remaining := float64(agg.TotalBytes - agg.DownloadedBytes)
		agg.ETA = time.Duration(remaining / agg.Speed * float64(time.Second))
	}
	return agg
}

// Subscribe registers an aggregate observer; it fires on every tick.
func (t *Tracker) Subscribe(fn func(Aggregate)) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	t.subs = append(t.subs, subscriber{id: t.nextSub, fn: fn})
	return t.nextSub
}

// Unsubscribe removes an observer by token.
func (t *Tracker) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// Start launches the periodic aggregate fan-out. interval <= 0 uses the
// default one-second tick.
func (t *Tracker) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTick
	}
	t.mu.Lock()
	if t.tickStop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.tickStop = stop
	t.tickDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.publish()
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stop, done := t.tickStop, t.tickDone
	t.tickStop, t.tickDone = nil, nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (t *Tracker) publish() {
	t.mu.Lock()
	agg := t.aggregateLocked()
	subs := make([]subscriber, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(agg)
	}
}

func (st *taskState) push(s sample) {
	st.ring[st.ringHead] = s
	st.ringHead = (st.ringHead + 1) % ringSize
	if st.ringLen < ringSize {
		st.ringLen++
	}
}

// windowSpeed derives bytes/s over the most recent samples, at most
// speedWindow of them.
func (st *taskState) windowSpeed() float64 {
	if st.ringLen < 2 {
		return 0
	}
	n := st.ringLen
	if n > speedWindow {
		n = speedWindow
	}
	newest := st.ring[(st.ringHead-1+ringSize)%ringSize]
	oldest := st.ring[(st.ringHead-n+ringSize)%ringSize]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(newest.bytes-oldest.bytes) / dt
}

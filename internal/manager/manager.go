// Package manager coordinates the download engine: it accepts URLs, queues
// tasks, drives them through the worker pool and downloaders, and fans
// lifecycle and progress events out to observers.
package manager

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/engine"
	"github.com/riptide-dl/riptide/internal/engine/events"
	"github.com/riptide-dl/riptide/internal/engine/m3u8"
	"github.com/riptide-dl/riptide/internal/engine/pool"
	"github.com/riptide-dl/riptide/internal/engine/progress"
	"github.com/riptide-dl/riptide/internal/engine/queue"
	"github.com/riptide-dl/riptide/internal/engine/ratelimit"
	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/extractor"
)

// Manager is the top-level coordinator. One instance owns the queue, the
// worker pool, the tracker and the event bus; subcomponents never reach back
// into it.
type Manager struct {
	settings  config.Settings
	queue     *queue.Queue
	pool      *pool.Pool
	tracker   *progress.Tracker
	bus       *events.Bus
	registry  *extractor.Registry
	playlists *m3u8.Client
	limiter   ratelimit.Limiter // global limiter; nil when unlimited
	logger    *log.Logger

	mu      sync.Mutex
	tasks   map[string]*types.Task
	cancels map[string]context.CancelFunc
	drivers int
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithLimiter installs a shared rate limiter for all tasks.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// New builds a Manager from settings. Call Start before submitting work.
func New(settings config.Settings, opts ...Option) *Manager {
	maxDl := settings.MaxConcurrentDownloads
	if maxDl < 1 {
		maxDl = 1
	}

	m := &Manager{
		settings: settings,
		queue:    queue.New(maxDl),
		pool:     pool.New(maxDl, maxDl*4),
		tracker:  progress.NewTracker(),
		bus:      events.NewBus(),
		registry: extractor.NewRegistry(),
		logger:   log.Default(),
		tasks:    make(map[string]*types.Task),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.playlists = m3u8.NewClient(m3u8.ClientConfig{UserAgent: settings.UserAgent})
	if m.limiter == nil && settings.SpeedLimitKBps > 0 {
		m.limiter = ratelimit.NewBucket(float64(settings.SpeedLimitKBps * types.KB))
	}

	m.queue.SetObserver(func(s queue.Snapshot) {
		m.bus.Publish(events.QueueChangedMsg{
			Queued:    s.Queued,
			Active:    s.Active,
			Completed: s.Completed,
			Failed:    s.Failed,
			QueuedIDs: s.QueuedIDs,
			ActiveIDs: s.ActiveIDs,
		})
	})
	m.tracker.Subscribe(func(agg progress.Aggregate) {
		m.bus.Publish(events.ProgressUpdatedMsg{
			TotalTasks:      agg.TotalTasks,
			ActiveTasks:     agg.ActiveTasks,
			CompletedTasks:  agg.CompletedTasks,
			FailedTasks:     agg.FailedTasks,
			DownloadedBytes: agg.DownloadedBytes,
			TotalBytes:      agg.TotalBytes,
			Speed:           agg.Speed,
			ETA:             agg.ETA,
		})
	})

	return m
}

// Extractors exposes the registry so the embedding application can plug in
// site-specific resolvers.
func (m *Manager) Extractors() *extractor.Registry {
	return m.registry
}

// Subscribe registers an observer for lifecycle and progress events.
func (m *Manager) Subscribe(fn func(events.Msg)) int {
	return m.bus.Subscribe(fn)
}

// Unsubscribe removes an observer.
func (m *Manager) Unsubscribe(id int) {
	m.bus.Unsubscribe(id)
}

// Start spawns the driver loops, the tracker tick and the pool's adaptive
// sizing loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.pool.Start(m.ctx)
	m.pool.StartAdaptive()
	m.tracker.Start(progress.DefaultTick)

	n := m.settings.MaxConcurrentDownloads
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.spawnDriverLocked()
	}
	m.logger.Info("download manager started", "drivers", n)
	return nil
}

func (m *Manager) spawnDriverLocked() {
	m.drivers++
	m.wg.Add(1)
	go m.driver()
}

// Stop cancels all work and shuts the subsystems down. It waits up to
// timeout (0 = wait forever) for in-flight downloads to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	err := m.pool.Shutdown(true, timeout)
	m.wg.Wait()
	m.tracker.Stop()
	m.logger.Info("download manager stopped")
	return err
}

// AddDownload validates the URL, resolves best-effort metadata, creates the
// task and enqueues it. Returns the task ID.
func (m *Manager) AddDownload(ctx context.Context, rawurl string, opts *types.Options, priority types.Priority) (string, error) {
	parsed, err := url.Parse(rawurl)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: unsupported URL %q", engine.ErrInvalidInput, rawurl)
	}

	o := m.defaultOptions()
	if opts != nil {
		o = *opts
		if o.OutputPath == "" {
			o.OutputPath = m.settings.DownloadPath
		}
	}

	task := &types.Task{
		ID:        uuid.NewString(),
		URL:       rawurl,
		Status:    types.StatusPending,
		Priority:  priority,
		OutputDir: o.OutputPath,
		CreatedAt: time.Now(),
		Options:   o,
	}

	// Early extraction is best-effort: a failing extractor never blocks the
	// submission.
	if ex := m.registry.FindFor(rawurl); ex != nil {
		if md, err := ex.Metadata(ctx, rawurl); err == nil {
			task.Metadata = md
			if md.FileSize > 0 {
				task.TotalBytes = md.FileSize
			}
		} else {
			m.logger.Debug("metadata extraction failed", "url", rawurl, "err", err)
		}
	}
	if task.Metadata == nil {
		task.Metadata = &types.Metadata{Title: displayName(rawurl)}
	}
	task.Filename = generateFilename(task)

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.queue.Add(task)
	m.tracker.Add(task.ID, task.TotalBytes)
	m.bus.Publish(events.TaskAddedMsg{TaskID: task.ID, URL: rawurl, Title: task.Title()})
	m.logger.Info("download queued", "id", task.ID, "url", rawurl, "priority", priority)
	return task.ID, nil
}

func (m *Manager) defaultOptions() types.Options {
	o := types.DefaultOptions(m.settings.DownloadPath)
	o.EnableResume = m.settings.EnableResume
	if m.settings.MaxConcurrentSegments > 0 {
		o.MaxConcurrentSegments = m.settings.MaxConcurrentSegments
	}
	o.QualityPreference = m.settings.DefaultQuality
	o.FormatPreference = m.settings.DefaultFormat
	o.ProxyURL = m.settings.ProxyURL
	o.ProxyType = m.settings.ProxyType
	o.ProxyUsername = m.settings.ProxyUsername
	o.ProxyPassword = m.settings.ProxyPassword
	if m.settings.UserAgent != "" {
		o.UserAgent = m.settings.UserAgent
	}
	return o
}

// Cancel requests cooperative cancellation of a task in any non-terminal
// state.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	cancel := m.cancels[taskID]
	_, known := m.tasks[taskID]
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: unknown task %s", engine.ErrInvalidInput, taskID)
	}

	removed := m.queue.Cancel(taskID)
	if cancel != nil {
		cancel()
	}
	if removed {
		m.tracker.SetStatus(taskID, types.StatusCancelled)
		m.bus.Publish(events.TaskCancelledMsg{TaskID: taskID})
	}
	return nil
}

// Pause suspends an active task between chunks.
func (m *Manager) Pause(taskID string) error {
	if !m.queue.Pause(taskID) {
		return fmt.Errorf("%w: task %s is not active", engine.ErrInvalidInput, taskID)
	}
	m.tracker.SetStatus(taskID, types.StatusPaused)
	if p, ok := m.tracker.Snapshot(taskID); ok {
		m.bus.Publish(events.TaskPausedMsg{TaskID: taskID, Downloaded: p.Downloaded})
	}
	return nil
}

// Resume reopens a paused task.
func (m *Manager) Resume(taskID string) error {
	if !m.queue.Resume(taskID) {
		return fmt.Errorf("%w: task %s is not paused", engine.ErrInvalidInput, taskID)
	}
	m.tracker.SetStatus(taskID, types.StatusDownloading)
	m.bus.Publish(events.TaskResumedMsg{TaskID: taskID})
	return nil
}

// GetTask returns a copy of the task.
func (m *Manager) GetTask(taskID string) (types.Task, bool) {
	if t, ok := m.queue.Task(taskID); ok {
		return t, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		return *t, true
	}
	return types.Task{}, false
}

// ListTasks returns copies of every known task, newest first.
func (m *Manager) ListTasks() []types.Task {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.GetTask(id); ok {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Progress returns the per-task progress snapshot.
func (m *Manager) Progress(taskID string) (progress.TaskProgress, bool) {
	return m.tracker.Snapshot(taskID)
}

// Aggregate returns totals across all tracked tasks.
func (m *Manager) Aggregate() progress.Aggregate {
	return m.tracker.Aggregate()
}

// QueueSnapshot returns the queue counters.
func (m *Manager) QueueSnapshot() queue.Snapshot {
	return m.queue.Snapshot()
}

// ClearCompleted forgets finished tasks.
func (m *Manager) ClearCompleted() {
	m.forget(m.queue.ClearCompleted())
}

// ClearFailed forgets failed tasks.
func (m *Manager) ClearFailed() {
	m.forget(m.queue.ClearFailed())
}

func (m *Manager) forget(ids []string) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.tracker.Remove(id)
	}
}

// RetryFailed moves all failed tasks back to the queue with a fresh retry
// budget and returns how many moved.
func (m *Manager) RetryFailed() int {
	moved := m.queue.RetryFailed()
	if moved > 0 {
		m.logger.Info("failed tasks requeued", "count", moved)
	}
	return moved
}

// SetMaxConcurrentDownloads adjusts the activation cap and spawns additional
// drivers when raised.
func (m *Manager) SetMaxConcurrentDownloads(n int) {
	if n < 1 {
		n = 1
	}
	m.queue.SetMaxConcurrent(n)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.MaxConcurrentDownloads = n
	if !m.started {
		return
	}
	for m.drivers < n {
		m.spawnDriverLocked()
	}
}

// driver is one worker slot: pull, run, report, repeat.
func (m *Manager) driver() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		task := m.queue.Next()
		if task == nil {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(types.DriverIdleSleep):
			}
			continue
		}
		m.runTask(task)
	}
}

func (m *Manager) runTask(task *types.Task) {
	taskCtx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, task.ID)
		m.mu.Unlock()
	}()

	m.tracker.SetStatus(task.ID, types.StatusDownloading)
	m.bus.Publish(events.TaskStartedMsg{TaskID: task.ID, Filename: task.Filename, Total: task.TotalBytes})

	run, err := m.buildRun(taskCtx, task)
	if err == nil {
		if submitErr := m.pool.Submit(task.ID, func(context.Context) error {
			// The task context, not the pool context, governs cancellation so
			// Manager.Cancel reaches the chunk loop directly.
			return run(taskCtx)
		}); submitErr != nil {
			err = submitErr
		} else {
			err = m.pool.WaitFor(task.ID)
		}
	}

	m.finishTask(task, err)
}

func (m *Manager) finishTask(task *types.Task, err error) {
	id := task.ID

	if err != nil && (engine.IsCancelled(err) || m.ctx.Err() != nil) {
		// Cancelled via Manager.Cancel (queue entry already removed, event
		// already fired) or engine shutdown. Scratch files stay for a later
		// resume.
		removed := m.queue.Cancel(id)
		m.tracker.SetStatus(id, types.StatusCancelled)
		if removed {
			m.bus.Publish(events.TaskCancelledMsg{TaskID: id})
		}
		return
	}

	if err == nil {
		m.queue.Complete(id, true)
		m.tracker.SetStatus(id, types.StatusCompleted)
		var elapsed time.Duration
		if t, ok := m.queue.Task(id); ok && !t.StartedAt.IsZero() {
			elapsed = time.Since(t.StartedAt)
		}
		p, _ := m.tracker.Snapshot(id)
		m.bus.Publish(events.TaskCompletedMsg{
			TaskID:   id,
			Filename: task.Filename,
			Elapsed:  elapsed,
			Total:    p.Downloaded,
		})
		m.logger.Info("download completed", "id", id, "file", task.Filename)
		return
	}

	if !engine.IsRetryable(err) {
		m.queue.MarkUnretryable(id)
	}
	m.queue.Complete(id, false)

	if t, ok := m.queue.Task(id); ok && t.Status == types.StatusPending {
		// Retryable failure: back to the queue with an incremented counter.
		m.tracker.SetStatus(id, types.StatusPending)
		m.logger.Warn("download failed, will retry",
			"id", id, "attempt", t.RetryCount, "err", err)
		return
	}

	m.tracker.SetStatus(id, types.StatusFailed)
	m.setTaskError(id, err)
	m.bus.Publish(events.TaskFailedMsg{TaskID: id, Filename: task.Filename, Err: err})
	m.logger.Error("download failed", "id", id, "err", err)
}

func (m *Manager) setTaskError(id string, err error) {
	m.mu.Lock()
	if t, ok := m.tasks[id]; ok {
		t.Error = err.Error()
	}
	m.mu.Unlock()
}

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/observability"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultSubscriberBuffer  = 64
	defaultHistoryLimit      = 1000
)

// Config sizes the registry.
type Config struct {
	// HeartbeatInterval is how long a job may stay quiet before a
	// log-less snapshot is broadcast to subscribers.
	HeartbeatInterval time.Duration
	// SubscriberBuffer is the per-subscriber channel capacity. A
	// subscriber that falls this far behind is disconnected.
	SubscriberBuffer int
	// HistoryLimit caps retained log and action entries per job;
	// older entries are trimmed.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// jobState is the mutable record behind one job. Its mutex guards all
// fields and stays held across broadcasts, so a send on a subscriber
// channel can never race a close of that channel.
type jobState struct {
	mu           sync.Mutex
	job          Job
	cursor       int64
	subscribers  map[chan Event]struct{}
	lastActivity time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// Registry owns every background job in the process. The registry
// lock covers only create/delete/lookup; per-job mutation takes the
// job's own lock.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*jobState

	cfg     Config
	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// NewRegistry builds an empty registry. metrics may be nil.
func NewRegistry(cfg Config, logger logging.Logger, metrics *observability.MetricsCollector) *Registry {
	return &Registry{
		jobs:    make(map[string]*jobState),
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
}

// Create registers a queued job and starts its heartbeat watcher.
func (r *Registry) Create(kind string, params, metadata map[string]any) *Job {
	now := time.Now().UTC()
	js := &jobState{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    StatusQueued,
			Params:    params,
			Metadata:  metadata,
			CreatedAt: now,
		},
		subscribers:  make(map[chan Event]struct{}),
		lastActivity: now,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[js.job.ID] = js
	r.mu.Unlock()

	go r.heartbeatLoop(js)

	r.logger.Info("job %s created kind=%s", js.job.ID, kind)
	snap := snapshot(&js.job, false)
	return &snap
}

// Start moves a queued job to running.
func (r *Registry) Start(id string) error {
	js, err := r.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	if js.job.Status != StatusQueued {
		status := js.job.Status
		js.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInvalidTransition, "Job %s is %s, not queued.", id, status)
	}
	now := time.Now().UTC()
	js.job.Status = StatusRunning
	js.job.StartedAt = &now
	js.lastActivity = now
	js.job.Stats.Events++
	dropped := r.broadcast(js, Event{Type: EventStatus, JobID: id, Status: StatusRunning, At: now})
	js.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobStarted(context.Background())
	}
	r.reportDropped(id, dropped)
	return nil
}

// AppendLog records a progress line and broadcasts it.
func (r *Registry) AppendLog(id, level, message string, data map[string]any) error {
	js, err := r.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	if js.job.Status.Terminal() {
		js.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInvalidTransition, "Job %s already finished.", id)
	}
	now := time.Now().UTC()
	js.job.Logs = append(js.job.Logs, LogEntry{Level: level, Message: message, Data: data, At: now})
	if over := len(js.job.Logs) - r.cfg.HistoryLimit; over > 0 {
		js.job.Logs = js.job.Logs[over:]
	}
	js.job.Stats.Logs++
	js.job.Stats.Events++
	js.lastActivity = now
	dropped := r.broadcast(js, Event{Type: EventLog, JobID: id, Level: level, Message: message, Data: data, At: now})
	js.mu.Unlock()

	r.recordEvent(EventLog)
	r.reportDropped(id, dropped)
	return nil
}

// AppendAction records a structural step under the next cursor and
// broadcasts it. The assigned cursor is returned.
func (r *Registry) AppendAction(id, action string, data map[string]any) (int64, error) {
	js, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	js.mu.Lock()
	if js.job.Status.Terminal() {
		js.mu.Unlock()
		return 0, apperrors.Newf(apperrors.CodeInvalidTransition, "Job %s already finished.", id)
	}
	now := time.Now().UTC()
	js.cursor++
	entry := ActionLog{Cursor: js.cursor, Action: action, Data: data, At: now}
	js.job.ActionLogs = append(js.job.ActionLogs, entry)
	if over := len(js.job.ActionLogs) - r.cfg.HistoryLimit; over > 0 {
		js.job.ActionLogs = js.job.ActionLogs[over:]
	}
	js.job.Stats.Actions++
	js.job.Stats.Events++
	js.lastActivity = now
	dropped := r.broadcast(js, Event{
		Type: EventAction, JobID: id, Action: action, Data: data, Cursor: entry.Cursor, At: now,
	})
	js.mu.Unlock()

	r.recordEvent(EventAction)
	r.reportDropped(id, dropped)
	return entry.Cursor, nil
}

// Complete finishes the job successfully, broadcasts the result, and
// closes every subscriber after its buffer drains.
func (r *Registry) Complete(id string, result any) error {
	return r.finish(id, StatusSucceeded, result, "")
}

// Fail finishes the job with an error.
func (r *Registry) Fail(id string, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(id, StatusFailed, nil, msg)
}

// Cancel asks the job body to stop and marks the job failed with
// cause cancelled. Cancelling a terminal job is a no-op.
func (r *Registry) Cancel(id string) error {
	js, err := r.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	cancel := js.cancel
	terminal := js.job.Status.Terminal()
	js.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if terminal {
		return nil
	}
	return r.finish(id, StatusFailed, nil, "cancelled")
}

func (r *Registry) finish(id string, status Status, result any, errMsg string) error {
	js, err := r.lookup(id)
	if err != nil {
		return err
	}

	js.mu.Lock()
	if js.job.Status.Terminal() {
		js.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInvalidTransition, "Job %s already finished.", id)
	}
	now := time.Now().UTC()
	js.job.Status = status
	js.job.Result = result
	js.job.Error = errMsg
	js.job.FinishedAt = &now
	js.job.Stats.Events++
	js.lastActivity = now

	subscribers := len(js.subscribers)
	js.job.Stats.Subscribers = 0
	snap := snapshot(&js.job, false)
	final := Event{Type: EventResult, JobID: id, Status: status, Message: errMsg, Job: &snap, At: now}
	for ch := range js.subscribers {
		sendOrReplaceOldest(ch, final)
		close(ch)
	}
	// No new subscribers join a terminal job's set; late ones get the
	// final snapshot directly in Subscribe.
	js.subscribers = make(map[chan Event]struct{})
	close(js.done)
	js.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobFinished(context.Background())
	}
	r.recordEvent(EventResult)
	r.logger.Info("job %s finished status=%s subscribers=%d", id, status, subscribers)
	return nil
}

// Get returns a point-in-time snapshot.
func (r *Registry) Get(id string, includeLogs bool) (*Job, error) {
	js, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	snap := snapshot(&js.job, includeLogs)
	return &snap, nil
}

// List snapshots every known job, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	states := make([]*jobState, 0, len(r.jobs))
	for _, js := range r.jobs {
		states = append(states, js)
	}
	r.mu.RUnlock()

	out := make([]Job, 0, len(states))
	for _, js := range states {
		js.mu.Lock()
		out = append(out, snapshot(&js.job, false))
		js.mu.Unlock()
	}
	sortJobsNewestFirst(out)
	return out
}

// Subscribe attaches a new event channel to the job. Subscribing to a
// finished job yields the final snapshot and an already-closed
// channel.
func (r *Registry) Subscribe(id string) (chan Event, error) {
	js, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, r.cfg.SubscriberBuffer)
	js.mu.Lock()
	if js.job.Status.Terminal() {
		snap := snapshot(&js.job, false)
		js.mu.Unlock()
		ch <- Event{Type: EventResult, JobID: id, Status: snap.Status, Message: snap.Error, Job: &snap, At: time.Now().UTC()}
		close(ch)
		return ch, nil
	}
	js.subscribers[ch] = struct{}{}
	js.job.Stats.Subscribers = len(js.subscribers)
	js.mu.Unlock()

	r.logger.Debug("subscriber joined job %s", id)
	return ch, nil
}

// Unsubscribe detaches and closes the channel. Unknown channels are
// ignored.
func (r *Registry) Unsubscribe(id string, ch chan Event) {
	js, err := r.lookup(id)
	if err != nil {
		return
	}
	js.mu.Lock()
	if _, ok := js.subscribers[ch]; !ok {
		js.mu.Unlock()
		return
	}
	delete(js.subscribers, ch)
	js.job.Stats.Subscribers = len(js.subscribers)
	close(ch)
	js.mu.Unlock()

	r.logger.Debug("subscriber left job %s", id)
}

// BindCancel attaches the cooperative cancel for the job body.
func (r *Registry) BindCancel(id string, cancel context.CancelFunc) error {
	js, err := r.lookup(id)
	if err != nil {
		return err
	}
	js.mu.Lock()
	js.cancel = cancel
	js.mu.Unlock()
	return nil
}

// Launch creates a job and runs fn in a guarded goroutine, detached
// from the caller's context so the job outlives the request that
// spawned it. fn's return value completes the job; an error or panic
// fails it.
func (r *Registry) Launch(ctx context.Context, kind string, params map[string]any,
	fn func(ctx context.Context, jobID string) (any, error)) *Job {

	job := r.Create(kind, params, nil)
	detached := observability.ContextWithJobID(context.WithoutCancel(ctx), job.ID)
	runCtx, cancel := context.WithCancel(detached)
	_ = r.BindCancel(job.ID, cancel)

	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("job %s panicked: %v", job.ID, rec)
				_ = r.Fail(job.ID, fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := r.Start(job.ID); err != nil {
			return
		}
		result, err := fn(runCtx, job.ID)
		if err != nil {
			_ = r.Fail(job.ID, err)
			return
		}
		_ = r.Complete(job.ID, result)
	}()
	return job
}

// Prune drops terminal jobs that finished more than maxAge ago and
// returns how many were removed.
func (r *Registry) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, js := range r.jobs {
		js.mu.Lock()
		prunable := js.job.Status.Terminal() && js.job.FinishedAt != nil && js.job.FinishedAt.Before(cutoff)
		js.mu.Unlock()
		if prunable {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("pruned %d finished jobs", removed)
	}
	return removed
}

func (r *Registry) lookup(id string) (*jobState, error) {
	r.mu.RLock()
	js, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeJobNotFound, "Job %s not found.", id).
			WithSuggestions("List running jobs to find a valid id.")
	}
	return js, nil
}

// broadcast delivers ev to every subscriber without blocking. Callers
// must hold js.mu and keep holding it across the sends; that is what
// stops a send racing the channel close in finish or Unsubscribe. A
// full buffer means the subscriber fell a whole window behind: it gets
// one overflow marker and its channel is closed. Returns how many
// subscribers were dropped.
func (r *Registry) broadcast(js *jobState, ev Event) int {
	dropped := 0
	for ch := range js.subscribers {
		select {
		case ch <- ev:
		default:
			delete(js.subscribers, ch)
			sendOrReplaceOldest(ch, Event{Type: EventOverflow, JobID: ev.JobID, At: time.Now().UTC()})
			close(ch)
			dropped++
		}
	}
	if dropped > 0 {
		js.job.Stats.Subscribers = len(js.subscribers)
		js.job.Stats.Disconnects += int64(dropped)
	}
	return dropped
}

// reportDropped logs and counts disconnected subscribers once the job
// lock is released.
func (r *Registry) reportDropped(jobID string, dropped int) {
	if dropped == 0 {
		return
	}
	r.logger.Warn("job %s dropped %d slow subscribers: buffer full", jobID, dropped)
	for i := 0; i < dropped; i++ {
		r.recordEvent(EventOverflow)
	}
}

// heartbeatLoop emits a log-less snapshot whenever the job stays
// quiet for a full interval. It exits when the job finishes.
func (r *Registry) heartbeatLoop(js *jobState) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-js.done:
			return
		case <-ticker.C:
		}

		js.mu.Lock()
		if js.job.Status.Terminal() {
			js.mu.Unlock()
			return
		}
		if time.Since(js.lastActivity) < r.cfg.HeartbeatInterval || len(js.subscribers) == 0 {
			js.mu.Unlock()
			continue
		}
		snap := snapshot(&js.job, false)
		dropped := r.broadcast(js, Event{
			Type: EventHeartbeat, JobID: snap.ID, Status: snap.Status, Job: &snap, At: time.Now().UTC(),
		})
		js.mu.Unlock()

		r.recordEvent(EventHeartbeat)
		r.reportDropped(snap.ID, dropped)
	}
}

func (r *Registry) recordEvent(eventType string) {
	if r.metrics != nil {
		r.metrics.RecordJobEvent(context.Background(), eventType)
	}
}

// sendOrReplaceOldest delivers a terminal marker even to a full
// buffer by dropping the oldest pending event.
func sendOrReplaceOldest(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// snapshot copies the job record. Logs and action logs are copied
// only when asked for; heartbeats stay cheap.
func snapshot(j *Job, includeLogs bool) Job {
	snap := *j
	snap.Logs = nil
	snap.ActionLogs = nil
	if includeLogs {
		snap.Logs = append([]LogEntry(nil), j.Logs...)
		snap.ActionLogs = append([]ActionLog(nil), j.ActionLogs...)
	}
	return snap
}

func sortJobsNewestFirst(jobsList []Job) {
	sort.Slice(jobsList, func(i, j int) bool {
		if jobsList[i].CreatedAt.Equal(jobsList[j].CreatedAt) {
			return jobsList[i].ID < jobsList[j].ID
		}
		return jobsList[i].CreatedAt.After(jobsList[j].CreatedAt)
	})
}

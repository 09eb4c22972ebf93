// Package scheduler runs each session's recurring background action.
// Every firing re-enters the agent with the job's directive and sends
// the reply to the session through a Notifier.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Acknowledgments returned to the model.
const (
	AckStarted = "Started."
	AckStopped = "Stopped."
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("scheduler closed")

// Config tunes a Scheduler.
type Config struct {
	// TurnTimeout bounds each firing. Zero means no bound.
	TurnTimeout time.Duration
}

type entry struct {
	job     Job
	gen     uint64
	timer   *time.Timer
	running bool
}

// Scheduler owns the session → job map. All mutation goes through
// Start, Stop, Restore and Close.
type Scheduler struct {
	logger *slog.Logger
	store  *Store // optional
	run    RunFunc
	notify Notifier
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*entry
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler. store may be nil, in which case jobs do not
// survive a restart.
func New(logger *slog.Logger, store *Store, run RunFunc, notify Notifier, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		store:  store,
		run:    run,
		notify: notify,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Start arms a recurring job for the session, cancelling and replacing
// any job it already has. The first firing happens one interval from
// now.
func (s *Scheduler) Start(ctx context.Context, sessionKey, directive string, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("interval must be positive, got %s", interval)
	}
	job := Job{
		ID:         NewID(),
		SessionKey: sessionKey,
		Directive:  directive,
		Interval:   interval,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.store != nil {
		if err := s.store.Save(ctx, &job); err != nil {
			return "", err
		}
	}

	replaced := s.cancelLocked(sessionKey)
	s.armLocked(job)

	s.logger.Info("background job started",
		"session", sessionKey,
		"job_id", job.ID,
		"interval", interval,
		"replaced", replaced,
	)
	return AckStarted, nil
}

// Stop cancels the session's job. Stopping a session without a job is
// a no-op.
func (s *Scheduler) Stop(ctx context.Context, sessionKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(ctx, sessionKey); err != nil {
			return "", err
		}
	}
	if s.cancelLocked(sessionKey) {
		s.logger.Info("background job stopped", "session", sessionKey)
	}
	return AckStopped, nil
}

// Job returns the session's active job.
func (s *Scheduler) Job(sessionKey string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[sessionKey]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Jobs returns all active jobs ordered by session key.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SessionKey < jobs[j].SessionKey })
	return jobs
}

// Restore re-arms the jobs persisted in the store. It returns the
// number of jobs restored.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	jobs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, j := range jobs {
		if j.Interval <= 0 {
			s.logger.Warn("skipping persisted job with invalid interval", "session", j.SessionKey)
			continue
		}
		s.cancelLocked(j.SessionKey)
		s.armLocked(*j)
		n++
	}
	s.logger.Info("background jobs restored", "count", n)
	return n, nil
}

// Close cancels all timers and in-flight firings and waits for them to
// return. Persisted jobs are kept for the next Restore.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key := range s.jobs {
		s.cancelLocked(key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	for _, e := range s.jobs {
		if e.running {
			running++
		}
	}
	return map[string]any{
		"active_jobs":  len(s.jobs),
		"running_jobs": running,
		"persistent":   s.store != nil,
	}
}

// cancelLocked stops and removes the session's timer. It reports
// whether a job existed.
func (s *Scheduler) cancelLocked(sessionKey string) bool {
	e, ok := s.jobs[sessionKey]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.jobs, sessionKey)
	return true
}

func (s *Scheduler) armLocked(job Job) {
	s.gen++
	e := &entry{job: job, gen: s.gen}
	e.timer = time.AfterFunc(job.Interval, func() { s.fire(job.SessionKey, e.gen) })
	s.jobs[job.SessionKey] = e
}

// fire runs one tick. A timer that fires after its job was stopped or
// replaced finds a different generation and does nothing. A tick that
// arrives while the previous one is still running is dropped.
func (s *Scheduler) fire(sessionKey string, gen uint64) {
	s.mu.Lock()
	e, ok := s.jobs[sessionKey]
	if !ok || e.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	e.timer.Reset(e.job.Interval)
	if e.running {
		s.mu.Unlock()
		s.logger.Debug("previous tick still running, skipping", "session", sessionKey)
		return
	}
	e.running = true
	job := e.job
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	ctx := s.ctx
	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}

	log := s.logger.With("session", sessionKey, "job_id", job.ID)
	log.Debug("background job firing")

	reply, err := s.run(ctx, sessionKey, job.Directive)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Error("background turn failed", "error", err)
		reply = fmt.Sprintf("Sorry, the background action %q failed: %v", job.Directive, err)
	}
	if reply == "" {
		return
	}
	if err := s.notify.Notify(ctx, sessionKey, reply); err != nil {
		log.Error("background notify failed", "error", err)
	}
}

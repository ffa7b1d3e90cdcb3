// Package scheduler provides cron-like job scheduling for housekeeping tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carlossalguero/relay/services/shared/logger"
)

// JobFunc is the work performed on every tick. The context is canceled when
// the scheduler stops or the job's timeout elapses.
type JobFunc func(ctx context.Context) error

// Job represents a scheduled job.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	EntryID  cron.EntryID
	fn       JobFunc
}

// Scheduler manages scheduled jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	mu     sync.RWMutex
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new scheduler. Schedules use the six-field cron format with
// a leading seconds field, and a job never overlaps with its previous run.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("scheduler")
	cl := cronLogger{log: log}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*Job),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob adds a new scheduled job. A zero timeout means the run is bounded
// only by the scheduler's lifetime.
func (s *Scheduler) AddJob(name, schedule string, timeout time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}

	job := &Job{
		Name:     name,
		Schedule: schedule,
		Timeout:  timeout,
		fn:       fn,
	}

	entryID, err := s.cron.AddFunc(schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", schedule, name, err)
	}
	job.EntryID = entryID
	s.jobs[name] = job

	return nil
}

// RunNow executes a registered job synchronously, outside of its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.run(job)
}

func (s *Scheduler) run(job *Job) error {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.fn(ctx)
	if err != nil {
		s.log.Error("scheduled job failed",
			"job", job.Name,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}

	s.log.Debug("scheduled job completed", "job", job.Name, "duration", time.Since(start))
	return nil
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[name]; ok {
		s.cron.Remove(job.EntryID)
		delete(s.jobs, name)
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// GetJobs returns all scheduled jobs.
func (s *Scheduler) GetJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// GetNextRun returns the next scheduled run time for a job. The time is zero
// until the scheduler has been started.
func (s *Scheduler) GetNextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}

	return s.cron.Entry(job.EntryID).Next, true
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

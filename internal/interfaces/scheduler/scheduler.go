// Package scheduler periodically requests incremental syncs for every
// active bank connection.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScheduleTime is a time of day at which the scheduler fires.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// String returns the time in HH:MM format.
func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}

	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}

	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// Config holds configuration for the scheduler.
type Config struct {
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
	JobProvider   func(context.Context) ([]Job, error)
}

// Scheduler fetches jobs from its provider at the configured times of day
// and hands them to a worker pool.
type Scheduler struct {
	workerPool    *WorkerPool
	scheduleTimes []ScheduleTime
	runOnStartup  bool
	jobProvider   func(context.Context) ([]Job, error)
	logger        *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun string
	now     func() time.Time
}

func NewScheduler(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	scheduleTimes := make([]ScheduleTime, 0, len(cfg.ScheduleTimes))
	for _, raw := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", raw, err)
		}
		scheduleTimes = append(scheduleTimes, st)
	}

	if len(scheduleTimes) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}
	if cfg.JobProvider == nil {
		return nil, errors.New("job provider is required")
	}

	logger = logger.Named("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		workerPool:    NewWorkerPool(cfg.WorkerCount, cfg.JobDelay, cfg.QueueSize, logger),
		scheduleTimes: scheduleTimes,
		runOnStartup:  cfg.RunOnStartup,
		jobProvider:   cfg.JobProvider,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}, nil
}

// Start launches the schedule loop and the worker pool.
func (s *Scheduler) Start() {
	s.workerPool.Start()

	if s.runOnStartup {
		s.logger.Info("running initial job batch on startup")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJobs()
		}()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	s.logger.Info("scheduler started", zap.Stringers("times", s.scheduleTimes))
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case now := <-ticker.C:
			if s.shouldRun(now) {
				s.logger.Info("scheduler triggered", zap.String("at", now.Format("15:04")))
				s.runJobs()
			}
		}
	}
}

// shouldRun reports whether now matches a schedule time that has not fired
// yet during this minute.
func (s *Scheduler) shouldRun(now time.Time) bool {
	key := now.Format("2006-01-02 15:04")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRun == key {
		return false
	}

	for _, st := range s.scheduleTimes {
		if now.Hour() == st.Hour && now.Minute() == st.Minute {
			s.lastRun = key
			return true
		}
	}

	return false
}

// runJobs asks the provider for jobs and submits them to the worker pool.
func (s *Scheduler) runJobs() int {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	jobs, err := s.jobProvider(ctx)
	if err != nil {
		s.logger.Error("failed to fetch jobs", zap.Error(err))
		return 0
	}

	if len(jobs) == 0 {
		s.logger.Info("no jobs to process")
		return 0
	}

	return s.workerPool.SubmitBatch(jobs)
}

// TriggerNow runs a job batch immediately.
func (s *Scheduler) TriggerNow() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJobs()
	}()
}

// NextRun returns the next scheduled run time after now.
func (s *Scheduler) NextRun() time.Time {
	now := s.now()

	var next time.Time
	for _, st := range s.scheduleTimes {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

// Shutdown stops the schedule loop and drains the worker pool.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("timeout waiting for schedule loop to stop")
	}

	s.workerPool.ShutdownWithTimeout(timeout)
	s.logger.Info("scheduler stopped")
}

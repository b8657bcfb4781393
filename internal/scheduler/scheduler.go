// Package scheduler runs recurring background jobs, chiefly the periodic
// calibration retrain, on cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler owns the cron runner and per-job execution history.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Job
	history map[string]*JobHistory
	mu      sync.RWMutex
}

// New creates an empty scheduler. Jobs use standard five-field cron
// expressions.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		jobs:    make(map[string]Job),
		history: make(map[string]*JobHistory),
	}
}

// AddJob registers a job under its schedule. Job names must be unique.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return eris.Errorf("scheduler: job %s already registered", name)
	}

	if _, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(context.Background(), job)
	}); err != nil {
		return eris.Wrapf(err, "scheduler: schedule job %s", name)
	}

	s.jobs[name] = job
	s.history[name] = &JobHistory{}

	zap.L().Info("scheduler: job registered",
		zap.String("job", name),
		zap.String("schedule", job.Schedule()),
	)
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	zap.L().Info("scheduler: starting")
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	zap.L().Info("scheduler: stopped")
}

// RunNow executes a registered job immediately, outside its schedule.
// The run is synchronous and its result is recorded in history.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return eris.Errorf("scheduler: job %s not found", name)
	}
	return s.runJob(ctx, job)
}

// History returns the execution history for a job.
func (s *Scheduler) History(name string) (*JobHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.history[name]
	if !exists {
		return nil, eris.Errorf("scheduler: job %s not found", name)
	}
	return h, nil
}

// Jobs returns the names of all registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	name := job.Name()
	start := time.Now().UTC()

	log := zap.L().With(zap.String("job", name))
	log.Info("scheduler: job started")

	err := job.Run(ctx)

	end := time.Now().UTC()
	result := JobResult{
		JobName:   name,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Success:   err == nil,
	}
	if err != nil {
		result.Error = err.Error()
	}

	s.mu.Lock()
	if h, exists := s.history[name]; exists {
		h.AddResult(result)
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("scheduler: job failed",
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)
		return err
	}
	log.Info("scheduler: job completed", zap.Duration("duration", result.Duration))
	return nil
}

// Package scheduler manages the service's background jobs.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of background work
type Job interface {
	Run() error
	Name() string
}

// Scheduler runs jobs on cron schedules. Job failures are logged, never
// propagated; a broken sweep must not take the cron runner down with it.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu         sync.Mutex
	registered []string
}

// New creates a scheduler with second-granularity cron expressions
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins running registered jobs on their schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.Jobs())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for in-flight jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job under a cron schedule ("0 30 2 * * *", "@every 6h").
// The schedule is validated here; a bad expression never reaches the runner.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	jobLog := s.log.With().Str("job", job.Name()).Logger()

	_, err := s.cron.AddFunc(schedule, func() {
		s.run(job, jobLog)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.registered = append(s.registered, job.Name())
	s.mu.Unlock()

	jobLog.Info().Str("schedule", schedule).Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	jobLog := s.log.With().Str("job", job.Name()).Logger()
	jobLog.Info().Msg("Running job on demand")
	return job.Run()
}

// Jobs returns the names of all registered jobs
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.registered))
	copy(out, s.registered)
	return out
}

func (s *Scheduler) run(job Job, jobLog zerolog.Logger) {
	start := time.Now()
	jobLog.Debug().Msg("Job starting")

	if err := job.Run(); err != nil {
		jobLog.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	jobLog.Debug().Dur("elapsed", time.Since(start)).Msg("Job completed")
}

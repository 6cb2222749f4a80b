// Package scheduler runs the periodic sweeps on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tempshare/internal/config"
	"tempshare/internal/services"
)

// Job names.
const (
	JobSweepExpired = "sweep-expired"
	JobSweepStale   = "sweep-stale"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job is already running")
)

// Sweeper is the part of the lifecycle manager the scheduler drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (services.SweepResult, error)
	SweepStale(ctx context.Context, retention time.Duration) (services.SweepResult, error)
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (services.SweepResult, error)
	mu       sync.Mutex // held while the job runs; runs never overlap
	entry    cron.EntryID
}

// Scheduler owns the cron runner and the sweep jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*job
	timeout time.Duration
	logger  *zap.Logger
}

// New registers the sweep jobs. Nothing runs until Start.
func New(sweeper Sweeper, cfg config.LifecycleConfig, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("scheduler")

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{logger.Sugar()}),
			cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
		),
		jobs:    make(map[string]*job),
		timeout: cfg.SweepTimeout,
		logger:  logger,
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Minute
	}

	if err := s.register(JobSweepExpired, cfg.ExpiredSchedule, sweeper.SweepExpired); err != nil {
		return nil, err
	}
	retention := cfg.Retention
	if err := s.register(JobSweepStale, cfg.StaleSchedule, func(ctx context.Context) (services.SweepResult, error) {
		return sweeper.SweepStale(ctx, retention)
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) register(name, schedule string, run func(context.Context) (services.SweepResult, error)) error {
	j := &job{name: name, schedule: schedule, run: run}

	id, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.execute(context.Background(), j); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j *job) (services.SweepResult, error) {
	if !j.mu.TryLock() {
		s.logger.Info("skipping job, previous run still in progress", zap.String("job", j.name))
		return services.SweepResult{}, ErrJobRunning
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := j.run(ctx)
	s.logger.Debug("job finished",
		zap.String("job", j.name),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	return res, err
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, name := range s.Names() {
		j := s.jobs[name]
		s.logger.Info("job scheduled",
			zap.String("job", name),
			zap.String("schedule", j.schedule),
			zap.Time("next", s.cron.Entry(j.entry).Next),
		)
	}
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (services.SweepResult, error) {
	j, ok := s.jobs[name]
	if !ok {
		return services.SweepResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// Names lists the registered jobs.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

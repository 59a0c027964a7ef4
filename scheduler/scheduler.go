// Package scheduler fires scheduled sync runs and forwards manual triggers
// to the collector.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"gym_capacity/collector"
	"gym_capacity/config"
	"gym_capacity/models"
)

// Runner is the collector surface the scheduler drives.
type Runner interface {
	Run(ctx context.Context, trigger models.TriggerSource) (*models.SyncRun, error)
	Start(ctx context.Context, trigger models.TriggerSource) (*collector.RunHandle, error)
}

type Info struct {
	IntervalMinutes int        `json:"interval_minutes"`
	Cron            string     `json:"cron,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at"`
	Running         bool       `json:"scheduler_running"`
}

type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Runner
	cron   *cron.Cron
	entry  cron.EntryID

	// startup tracks the run-on-start run, which cron does not know about.
	startup sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

func New(cfg config.SchedulerConfig, runner Runner) (*Scheduler, error) {
	spec := cfg.Cron
	if spec == "" {
		if cfg.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("scheduler interval must be positive, got %d", cfg.IntervalMinutes)
		}
		spec = fmt.Sprintf("@every %dm", cfg.IntervalMinutes)
	}

	logger := cronLogger{}
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		ctx:    context.Background(),
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}

	id, err := s.cron.AddFunc(spec, s.runScheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entry = id

	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx = ctx
	s.started = true

	if s.cfg.Cron != "" {
		log.Info().Str("cron", s.cfg.Cron).Msg("Starting scheduler")
	} else {
		log.Info().Int("interval_minutes", s.cfg.IntervalMinutes).Msg("Starting scheduler")
	}
	s.cron.Start()

	if s.cfg.RunOnStart {
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			s.runScheduled()
		}()
	}
}

// Stop halts the timer and waits for scheduled runs in flight, including the
// run-on-start run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.startup.Wait()
	log.Info().Msg("Scheduler stopped")
}

// Serve runs the scheduler until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) String() string {
	return "scheduler"
}

// TriggerNow starts an out-of-band run and returns without waiting for it.
func (s *Scheduler) TriggerNow(ctx context.Context) (*collector.RunHandle, error) {
	return s.runner.Start(ctx, models.TriggerManual)
}

func (s *Scheduler) Info() Info {
	s.mu.Lock()
	running := s.started
	s.mu.Unlock()

	info := Info{
		IntervalMinutes: s.cfg.IntervalMinutes,
		Cron:            s.cfg.Cron,
		Running:         running,
	}

	entry := s.cron.Entry(s.entry)
	next := entry.Next
	if next.IsZero() && entry.Schedule != nil {
		next = entry.Schedule.Next(time.Now())
	}
	if !next.IsZero() {
		next = next.UTC()
		info.NextRunAt = &next
	}
	return info
}

func (s *Scheduler) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	run, err := s.runner.Run(ctx, models.TriggerScheduled)
	switch {
	case errors.Is(err, collector.ErrAlreadyInProgress):
		log.Info().Msg("Scheduled run skipped: another run is in progress")
	case errors.Is(err, collector.ErrNotConfigured):
		log.Warn().Msg("Scheduled run failed: credentials not configured")
	case err != nil:
		log.Error().Err(err).Msg("Scheduled run error")
	default:
		log.Debug().Int64("run_id", run.ID).Str("status", string(run.Status)).Msg("Scheduled run complete")
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

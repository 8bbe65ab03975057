// Package maintenance runs periodic index upkeep on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs maintenance every ten minutes.
const DefaultSchedule = "@every 10m"

// Maintainer is satisfied by *memory.Manager.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor such
	// as "@hourly" or "@every 5m".
	Schedule string `mapstructure:"maintenance_schedule"`

	// Timeout bounds one run. Zero is unbounded.
	Timeout time.Duration `mapstructure:"maintenance_timeout"`

	Logger zerolog.Logger `mapstructure:"-"`
}

// Scheduler triggers Maintain on a schedule. Runs never overlap.
type Scheduler struct {
	target  Maintainer
	cron    *cron.Cron
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
	runs    int
	lastErr error
}

// New validates the schedule and returns a stopped Scheduler.
func New(target Maintainer, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	s := &Scheduler{
		target:  target,
		timeout: cfg.Timeout,
		log:     cfg.Logger.With().Str("component", "maintenance").Logger(),
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_ = s.RunOnce(ctx)
}

// RunOnce runs maintenance immediately and records the outcome.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := s.target.Maintain(ctx)

	s.mu.Lock()
	s.runs++
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Dur("took", time.Since(start)).Msg("maintenance found problems")
		return err
	}
	s.log.Debug().Dur("took", time.Since(start)).Msg("maintenance complete")
	return nil
}

// Start begins scheduling. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.log.Info().Time("next_run", s.cron.Entries()[0].Next).Msg("maintenance scheduled")
}

// Stop halts scheduling and waits for an in-flight run, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runs reports how many runs completed and the error of the last one.
func (s *Scheduler) Runs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastErr
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@hourly" or "@every 30m".
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a usable sweep schedule.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("engine: sweep schedule %q: %w", expr, err)
	}
	return nil
}

// ExpirySweeper is what a Sweeper runs on each tick.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper runs the expiry sweep on a cron schedule. The host starts and
// stops it; nothing runs until Start.
type Sweeper struct {
	target ExpirySweeper
	cron   *cron.Cron
	log    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Target   ExpirySweeper
	Schedule string // defaults to "@every 1h"
	Logger   *zerolog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Target == nil {
		return nil, fmt.Errorf("engine: sweeper: target is required")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s := &Sweeper{
		target: opts.Target,
		log:    zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "sweeper").Logger()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("engine: sweeper: %w", err)
	}
	return s, nil
}

// runOnce performs one sweep. Failures are logged and left for the next
// tick.
func (s *Sweeper) runOnce() {
	n, err := s.target.SweepExpired(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	s.log.Debug().Int64("removed", n).Msg("expiry sweep done")
}

// Start begins the schedule. Calling Start twice, or after Stop, is a
// no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info().Msg("expiry sweeper started")
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	s.log.Info().Msg("expiry sweeper stopped")
}

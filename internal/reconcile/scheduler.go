package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSchedule   = "0 3,15 * * *"
	DefaultRunTimeout = 30 * time.Minute
)

// Runner is the pass the scheduler triggers.
type Runner interface {
	ReconcileAll(ctx context.Context) (Report, error)
}

// Scheduler runs ReconcileAll on a cron schedule. Runs never overlap and each
// is bounded by a timeout.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewScheduler(runner Runner, schedule string, timeout time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	s := &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		timeout: timeout,
		logger:  logger.With().Str("component", "reconcile-scheduler").Logger(),
		baseCtx: context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("add cron job %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Runs in flight are cancelled when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Time("next", s.Next()).Msg("scheduler started")
}

// Stop prevents new runs and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Next returns the next scheduled run, zero when not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("previous run still in progress, skipping")
		return
	}
	s.running = true
	base := s.baseCtx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.RunOnce(base)
}

// RunOnce runs a single bounded pass and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rep, err := s.runner.ReconcileAll(ctx)
	logger := s.logger.With().Str("run_id", rep.RunID).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("scheduled reconciliation finished with errors")
		return
	}
	logger.Info().
		Int("items", rep.Found).
		Int("social_updated", rep.Social.Updated).
		Int("analytics_updated", rep.Analytics.Updated).
		Msg("scheduled reconciliation finished")
}

package duty

import (
	"context"

	"github.com/coder/quartz"
	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/rs/zerolog"
)

// Scheduler drives the two background checks: the zone poll every
// PollInterval and the summary tick every SummaryTick.
type Scheduler struct {
	tracker *Tracker
	clock   quartz.Clock
	at      SummaryTime
	logger  zerolog.Logger

	lastSummary string
	waiters     []quartz.Waiter
}

// NewScheduler creates a scheduler that posts the daily summary at at.
func NewScheduler(tracker *Tracker, clock quartz.Clock, at SummaryTime, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Scheduler{
		tracker: tracker,
		clock:   clock,
		at:      at,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers both tickers. They run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("poll_interval", PollInterval).
		Int("summary_hour", s.at.Hour).
		Int("summary_minute", s.at.Minute).
		Msg("Starting scheduler")

	poll := s.clock.TickerFunc(ctx, PollInterval, func() error {
		s.tracker.PollZones(ctx)
		return nil
	}, "scheduler", "poll")

	summary := s.clock.TickerFunc(ctx, SummaryTick, func() error {
		s.checkSummary(ctx)
		return nil
	}, "scheduler", "summary")

	s.waiters = append(s.waiters, poll, summary)
}

// Wait blocks until every ticker has stopped.
func (s *Scheduler) Wait() {
	for _, w := range s.waiters {
		_ = w.Wait()
	}
	s.logger.Info().Msg("Scheduler stopped")
}

// Run is Start followed by Wait.
func (s *Scheduler) Run(ctx context.Context) {
	s.Start(ctx)
	s.Wait()
}

// checkSummary fires the daily summary once per local date when the wall
// clock reaches the summary minute.
func (s *Scheduler) checkSummary(ctx context.Context) {
	now := s.clock.Now().In(s.tracker.Location())
	if !s.at.Matches(now) {
		return
	}
	date := interval.DateOf(now, s.tracker.Location())
	if s.lastSummary == date {
		return
	}
	s.lastSummary = date
	s.tracker.DailySummary(ctx)
}

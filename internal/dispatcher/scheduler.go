package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the dispatcher: a steady tick plus an out-of-band
// trigger the reconciler fires after releasing a held event, so merged
// purchases do not wait for the next tick.
type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
	budget     time.Duration
	trigger    chan struct{}
	logger     *slog.Logger
}

func NewScheduler(d *Dispatcher, interval, budget time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if budget <= 0 {
		budget = 50 * time.Second
	}
	return &Scheduler{
		dispatcher: d,
		interval:   interval,
		budget:     budget,
		trigger:    make(chan struct{}, 1),
		logger:     logger,
	}
}

// Trigger requests an immediate cycle. Never blocks; a pending trigger
// already covers the caller's events.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("dispatch scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	if _, err := s.dispatcher.RunCycle(cycleCtx); err != nil {
		s.logger.Error("dispatch cycle", slog.Any("error", err))
	}
}

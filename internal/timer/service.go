// Package timer scans the durable wait state for expired deadlines and
// fires them through the engine. It holds no timer state in memory: a
// restart re-covers every persisted deadline on its first scan, with
// past-due timers firing immediately.
package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentichr/hrflow/internal/engine"
	"github.com/agentichr/hrflow/internal/persistence"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

// Config configures a timer Service.
type Config struct {
	// PollInterval is the delay between scans of the wait store.
	PollInterval time.Duration

	// Clock overrides the time source; tests use it to simulate
	// multi-day deadlines.
	Clock func() time.Time

	Logger *slog.Logger
}

// Service is the polling timer loop.
type Service struct {
	waits    persistence.WaitStore
	engine   *engine.Engine
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewService creates a timer Service over the wait store and engine.
func NewService(waits persistence.WaitStore, eng *engine.Engine, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		waits:    waits,
		engine:   eng,
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Run scans for due timers until ctx is cancelled. The first scan runs
// immediately, which is what makes restart recovery work without any
// dedicated rescan step.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Scan(ctx); err != nil {
			s.logger.Error("timer scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan fires every due timer once. It is exported so tests (and the
// embedded runtime) can drive the clock manually instead of sleeping.
func (s *Service) Scan(ctx context.Context) error {
	due, err := s.waits.ListDueTimers(ctx, s.clock())
	if err != nil {
		return err
	}

	for _, w := range due {
		if err := s.engine.FireTimer(ctx, w); err != nil {
			// Keep firing the rest; this one comes back next scan.
			s.logger.Error("fire timer failed",
				"instance_id", w.InstanceID,
				"call_id", w.CallID,
				"error", err,
			)
		}
	}
	return nil
}

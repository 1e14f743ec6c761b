package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/pkg/logger"
)

// Sweepable is the part of the dialer engine the sweeper drives.
type Sweepable interface {
	Sweep(ctx context.Context)
}

// Sweeper periodically times out stuck legs, re-drives dispatch for runs that
// were blocked on the line gate and evicts expired runs.
type Sweeper struct {
	engine   Sweepable
	interval time.Duration
	logger   *logger.Logger
}

// New constructs a sweeper. A non-positive interval falls back to five seconds.
func New(engine Sweepable, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{engine: engine, interval: interval, logger: log}
}

// Run executes the sweep loop until cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	tracer := otel.Tracer("dialer.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.sweep")
	defer span.End()

	started := time.Now()
	s.engine.Sweep(sctx)
	s.logger.Debug("scheduler: sweep finished", zap.Duration("took", time.Since(started)))
}

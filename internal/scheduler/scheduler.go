// Package scheduler runs the recurring billing engine on a fixed
// interval. Multiple replicas are safe: the engine's non-blocking row
// claim partitions the eligible plans between them.
package scheduler

import (
	"context"
	"time"

	"github.com/mprovost129/ez360pm/internal/clock"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config controls the runner interval and per-run batch cap.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Engine recurringdomain.Engine
	Clock  clock.Clock
	Config Config `optional:"true"`
}

type Scheduler struct {
	log    *zap.Logger
	cfg    Config
	engine recurringdomain.Engine
	clock  clock.Clock
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:    p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:    p.Config.withDefaults(),
		engine: p.Engine,
		clock:  p.Clock,
	}
}

// RunOnce drives a single engine batch at the current clock time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.clock.Now()
	summary, err := s.engine.Run(ctx, recurringdomain.RunRequest{
		AsOf:  start,
		Limit: s.cfg.BatchSize,
	})
	if err != nil {
		s.log.Warn("scheduler.run.failed", zap.Error(err))
		return err
	}
	s.log.Info("scheduler.run.finish",
		zap.Int("scanned", summary.Scanned),
		zap.Int("generated", summary.Generated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		// RunOnce logs its own failures; a bad batch never stops the loop.
		_ = s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

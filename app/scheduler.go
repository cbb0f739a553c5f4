package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"escrowflow/sweep"
)

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// SweepRunner is what the embedded scheduler triggers.
type SweepRunner interface {
	Run(ctx context.Context) (sweep.Summary, error)
}

// Scheduler runs sweeps on a cron schedule inside the API process. Overlapping
// ticks are skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  SweepRunner
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
}

// NewScheduler parses spec and registers the sweep job; call Start to run.
func NewScheduler(ctx context.Context, spec string, runner SweepRunner, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("app: schedule sweeps %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	sum, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Warn("scheduled sweep reported errors", "error", err)
	}
	s.logger.Info("scheduled sweep",
		"released", sum.Release.Succeeded,
		"release_failed", sum.Release.Failed,
		"settled", sum.Settlements.Succeeded,
		"funded", sum.Funding.Succeeded,
		"notified", sum.Notifications.Delivered,
		"duration", sum.Duration)
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

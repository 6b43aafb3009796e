// Package scheduler fires the hourly refresh and the nightly shutdown.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Jobs is what the scheduler drives; *reconciler.Reconciler satisfies it.
type Jobs interface {
	RefreshAll(ctx context.Context, excludeKey string) error
	Shutdown(ctx context.Context) (int, error)
}

// Config holds the two standard five-field cron expressions and the
// timezone they are evaluated in.
type Config struct {
	Refresh  string
	Shutdown string
	Location *time.Location
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   Jobs
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	refreshID  cron.EntryID
	shutdownID cron.EntryID
}

func New(cfg Config, jobs Jobs, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		jobs:   jobs,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	var err error
	if s.refreshID, err = s.cron.AddFunc(cfg.Refresh, s.refresh); err != nil {
		cancel()
		return nil, fmt.Errorf("refresh schedule %q: %w", cfg.Refresh, err)
	}
	if s.shutdownID, err = s.cron.AddFunc(cfg.Shutdown, s.shutdown); err != nil {
		cancel()
		return nil, fmt.Errorf("shutdown schedule %q: %w", cfg.Shutdown, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("jobs scheduled",
		zap.Time("next_refresh", s.cron.Entry(s.refreshID).Next),
		zap.Time("next_shutdown", s.cron.Entry(s.shutdownID).Next))
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) refresh() {
	s.logger.Info("hourly refresh")
	if err := s.jobs.RefreshAll(s.ctx, ""); err != nil {
		s.logger.Error("hourly refresh", zap.Error(err))
	}
}

func (s *Scheduler) shutdown() {
	stopped, err := s.jobs.Shutdown(s.ctx)
	if err != nil {
		s.logger.Error("nightly shutdown", zap.Int("stopped", stopped), zap.Error(err))
		return
	}
	s.logger.Info("nightly shutdown", zap.Int("stopped", stopped))
}

// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"errors"
	"time"

	cron "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/obs"
)

const defaultRunTimeout = 5 * time.Minute

// Cleaner removes expired revocation state.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (auth.CleanupResult, error)
}

// Scheduler triggers Cleaner on a standard cron spec. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	cleaner Cleaner
	log     logrus.FieldLogger
	timeout time.Duration
}

// NewScheduler parses spec and registers the cleanup job. It does not start the clock.
func NewScheduler(spec string, cleaner Cleaner, log logrus.FieldLogger) (*Scheduler, error) {
	if cleaner == nil {
		return nil, errors.New("jobs: cleaner is required")
	}
	if log == nil {
		log = obs.Logger()
	}
	s := &Scheduler{
		cleaner: cleaner,
		log:     log.WithField("component", "cleanup"),
		timeout: defaultRunTimeout,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(spec, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduling in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("cleanup scheduler started")
}

// Stop halts scheduling and waits for a running job until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("cleanup job still running at shutdown")
	}
}

// RunOnce executes one cleanup pass. A failure is logged and returned; the next tick retries.
func (s *Scheduler) RunOnce(ctx context.Context) (auth.CleanupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		s.log.WithError(err).Error("cleanup failed")
		return auth.CleanupResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"blacklist":      res.Blacklist,
		"refresh_tokens": res.RefreshTokens,
		"cutoffs":        res.Cutoffs,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("cleanup completed")
	return res, nil
}

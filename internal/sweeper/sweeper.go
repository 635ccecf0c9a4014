// Package sweeper runs the recurring pass that reclaims expired leases.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/metrics"
	"github.com/kallsyms/distscrape/internal/track"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 30 * time.Second

// maxBackoff caps the cadence growth while the backend is unreachable.
const maxBackoff = 5 * time.Minute

// Sweeper periodically reclaims expired leases so work held by crashed
// workers comes back into circulation. Several sweepers may run against
// the same backend; the per-item transition is atomic, so they never
// double-requeue.
type Sweeper struct {
	tracker  track.Tracker
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Sweeper. A zero interval selects DefaultInterval.
func New(tr track.Tracker, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{tracker: tr, interval: interval, logger: logger}
}

// Run blocks, sweeping on a fixed cadence until the context ends. An
// unreachable backend stretches the cadence instead of stopping it.
func (s *Sweeper) Run(ctx context.Context) {
	wait := s.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		reclaimed, err := s.tracker.SweepExpired(ctx)
		switch {
		case errors.Is(err, track.ErrBackendUnavailable):
			if ctx.Err() != nil {
				return
			}
			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
			s.logger.Warn("sweep skipped, backend unavailable",
				zap.Error(err),
				zap.Duration("retry_in", wait))
		case err != nil:
			s.logger.Error("sweep failed", zap.Error(err))
			wait = s.interval
		default:
			wait = s.interval
			metrics.ObserveSweep(reclaimed)
			if reclaimed > 0 {
				s.logger.Info("reclaimed expired leases", zap.Int("items", reclaimed))
			}
		}
		timer.Reset(wait)
	}
}

// RunOnce performs a single sweep pass and returns the reclaimed count.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := s.tracker.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	metrics.ObserveSweep(reclaimed)
	return reclaimed, nil
}

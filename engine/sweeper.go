package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Locker grants a short-lived exclusive lease. Acquire returns an error when
// another holder has the lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

const sweeperLockKey = "viewingflow:auto-release-sweeper"

// Sweeper periodically auto-releases engagements whose deadline passed. With
// a Locker configured only one replica sweeps per interval.
type Sweeper struct {
	service  *Service
	locker   Locker
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a sweeper running every 30 seconds.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) WithLocker(l Locker) *Sweeper {
	s.locker = l
	return s
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithBatch(n int) *Sweeper {
	if n > 0 {
		s.batch = n
	}
	return s
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. Call in
// a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop makes the loop exit once the current pass finishes. It is safe to
// call more than once and before Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sweepRunsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in auto-release sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Warn("auto-release sweep failed", "error", err)
	}
}

// SweepOnce runs a single pass and returns the number of engagements
// settled. Engagements that changed since they were listed are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, sweeperLockKey, 2*s.interval)
		if err != nil {
			sweepRunsTotal.WithLabelValues("skipped").Inc()
			s.logger.Debug("auto-release sweep skipped, lease held elsewhere", "error", err)
			return 0, nil
		}
		defer unlock()
	}

	due, err := s.service.DueForRelease(ctx, s.service.now(), s.batch)
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("engine: list due engagements: %w", err)
	}

	released := 0
	for _, e := range due {
		out, err := s.service.AutoRelease(ctx, e.ID)
		if err != nil {
			if KindOf(err) == KindConflict {
				autoReleasesTotal.WithLabelValues("skipped").Inc()
				s.logger.Debug("auto-release skipped", "engagementId", e.ID, "error", err)
				continue
			}
			autoReleasesTotal.WithLabelValues("error").Inc()
			s.logger.Warn("failed to auto-release engagement", "engagementId", e.ID, "error", err)
			continue
		}
		released++
		autoReleasesTotal.WithLabelValues("released").Inc()
		s.logger.Info("auto-released engagement",
			"engagementId", out.ID,
			"agent", out.AgentID,
			"amount", out.Amount,
			"status", out.Status,
		)
	}
	sweepRunsTotal.WithLabelValues("ok").Inc()
	return released, nil
}

package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a Sweeper on a fixed interval. The first sweep fires
// immediately on Start so a restarted process catches up on decay right away.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(sweeper *Sweeper, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}
}

// Start launches the sweep loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.logger.Info("decay sweep scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish; a running
// cycle is never aborted mid-page.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("decay sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.runOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce executes a sweep with its own context, detached from the loop's so
// cancellation stops the schedule without cutting off the current cycle.
func (s *Scheduler) runOnce() {
	start := time.Now()
	stats, err := s.sweeper.Run(context.Background())
	if err != nil {
		s.logger.Error("decay sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("decay sweep complete",
		zap.Int("processed", stats.Processed),
		zap.Int("updated", stats.Updated),
		zap.Int("pruning_candidates", stats.PruningCandidates),
		zap.Int("hard_pruned", stats.HardPruned),
		zap.Duration("elapsed", time.Since(start)))
}

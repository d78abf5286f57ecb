package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig configures scheduled pruning of committed spend
// history in a SQLiteStore.
type RetentionConfig struct {
	// Schedule is a standard cron expression, e.g. "0 3 * * *" for
	// daily at 3 AM. Empty disables the scheduler.
	Schedule string

	// RetainFor is how long committed events are kept. It must be at
	// least as long as the largest budget window in use, or in-window
	// history would be deleted out from under admission checks.
	RetainFor time.Duration
}

// RetentionScheduler prunes old committed spend events from a
// SQLiteStore on a cron schedule. The in-memory reference store
// prunes lazily on access and needs no scheduler; SQLite rows persist
// until deleted, so long-running processes use this to bound the
// database size.
type RetentionScheduler struct {
	store  *SQLiteStore
	config RetentionConfig
	cron   *cron.Cron

	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewRetentionScheduler creates a scheduler for the given store.
func NewRetentionScheduler(store *SQLiteStore, config RetentionConfig) *RetentionScheduler {
	return &RetentionScheduler{
		store:  store,
		config: config,
		cron:   cron.New(),
		logger: slog.Default().With("component", "budgetgate.retention"),
	}
}

// Start begins scheduled pruning. If Schedule is empty, Start is a
// no-op. The scheduler stops when the context is cancelled or Stop is
// called.
func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Schedule == "" {
		s.logger.Info("prune schedule not configured, skipping scheduler")
		return nil
	}
	if s.config.RetainFor <= 0 {
		return fmt.Errorf("retain_for must be > 0, got %s", s.config.RetainFor)
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.config.Schedule, err)
	}

	if _, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.runPruning(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("retention scheduler started",
		"schedule", s.config.Schedule,
		"retain_for", s.config.RetainFor.String(),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// runPruning executes one pruning cycle.
func (s *RetentionScheduler) runPruning(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.RetainFor)

	deleted, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("scheduled pruning failed", "error", err)
		return
	}

	if deleted > 0 {
		s.logger.Info("scheduled pruning completed", "deleted_count", deleted)
	} else {
		s.logger.Debug("scheduled pruning completed, no rows deleted")
	}
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is active.
func (s *RetentionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

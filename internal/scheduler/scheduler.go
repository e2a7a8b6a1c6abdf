// Package scheduler runs background maintenance, currently the daily
// retention sweep over stored buffer dumps.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/config"
)

// Pruner removes stored dumps older than a cutoff.
type Pruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
	Count() (int, error)
	Path() string
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.StorageConfig
	pruner Pruner
	now    func() time.Time
}

// NewScheduler creates a scheduler pruning dumps held by pruner.
func NewScheduler(cfg config.StorageConfig, pruner Pruner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		now:    time.Now,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.cfg.DumpsEnabled && s.pruner != nil {
		// Catch up on anything that expired while the process was down.
		s.runPrune()
		s.runPruneLoop(ctx)
	} else {
		<-ctx.Done()
	}

	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := s.calculateNextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("dump retention sweep scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runPrune()
		}
	}
}

// runPrune deletes dumps past the retention window.
func (s *Scheduler) runPrune() int64 {
	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	cutoff := s.now().Add(-retention)

	removed, err := s.pruner.PruneBefore(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("dump retention sweep failed")
		return 0
	}

	remaining, err := s.pruner.Count()
	if err != nil {
		log.Warn().Err(err).Msg("failed to count remaining dumps")
	}

	var size int64
	if info, err := os.Stat(s.pruner.Path()); err == nil {
		size = info.Size()
	}

	log.Info().
		Int64("deleted", removed).
		Int("remaining", remaining).
		Int("retention_days", s.cfg.RetentionDays).
		Str("database_size", formatBytes(size)).
		Msg("dump retention sweep completed")
	return removed
}

// calculateNextCleanupTime returns the next time the sweep should run.
func (s *Scheduler) calculateNextCleanupTime() time.Time {
	parts := strings.Split(s.cfg.CleanupTime, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

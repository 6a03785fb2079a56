package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/metrics"
	"github.com/otcheredev/jpeg-export-proxy/internal/store"
	"github.com/rs/zerolog/log"
)

// Sweeper enforces the retention window. Each deletion is conditional on the
// record still being the exact one enumerated, so a study readmitted for
// building between enumeration and deletion keeps both its record and its
// bundle file. A crash between record and file removal leaves an orphaned
// file that startup reconciliation restores and the next sweep retires.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	done     chan struct{}
}

// NewSweeper creates an expiry sweeper
func NewSweeper(st store.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    st,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep loop
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(context.Background())
			case <-s.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop
func (s *Sweeper) Stop() {
	close(s.done)
}

// RunOnce deletes all bundles past their retention window and returns how
// many were removed. Running it again with no new expirations is a no-op.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	expired, err := s.store.ListExpired(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Sweep enumeration failed")
		return 0
	}

	deleted := 0
	for _, rec := range expired {
		// Record first, matched by ID. A successful conditional delete
		// proves no build was admitted for this study since enumeration,
		// so the file at the canonical path is still the expired one.
		removed, err := s.store.Delete(ctx, rec.StudyUID, rec.ID)
		if err != nil {
			log.Warn().Err(err).Str("study_uid", rec.StudyUID).Msg("Failed to delete expired bundle record")
			continue
		}
		if !removed {
			log.Info().Str("study_uid", rec.StudyUID).Msg("Skipping sweep of readmitted study")
			continue
		}

		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", rec.FilePath).Msg("Failed to delete expired bundle file")
			continue
		}

		deleted++
		metrics.SweepDeletions.Inc()
		log.Info().
			Str("study_uid", rec.StudyUID).
			Str("file", rec.FilePath).
			Msg("Deleted expired bundle")
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Sweep complete")
	}
	return deleted
}

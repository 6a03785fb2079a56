package scheduler

import (
	"context"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/metrics"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// StudyLister enumerates studies by date
type StudyLister interface {
	ListStudiesOn(ctx context.Context, date string) ([]string, error)
}

// Obtainer is the coordinator surface the scheduler drives
type Obtainer interface {
	Obtain(ctx context.Context, studyUID string) (*models.BundleRecord, error)
}

// Precacher keeps today's studies warm. On each tick it enumerates the
// studies with today's study date and pushes them through the coordinator
// with bounded concurrency; cached studies fall out as cheap cache hits.
type Precacher struct {
	lister      StudyLister
	coordinator Obtainer
	interval    time.Duration
	concurrency int
	done        chan struct{}
}

// NewPrecacher creates a pre-cache scheduler
func NewPrecacher(lister StudyLister, coordinator Obtainer, interval time.Duration, concurrency int) *Precacher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Precacher{
		lister:      lister,
		coordinator: coordinator,
		interval:    interval,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start launches the periodic pre-cache loop
func (p *Precacher) Start() {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.RunOnce(context.Background(), time.Now().Format("20060102"))
			case <-p.done:
				return
			}
		}
	}()
}

// Stop terminates the pre-cache loop
func (p *Precacher) Stop() {
	close(p.done)
}

// RunOnce pre-caches all studies with the given study date (YYYYMMDD).
// Per-study failures are logged as warnings and never abort the pass.
func (p *Precacher) RunOnce(ctx context.Context, date string) {
	studyUIDs, err := p.lister.ListStudiesOn(ctx, date)
	if err != nil {
		log.Warn().Err(err).Str("date", date).Msg("Precache study enumeration failed")
		return
	}

	log.Info().Str("date", date).Int("studies", len(studyUIDs)).Msg("Precache pass starting")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, studyUID := range studyUIDs {
		studyUID := studyUID
		g.Go(func() error {
			metrics.PrecacheStudies.Inc()
			if _, err := p.coordinator.Obtain(gctx, studyUID); err != nil {
				log.Warn().Err(err).Str("study_uid", studyUID).Msg("Precache failed for study")
			}
			// Never propagate: one study must not stop the pass
			return nil
		})
	}

	g.Wait()
	log.Info().Str("date", date).Msg("Precache pass complete")
}

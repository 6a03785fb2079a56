package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/metrics"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/otcheredev/jpeg-export-proxy/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// BundleBuilder is the build step the coordinator drives. Satisfied by
// *Builder; narrowed to an interface so tests can count invocations.
type BundleBuilder interface {
	Build(ctx context.Context, studyUID string) (*BuildResult, error)
}

// Coordinator is the single entry point for "give me a Ready bundle".
// Concurrent requests for the same study collapse onto one build via
// singleflight; every other caller waits on that build's outcome. A caller
// whose own context expires detaches with ErrBuildTimeout while the build
// runs on for the remaining waiters.
type Coordinator struct {
	store        store.Store
	builder      BundleBuilder
	group        singleflight.Group
	buildTimeout time.Duration
	retention    time.Duration
}

// NewCoordinator creates a build coordinator
func NewCoordinator(st store.Store, builder BundleBuilder, buildTimeout, retention time.Duration) *Coordinator {
	return &Coordinator{
		store:        st,
		builder:      builder,
		buildTimeout: buildTimeout,
		retention:    retention,
	}
}

// Obtain returns a Ready record for the study, building the bundle first if
// the cache has no live entry.
func (c *Coordinator) Obtain(ctx context.Context, studyUID string) (*models.BundleRecord, error) {
	rec, err := c.store.Lookup(ctx, studyUID)
	if err == nil && rec.State == models.BundleReady && !rec.Expired(time.Now()) {
		metrics.CacheHits.Inc()
		return rec, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	metrics.CacheMisses.Inc()

	ch := c.group.DoChan(studyUID, func() (interface{}, error) {
		return c.runBuild(studyUID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.BundleRecord), nil
	case <-ctx.Done():
		// Only this waiter detaches; the build continues for the rest
		return nil, fmt.Errorf("%w: %v", ErrBuildTimeout, ctx.Err())
	}
}

// Warm triggers a build for the study without waiting for the outcome.
// Used by the check endpoint to schedule background exports.
func (c *Coordinator) Warm(studyUID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.buildTimeout)
		defer cancel()

		if _, err := c.Obtain(ctx, studyUID); err != nil {
			log.Warn().Err(err).Str("study_uid", studyUID).Msg("Background export failed")
		}
	}()
}

// runBuild executes one build under singleflight. It runs on a context
// detached from any individual caller, bounded only by the build timeout,
// so a cancelled waiter never kills the build other waiters depend on.
func (c *Coordinator) runBuild(studyUID string) (*models.BundleRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.buildTimeout)
	defer cancel()

	token, err := c.store.BeginBuild(ctx, studyUID)
	if errors.Is(err, store.ErrAlreadyReady) {
		// Another replica completed the build between Lookup and here
		return c.store.Lookup(ctx, studyUID)
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.builder.Build(ctx, studyUID)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		// Abort on a fresh context; the build context may already be dead
		if abortErr := c.store.AbortBuild(context.Background(), token, err.Error()); abortErr != nil {
			log.Error().Err(abortErr).Str("study_uid", studyUID).Msg("Failed to abort build record")
		}
		return nil, err
	}

	rec, err := c.store.CompleteBuild(ctx, token,
		result.Meta.StudyDate, result.FilePath, result.SizeBytes,
		result.OmittedImages, time.Now().Add(c.retention))
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to register bundle: %w", err)
	}

	metrics.BuildsTotal.WithLabelValues("success").Inc()
	metrics.BuildDuration.Observe(time.Since(start).Seconds())

	return rec, nil
}

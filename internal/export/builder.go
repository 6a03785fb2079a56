package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/otcheredev/jpeg-export-proxy/internal/metrics"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/otcheredev/jpeg-export-proxy/internal/pacs"
	"github.com/rs/zerolog/log"
)

// BuilderConfig holds bundle build settings
type BuilderConfig struct {
	CacheDir     string
	MaxRetries   int
	RetryBackoff time.Duration
	// FailureTolerance is the fraction of images that may permanently fail
	// before the build aborts. 0 aborts on any permanent failure.
	FailureTolerance float64
}

// BuildResult describes a successfully assembled bundle
type BuildResult struct {
	Meta          *models.StudyMetadata
	FilePath      string
	SizeBytes     int64
	OmittedImages int
}

// Builder assembles one ZIP bundle per study. The archive is written to a
// temp file in the cache directory and renamed into place in one step, so a
// reader either sees no file or a complete one.
type Builder struct {
	resolver pacs.Resolver
	fetcher  pacs.Fetcher
	cfg      BuilderConfig
}

// NewBuilder creates a bundle builder
func NewBuilder(resolver pacs.Resolver, fetcher pacs.Fetcher, cfg BuilderConfig) *Builder {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Builder{
		resolver: resolver,
		fetcher:  fetcher,
		cfg:      cfg,
	}
}

// Build produces the bundle for a study, or fails leaving no partial
// artifact at the canonical path.
func (b *Builder) Build(ctx context.Context, studyUID string) (*BuildResult, error) {
	meta, err := b.resolver.Resolve(ctx, studyUID)
	if err != nil {
		return nil, err
	}

	finalName := models.BundleFilename(meta.StudyDate, meta.StudyUID)
	finalPath := filepath.Join(b.cfg.CacheDir, finalName)

	tmpFile, err := os.CreateTemp(b.cfg.CacheDir, finalName+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %v", ErrCacheIO, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		// No-op on the success path, where the temp file has been renamed
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	zw := zip.NewWriter(tmpFile)
	written, omitted := 0, 0

	for i, ref := range meta.Images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := b.fetchWithRetry(ctx, studyUID, ref)
		if err != nil {
			// The build being torn down is not an image failure; only a
			// failure of the image itself may count toward the tolerance
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}

			omitted++
			metrics.ImagesOmitted.Inc()
			log.Warn().
				Err(err).
				Str("study_uid", studyUID).
				Str("sop_uid", ref.SOPInstanceUID).
				Msg("Image permanently failed, omitting from bundle")

			if exceedsTolerance(omitted, len(meta.Images), b.cfg.FailureTolerance) {
				return nil, fmt.Errorf("%w: %d of %d images failed for study %s",
					ErrPartialRetrieval, omitted, len(meta.Images), studyUID)
			}
			continue
		}

		entry, err := zw.Create(entryName(i, ref))
		if err != nil {
			return nil, fmt.Errorf("%w: creating archive entry: %v", ErrCacheIO, err)
		}
		if _, err := entry.Write(data); err != nil {
			return nil, fmt.Errorf("%w: writing archive entry: %v", ErrCacheIO, err)
		}
		written++
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finalizing archive: %v", ErrCacheIO, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("%w: syncing archive: %v", ErrCacheIO, err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing archive: %v", ErrCacheIO, err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stating archive: %v", ErrCacheIO, err)
	}

	// Single atomic step making the bundle visible at its canonical path
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("%w: publishing archive: %v", ErrCacheIO, err)
	}

	log.Info().
		Str("study_uid", studyUID).
		Str("file", finalName).
		Int("images", written).
		Int("omitted", omitted).
		Msg("Bundle created")

	return &BuildResult{
		Meta:          meta,
		FilePath:      finalPath,
		SizeBytes:     info.Size(),
		OmittedImages: omitted,
	}, nil
}

// fetchWithRetry retries transient fetch failures with exponential backoff.
// A permanent failure, or running out of attempts, fails the image.
func (b *Builder) fetchWithRetry(ctx context.Context, studyUID string, ref models.ImageRef) ([]byte, error) {
	backoff := b.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		data, err := b.fetcher.Fetch(ctx, studyUID, ref)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !pacs.IsTransient(err) {
			return nil, err
		}
		if attempt == b.cfg.MaxRetries {
			break
		}

		metrics.FetchRetries.Inc()
		log.Warn().
			Err(err).
			Str("sop_uid", ref.SOPInstanceUID).
			Int("attempt", attempt).
			Msg("Transient fetch failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", b.cfg.MaxRetries, lastErr)
}

// entryName names archive entries by position and SOP instance UID so
// repeated builds of one study produce byte-identical member lists.
func entryName(position int, ref models.ImageRef) string {
	return fmt.Sprintf("%04d_%s.jpeg", position+1, ref.SOPInstanceUID)
}

// exceedsTolerance reports whether the failed fraction is over the limit
func exceedsTolerance(failed, total int, tolerance float64) bool {
	if total == 0 {
		return true
	}
	return float64(failed)/float64(total) > tolerance
}

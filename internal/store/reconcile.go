package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/rs/zerolog/log"
)

// Reconcile rebuilds the bundle index from the on-disk cache directory.
// Complete bundles become Ready records (filenames are deterministic, so the
// study UID and date are recoverable without a PACS round trip); temp files
// left behind by interrupted builds are discarded. Safe to run on every start.
func Reconcile(ctx context.Context, s Store, cacheDir string, retention time.Duration) error {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	restored, discarded := 0, 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(cacheDir, name)

		if strings.HasSuffix(name, ".tmp") {
			// Partial artifact from an interrupted build
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", name).Msg("Failed to remove stale temp file")
				continue
			}
			discarded++
			continue
		}

		studyDate, studyUID, ok := models.ParseBundleFilename(name)
		if !ok {
			log.Warn().Str("file", name).Msg("Skipping non-standard file in cache directory")
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Failed to stat cache file")
			continue
		}

		rec := &models.BundleRecord{
			StudyUID:  studyUID,
			StudyDate: studyDate,
			FilePath:  path,
			SizeBytes: info.Size(),
			State:     models.BundleReady,
			CreatedAt: info.ModTime(),
			ExpiresAt: info.ModTime().Add(retention),
		}
		if err := s.Restore(ctx, rec); err != nil {
			log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to restore bundle record")
			continue
		}
		restored++
	}

	log.Info().
		Int("restored", restored).
		Int("discarded_temp", discarded).
		Str("dir", cacheDir).
		Msg("Cache directory reconciled")
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/jpeg-export-proxy/internal/database"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of PostgreSQL. The unique index on
// study_uid plus a row lock inside BeginBuild's transaction provide the
// single-admission guarantee across replicas sharing one database.
type GormStore struct {
	// buildStale bounds how long a Building row blocks new admissions.
	// Builds run under the build timeout, so a Building row older than
	// that belongs to a replica that crashed mid-build.
	buildStale time.Duration
}

// NewGormStore creates a new PostgreSQL-backed bundle store
func NewGormStore(buildStale time.Duration) *GormStore {
	if buildStale <= 0 {
		buildStale = time.Hour
	}
	return &GormStore{buildStale: buildStale}
}

// Lookup returns the current record for a study, or ErrNotFound
func (s *GormStore) Lookup(ctx context.Context, studyUID string) (*models.BundleRecord, error) {
	var rec models.BundleRecord
	err := database.DB.WithContext(ctx).Where("study_uid = ?", studyUID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up bundle record: %w", err)
	}
	return &rec, nil
}

// BeginBuild atomically inserts a Building record if no live record exists
func (s *GormStore) BeginBuild(ctx context.Context, studyUID string) (uuid.UUID, error) {
	var token uuid.UUID

	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var existing models.BundleRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("study_uid = ?", studyUID).
			First(&existing).Error

		switch {
		case err == nil:
			if existing.State == models.BundleBuilding && !staleBuilding(&existing, now, s.buildStale) {
				return ErrAlreadyBuilding
			}
			if existing.State == models.BundleReady && !existing.Expired(now) {
				return ErrAlreadyReady
			}
			// Expired, failed, or orphaned record, replace it
			if err := tx.Delete(&existing).Error; err != nil {
				return fmt.Errorf("failed to remove stale record: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// No record, proceed with insert
		default:
			return fmt.Errorf("failed to check existing record: %w", err)
		}

		rec := models.BundleRecord{
			ID:        uuid.New(),
			StudyUID:  studyUID,
			State:     models.BundleBuilding,
			CreatedAt: now,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to insert building record: %w", err)
		}

		token = rec.ID
		return nil
	})

	if err != nil {
		return uuid.Nil, err
	}
	return token, nil
}

// CompleteBuild transitions Building -> Ready
func (s *GormStore) CompleteBuild(ctx context.Context, token uuid.UUID, studyDate, filePath string, sizeBytes int64, omittedImages int, expiresAt time.Time) (*models.BundleRecord, error) {
	updates := map[string]interface{}{
		"study_date":     studyDate,
		"file_path":      filePath,
		"size_bytes":     sizeBytes,
		"omitted_images": omittedImages,
		"expires_at":     expiresAt,
		"state":          models.BundleReady,
	}

	res := database.DB.WithContext(ctx).
		Model(&models.BundleRecord{}).
		Where("id = ? AND state = ?", token, models.BundleBuilding).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to complete build: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidToken
	}

	var rec models.BundleRecord
	if err := database.DB.WithContext(ctx).Where("id = ?", token).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to reload bundle record: %w", err)
	}
	return &rec, nil
}

// AbortBuild removes the Building placeholder so a later request can retry
func (s *GormStore) AbortBuild(ctx context.Context, token uuid.UUID, reason string) error {
	res := database.DB.WithContext(ctx).
		Where("id = ? AND state = ?", token, models.BundleBuilding).
		Delete(&models.BundleRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to abort build: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidToken
	}
	return nil
}

// Delete removes the record for a study if it still carries the given ID
func (s *GormStore) Delete(ctx context.Context, studyUID string, id uuid.UUID) (bool, error) {
	res := database.DB.WithContext(ctx).
		Where("study_uid = ? AND id = ?", studyUID, id).
		Delete(&models.BundleRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete bundle record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListExpired returns Ready records past their retention window
func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]models.BundleRecord, error) {
	var expired []models.BundleRecord
	if err := database.DB.WithContext(ctx).
		Where("state = ? AND expires_at < ?", models.BundleReady, now).
		Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired records: %w", err)
	}
	return expired, nil
}

// Restore inserts a Ready record if none exists for the study
func (s *GormStore) Restore(ctx context.Context, rec *models.BundleRecord) error {
	cp := *rec
	cp.State = models.BundleReady
	res := database.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "study_uid"}},
			DoNothing: true,
		}).
		Create(&cp)
	if res.Error != nil {
		return fmt.Errorf("failed to restore bundle record: %w", res.Error)
	}
	return nil
}

// Close releases store resources
func (s *GormStore) Close() error {
	return nil
}

// staleBuilding reports whether a Building record has outlived the build
// bound. Such a record can no longer complete or be aborted; its owner is
// gone, and it must not block new admissions forever.
func staleBuilding(rec *models.BundleRecord, now time.Time, bound time.Duration) bool {
	return rec.State == models.BundleBuilding && now.Sub(rec.CreatedAt) > bound
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
)

var (
	// ErrNotFound is returned by Lookup when no record exists for the study
	ErrNotFound = errors.New("bundle record not found")
	// ErrAlreadyBuilding is returned by BeginBuild when a build is in flight
	ErrAlreadyBuilding = errors.New("build already in progress")
	// ErrAlreadyReady is returned by BeginBuild when a live Ready record exists
	ErrAlreadyReady = errors.New("bundle already cached")
	// ErrInvalidToken is returned when a build token no longer matches a record
	ErrInvalidToken = errors.New("invalid build token")
)

// Store is the authority for "does a valid bundle exist for a study".
// BeginBuild is the single serialization point: it inserts a Building record
// if and only if no live record exists, so at most one build per study UID
// can be admitted at a time. All mutations are scoped to a single study's
// record and are linearizable with respect to Lookup for the same key.
type Store interface {
	// Lookup returns the current record for a study, or ErrNotFound.
	// It never blocks on an in-flight build.
	Lookup(ctx context.Context, studyUID string) (*models.BundleRecord, error)

	// BeginBuild atomically inserts a Building record and returns its token.
	// An expired Ready record or a leftover Failed record is replaced; a
	// Building record yields ErrAlreadyBuilding and a live Ready record
	// yields ErrAlreadyReady.
	BeginBuild(ctx context.Context, studyUID string) (uuid.UUID, error)

	// CompleteBuild transitions Building -> Ready. Fails with ErrInvalidToken
	// if the record was concurrently removed.
	CompleteBuild(ctx context.Context, token uuid.UUID, studyDate, filePath string, sizeBytes int64, omittedImages int, expiresAt time.Time) (*models.BundleRecord, error)

	// AbortBuild removes the Building placeholder so a later request can retry.
	AbortBuild(ctx context.Context, token uuid.UUID, reason string) error

	// Delete removes the record for a study only if it still carries the
	// given record ID, and reports whether a deletion happened. An absent
	// record, or one replaced by a newer build, is left untouched.
	Delete(ctx context.Context, studyUID string, id uuid.UUID) (bool, error)

	// ListExpired returns Ready records past their retention window.
	// Building records are never sweep targets.
	ListExpired(ctx context.Context, now time.Time) ([]models.BundleRecord, error)

	// Restore inserts a Ready record if none exists for the study.
	// Used by startup reconciliation against the on-disk cache directory.
	Restore(ctx context.Context, rec *models.BundleRecord) error

	Close() error
}

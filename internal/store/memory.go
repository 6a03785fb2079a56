package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
)

// MemoryStore implements Store with an in-process map. It is the default
// backend; the index is rebuilt at startup by reconciling the cache directory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.BundleRecord // keyed by study UID
	tokens  map[uuid.UUID]string            // build token -> study UID
}

// NewMemoryStore creates a new in-memory bundle store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.BundleRecord),
		tokens:  make(map[uuid.UUID]string),
	}
}

// Lookup returns the current record for a study, or ErrNotFound
func (s *MemoryStore) Lookup(ctx context.Context, studyUID string) (*models.BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[studyUID]
	if !exists {
		return nil, ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

// BeginBuild atomically inserts a Building record if no live record exists
func (s *MemoryStore) BeginBuild(ctx context.Context, studyUID string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, exists := s.records[studyUID]; exists {
		switch {
		case existing.State == models.BundleBuilding:
			return uuid.Nil, ErrAlreadyBuilding
		case existing.State == models.BundleReady && !existing.Expired(now):
			return uuid.Nil, ErrAlreadyReady
		default:
			// Expired or failed record, replace it
			delete(s.tokens, existing.ID)
			delete(s.records, studyUID)
		}
	}

	rec := &models.BundleRecord{
		ID:        uuid.New(),
		StudyUID:  studyUID,
		State:     models.BundleBuilding,
		CreatedAt: now,
	}
	s.records[studyUID] = rec
	s.tokens[rec.ID] = studyUID

	return rec.ID, nil
}

// CompleteBuild transitions Building -> Ready
func (s *MemoryStore) CompleteBuild(ctx context.Context, token uuid.UUID, studyDate, filePath string, sizeBytes int64, omittedImages int, expiresAt time.Time) (*models.BundleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.byToken(token)
	if err != nil {
		return nil, err
	}

	rec.StudyDate = studyDate
	rec.FilePath = filePath
	rec.SizeBytes = sizeBytes
	rec.OmittedImages = omittedImages
	rec.ExpiresAt = expiresAt
	rec.State = models.BundleReady

	cp := *rec
	return &cp, nil
}

// AbortBuild removes the Building placeholder so a later request can retry
func (s *MemoryStore) AbortBuild(ctx context.Context, token uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.byToken(token)
	if err != nil {
		return err
	}

	delete(s.tokens, token)
	delete(s.records, rec.StudyUID)
	return nil
}

// Delete removes the record for a study if it still carries the given ID
func (s *MemoryStore) Delete(ctx context.Context, studyUID string, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[studyUID]
	if !exists || rec.ID != id {
		return false, nil
	}

	delete(s.tokens, rec.ID)
	delete(s.records, studyUID)
	return true, nil
}

// ListExpired returns Ready records past their retention window
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]models.BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []models.BundleRecord
	for _, rec := range s.records {
		if rec.State == models.BundleReady && rec.Expired(now) {
			expired = append(expired, *rec)
		}
	}
	return expired, nil
}

// Restore inserts a Ready record if none exists for the study
func (s *MemoryStore) Restore(ctx context.Context, rec *models.BundleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.StudyUID]; exists {
		return nil
	}

	cp := *rec
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.State = models.BundleReady
	s.records[cp.StudyUID] = &cp
	s.tokens[cp.ID] = cp.StudyUID
	return nil
}

// Close releases store resources
func (s *MemoryStore) Close() error {
	return nil
}

// byToken resolves a build token to its live Building record.
// Caller must hold the write lock.
func (s *MemoryStore) byToken(token uuid.UUID) (*models.BundleRecord, error) {
	studyUID, exists := s.tokens[token]
	if !exists {
		return nil, ErrInvalidToken
	}
	rec, exists := s.records[studyUID]
	if !exists || rec.ID != token {
		return nil, ErrInvalidToken
	}
	return rec, nil
}

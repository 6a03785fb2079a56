package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_BuildLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Lookup(ctx, "1.2.3")
	assert.ErrorIs(t, err, ErrNotFound)

	token, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, token)

	rec, err := s.Lookup(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.BundleBuilding, rec.State)

	expiresAt := time.Now().Add(24 * time.Hour)
	rec, err = s.CompleteBuild(ctx, token, "20240115", "/cache/20240115_1.2.3.zip", 1024, 2, expiresAt)
	require.NoError(t, err)
	assert.Equal(t, models.BundleReady, rec.State)
	assert.Equal(t, "20240115", rec.StudyDate)
	assert.Equal(t, int64(1024), rec.SizeBytes)
	assert.Equal(t, 2, rec.OmittedImages)

	rec, err = s.Lookup(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.BundleReady, rec.State)
	assert.Equal(t, "/cache/20240115_1.2.3.zip", rec.FilePath)

	deleted, err := s.Delete(ctx, "1.2.3", token)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.Lookup(ctx, "1.2.3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteRequiresMatchingID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	token, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)
	_, err = s.CompleteBuild(ctx, token, "20240115", "/cache/a.zip", 10, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// A stale ID must not remove the current record
	deleted, err := s.Delete(ctx, "1.2.3", uuid.New())
	require.NoError(t, err)
	assert.False(t, deleted)
	_, err = s.Lookup(ctx, "1.2.3")
	assert.NoError(t, err)

	// An absent study is a no-op
	deleted, err = s.Delete(ctx, "9.9.9", token)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryStore_BeginBuildConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	token, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)

	// A second admission while the first build is in flight
	_, err = s.BeginBuild(ctx, "1.2.3")
	assert.ErrorIs(t, err, ErrAlreadyBuilding)

	_, err = s.CompleteBuild(ctx, token, "20240115", "/cache/a.zip", 10, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// A live Ready record blocks new builds
	_, err = s.BeginBuild(ctx, "1.2.3")
	assert.ErrorIs(t, err, ErrAlreadyReady)
}

func TestMemoryStore_BeginBuildReplacesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	token, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)
	_, err = s.CompleteBuild(ctx, token, "20240115", "/cache/a.zip", 10, 0, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	// The Ready record is expired, so a new build is admitted
	token2, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)

	// The stale token no longer matches anything
	_, err = s.CompleteBuild(ctx, token, "20240115", "/cache/a.zip", 10, 0, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMemoryStore_AbortBuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	token, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)

	require.NoError(t, s.AbortBuild(ctx, token, "fetch failed"))

	// Aborting clears the placeholder so the next request can retry
	_, err = s.Lookup(ctx, "1.2.3")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.BeginBuild(ctx, "1.2.3")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.AbortBuild(ctx, token, "stale"), ErrInvalidToken)
}

func TestMemoryStore_ListExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	complete := func(uid string, expiresAt time.Time) {
		token, err := s.BeginBuild(ctx, uid)
		require.NoError(t, err)
		_, err = s.CompleteBuild(ctx, token, "20240115", "/cache/"+uid+".zip", 10, 0, expiresAt)
		require.NoError(t, err)
	}

	complete("expired.1", now.Add(-time.Hour))
	complete("live.1", now.Add(time.Hour))

	// A Building record is never a sweep target
	_, err := s.BeginBuild(ctx, "building.1")
	require.NoError(t, err)

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired.1", expired[0].StudyUID)
}

func TestMemoryStore_RestoreDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Restore(ctx, &models.BundleRecord{
		StudyUID:  "1.2.3",
		StudyDate: "20240115",
		FilePath:  "/cache/20240115_1.2.3.zip",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	rec, err := s.Lookup(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.BundleReady, rec.State)

	// A second restore for the same study is a no-op
	require.NoError(t, s.Restore(ctx, &models.BundleRecord{
		StudyUID: "1.2.3",
		FilePath: "/cache/other.zip",
	}))
	rec, err = s.Lookup(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "/cache/20240115_1.2.3.zip", rec.FilePath)
}

func TestMemoryStore_ConcurrentBeginBuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.BeginBuild(ctx, "1.2.3"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one concurrent caller may be admitted per study
	assert.Equal(t, 1, admitted)
}

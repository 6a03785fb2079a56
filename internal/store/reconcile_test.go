package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	bundlePath := writeFile("20240115_1.2.840.113619.2.55.3.zip", "zip-bytes")
	tmpPath := writeFile("20240116_1.2.3.zip.123456.tmp", "partial")
	strayPath := writeFile("notes.txt", "unrelated")

	s := NewMemoryStore()
	require.NoError(t, Reconcile(ctx, s, dir, 24*time.Hour))

	// The complete bundle becomes a Ready record
	rec, err := s.Lookup(ctx, "1.2.840.113619.2.55.3")
	require.NoError(t, err)
	assert.Equal(t, models.BundleReady, rec.State)
	assert.Equal(t, "20240115", rec.StudyDate)
	assert.Equal(t, bundlePath, rec.FilePath)
	assert.Equal(t, int64(len("zip-bytes")), rec.SizeBytes)
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	// The interrupted build's temp file is discarded
	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
	_, err = s.Lookup(ctx, "1.2.3")
	assert.ErrorIs(t, err, ErrNotFound)

	// Unrelated files are left alone and indexed as nothing
	_, err = os.Stat(strayPath)
	assert.NoError(t, err)
}

func TestReconcile_KeepsExistingRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "20240115_1.2.3.zip")
	require.NoError(t, os.WriteFile(path, []byte("zip"), 0o644))

	s := NewMemoryStore()
	token, err := s.BeginBuild(ctx, "1.2.3")
	require.NoError(t, err)
	_, err = s.CompleteBuild(ctx, token, "20240115", path, 3, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	before, err := s.Lookup(ctx, "1.2.3")
	require.NoError(t, err)

	require.NoError(t, Reconcile(ctx, s, dir, 24*time.Hour))

	after, err := s.Lookup(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.ExpiresAt.Unix(), after.ExpiresAt.Unix())
}

package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/otcheredev/jpeg-export-proxy/internal/pacs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	meta *models.StudyMetadata
	err  error
}

func (s *stubResolver) Resolve(ctx context.Context, studyUID string) (*models.StudyMetadata, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.meta, nil
}

func (s *stubResolver) ListStudiesOn(ctx context.Context, date string) ([]string, error) {
	return nil, nil
}

// stubFetcher routes each SOP UID to a scripted response sequence, one entry
// per attempt; the last entry repeats.
type stubFetcher struct {
	mu       sync.Mutex
	attempts map[string]int
	script   map[string][]fetchStep
}

type fetchStep struct {
	data []byte
	err  error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		attempts: make(map[string]int),
		script:   make(map[string][]fetchStep),
	}
}

func (f *stubFetcher) on(sopUID string, steps ...fetchStep) {
	f.script[sopUID] = steps
}

func (f *stubFetcher) Fetch(ctx context.Context, studyUID string, ref models.ImageRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.attempts[ref.SOPInstanceUID]
	f.attempts[ref.SOPInstanceUID] = n + 1

	steps, ok := f.script[ref.SOPInstanceUID]
	if !ok {
		return []byte("jpeg-" + ref.SOPInstanceUID), nil
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n].data, steps[n].err
}

func (f *stubFetcher) attemptCount(sopUID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[sopUID]
}

func testMeta(uids ...string) *models.StudyMetadata {
	images := make([]models.ImageRef, 0, len(uids))
	for i, uid := range uids {
		images = append(images, models.ImageRef{
			SeriesUID:      "1.2.3.1",
			SOPInstanceUID: uid,
			InstanceNumber: i + 1,
		})
	}
	return &models.StudyMetadata{
		StudyUID:  "1.2.3",
		StudyDate: "20240115",
		Images:    images,
	}
}

func TestBuilder_Build(t *testing.T) {
	dir := t.TempDir()
	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1", "1.2", "1.3")},
		newStubFetcher(),
		BuilderConfig{CacheDir: dir, MaxRetries: 1},
	)

	result, err := builder.Build(context.Background(), "1.2.3")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "20240115_1.2.3.zip"), result.FilePath)
	assert.Equal(t, 0, result.OmittedImages)
	assert.Positive(t, result.SizeBytes)

	zr, err := zip.OpenReader(result.FilePath)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 3)
	assert.Equal(t, "0001_1.1.jpeg", zr.File[0].Name)
	assert.Equal(t, "0002_1.2.jpeg", zr.File[1].Name)
	assert.Equal(t, "0003_1.3.jpeg", zr.File[2].Name)

	assertNoTempFiles(t, dir)
}

func TestBuilder_ResolveErrorPropagates(t *testing.T) {
	dir := t.TempDir()
	builder := NewBuilder(
		&stubResolver{err: fmt.Errorf("study 1.2.3: %w", pacs.ErrStudyNotFound)},
		newStubFetcher(),
		BuilderConfig{CacheDir: dir, MaxRetries: 1},
	)

	_, err := builder.Build(context.Background(), "1.2.3")
	assert.ErrorIs(t, err, pacs.ErrStudyNotFound)
	assertNoTempFiles(t, dir)
}

func TestBuilder_PermanentFailureAbortsByDefault(t *testing.T) {
	dir := t.TempDir()
	fetcher := newStubFetcher()
	fetcher.on("1.2", fetchStep{err: &pacs.PermanentError{Err: errors.New("no such instance")}})

	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1", "1.2", "1.3")},
		fetcher,
		BuilderConfig{CacheDir: dir, MaxRetries: 3, RetryBackoff: time.Millisecond},
	)

	_, err := builder.Build(context.Background(), "1.2.3")
	assert.ErrorIs(t, err, ErrPartialRetrieval)

	// A permanent failure is not retried
	assert.Equal(t, 1, fetcher.attemptCount("1.2"))

	_, statErr := os.Stat(filepath.Join(dir, "20240115_1.2.3.zip"))
	assert.True(t, os.IsNotExist(statErr))
	assertNoTempFiles(t, dir)
}

func TestBuilder_ToleranceAllowsOmission(t *testing.T) {
	dir := t.TempDir()
	fetcher := newStubFetcher()
	fetcher.on("1.2", fetchStep{err: &pacs.PermanentError{Err: errors.New("no such instance")}})

	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1", "1.2", "1.3", "1.4")},
		fetcher,
		BuilderConfig{CacheDir: dir, MaxRetries: 1, FailureTolerance: 0.5},
	)

	result, err := builder.Build(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 1, result.OmittedImages)

	zr, err := zip.OpenReader(result.FilePath)
	require.NoError(t, err)
	defer zr.Close()

	// The failed instance is omitted; the rest keep their positions
	require.Len(t, zr.File, 3)
	assert.Equal(t, "0001_1.1.jpeg", zr.File[0].Name)
	assert.Equal(t, "0003_1.3.jpeg", zr.File[1].Name)
	assert.Equal(t, "0004_1.4.jpeg", zr.File[2].Name)
}

func TestBuilder_TransientFailureRetried(t *testing.T) {
	dir := t.TempDir()
	fetcher := newStubFetcher()
	fetcher.on("1.1",
		fetchStep{err: &pacs.TransientError{Err: errors.New("connection reset")}},
		fetchStep{err: &pacs.TransientError{Err: errors.New("connection reset")}},
		fetchStep{data: []byte("jpeg-1.1")},
	)

	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1")},
		fetcher,
		BuilderConfig{CacheDir: dir, MaxRetries: 3, RetryBackoff: time.Millisecond},
	)

	result, err := builder.Build(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 0, result.OmittedImages)
	assert.Equal(t, 3, fetcher.attemptCount("1.1"))
}

func TestBuilder_RetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	fetcher := newStubFetcher()
	fetcher.on("1.1", fetchStep{err: &pacs.TransientError{Err: errors.New("timeout")}})

	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1")},
		fetcher,
		BuilderConfig{CacheDir: dir, MaxRetries: 2, RetryBackoff: time.Millisecond},
	)

	_, err := builder.Build(context.Background(), "1.2.3")
	assert.ErrorIs(t, err, ErrPartialRetrieval)
	assert.Equal(t, 2, fetcher.attemptCount("1.1"))
}

// cancellingFetcher simulates the build deadline firing mid-fetch
type cancellingFetcher struct {
	cancel context.CancelFunc
	failAt string
}

func (f *cancellingFetcher) Fetch(ctx context.Context, studyUID string, ref models.ImageRef) ([]byte, error) {
	if ref.SOPInstanceUID == f.failAt {
		f.cancel()
		return nil, ctx.Err()
	}
	return []byte("jpeg-" + ref.SOPInstanceUID), nil
}

func TestBuilder_CancellationNotCountedAsOmission(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tolerance would allow one omission; cancellation must still fail the
	// build instead of publishing a truncated bundle
	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1", "1.2", "1.3")},
		&cancellingFetcher{cancel: cancel, failAt: "1.2"},
		BuilderConfig{CacheDir: dir, MaxRetries: 1, FailureTolerance: 0.5},
	)

	_, err := builder.Build(ctx, "1.2.3")
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(filepath.Join(dir, "20240115_1.2.3.zip"))
	assert.True(t, os.IsNotExist(statErr))
	assertNoTempFiles(t, dir)
}

func TestBuilder_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	builder := NewBuilder(
		&stubResolver{meta: testMeta("1.1", "1.2")},
		newStubFetcher(),
		BuilderConfig{CacheDir: dir, MaxRetries: 1},
	)

	_, err := builder.Build(ctx, "1.2.3")
	assert.ErrorIs(t, err, context.Canceled)
	assertNoTempFiles(t, dir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"),
			"leftover temp file: %s", entry.Name())
	}
}

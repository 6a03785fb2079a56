package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/stretchr/testify/assert"
)

type stubLister struct {
	studies map[string][]string
	err     error
}

func (s *stubLister) ListStudiesOn(ctx context.Context, date string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.studies[date], nil
}

type recordingObtainer struct {
	mu       sync.Mutex
	obtained []string
	err      error
}

func (o *recordingObtainer) Obtain(ctx context.Context, studyUID string) (*models.BundleRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obtained = append(o.obtained, studyUID)
	if o.err != nil {
		return nil, o.err
	}
	return &models.BundleRecord{StudyUID: studyUID, State: models.BundleReady}, nil
}

func (o *recordingObtainer) studyUIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	uids := append([]string(nil), o.obtained...)
	sort.Strings(uids)
	return uids
}

func TestPrecacher_RunOnce(t *testing.T) {
	lister := &stubLister{studies: map[string][]string{
		"20240115": {"1.1", "1.2", "1.3"},
	}}
	obtainer := &recordingObtainer{}

	p := NewPrecacher(lister, obtainer, time.Hour, 2)
	p.RunOnce(context.Background(), "20240115")

	assert.Equal(t, []string{"1.1", "1.2", "1.3"}, obtainer.studyUIDs())
}

func TestPrecacher_FailuresDoNotStopPass(t *testing.T) {
	lister := &stubLister{studies: map[string][]string{
		"20240115": {"1.1", "1.2", "1.3"},
	}}
	obtainer := &recordingObtainer{err: errors.New("pacs unavailable")}

	p := NewPrecacher(lister, obtainer, time.Hour, 1)
	p.RunOnce(context.Background(), "20240115")

	// Every study is still attempted
	assert.Len(t, obtainer.studyUIDs(), 3)
}

func TestPrecacher_ListErrorSkipsPass(t *testing.T) {
	lister := &stubLister{err: errors.New("pacs unavailable")}
	obtainer := &recordingObtainer{}

	p := NewPrecacher(lister, obtainer, time.Hour, 2)
	p.RunOnce(context.Background(), "20240115")

	assert.Empty(t, obtainer.studyUIDs())
}

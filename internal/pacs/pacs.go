package pacs

import (
	"context"
	"errors"

	"github.com/otcheredev/jpeg-export-proxy/internal/models"
)

// ErrStudyNotFound is returned when the PACS has no matching study or the
// study has no exportable images. Terminal: the coordinator does not retry it.
var ErrStudyNotFound = errors.New("study not found on PACS")

// TransientError marks a failure worth retrying (timeouts, connection resets,
// 5xx responses). The bundle builder retries these with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient PACS error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry (missing
// instance, unsupported transfer syntax). Counted toward the build's
// failure tolerance.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent PACS error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Resolver answers study-level questions against the PACS query interface.
// Resolve must return images in a stable order so repeated builds produce
// identical archives.
type Resolver interface {
	Resolve(ctx context.Context, studyUID string) (*models.StudyMetadata, error)
	ListStudiesOn(ctx context.Context, date string) ([]string, error)
}

// Fetcher retrieves one image as a JPEG byte stream
type Fetcher interface {
	Fetch(ctx context.Context, studyUID string, ref models.ImageRef) ([]byte, error)
}

package pacs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/models"
)

// WADOFetcher implements Fetcher over WADO-URI, asking the PACS to transcode
// each instance to JPEG server-side. One Fetch is one attempt; retry policy
// lives in the bundle builder.
type WADOFetcher struct {
	client  *http.Client
	baseURL string
}

// NewWADOFetcher creates a WADO-URI fetcher
func NewWADOFetcher(baseURL string, timeout time.Duration) *WADOFetcher {
	return &WADOFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

// Fetch retrieves one instance as JPEG bytes
func (f *WADOFetcher) Fetch(ctx context.Context, studyUID string, ref models.ImageRef) ([]byte, error) {
	params := url.Values{}
	params.Set("requestType", "WADO")
	params.Set("studyUID", studyUID)
	params.Set("seriesUID", ref.SeriesUID)
	params.Set("objectUID", ref.SOPInstanceUID)
	params.Set("contentType", "image/jpeg")

	requestURL := f.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to create WADO request: %w", err)}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("WADO request failed: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to content checks
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{Err: fmt.Errorf("WADO returned status %d for SOP %s", resp.StatusCode, ref.SOPInstanceUID)}
	default:
		return nil, &PermanentError{Err: fmt.Errorf("WADO returned status %d for SOP %s", resp.StatusCode, ref.SOPInstanceUID)}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/jpeg") {
		// The PACS could not transcode this instance (e.g., unsupported
		// transfer syntax); retrying will not change that.
		return nil, &PermanentError{Err: fmt.Errorf("WADO returned %q instead of image/jpeg for SOP %s", contentType, ref.SOPInstanceUID)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read WADO response: %w", err)}
	}
	if len(data) == 0 {
		return nil, &PermanentError{Err: fmt.Errorf("WADO returned empty body for SOP %s", ref.SOPInstanceUID)}
	}

	return data, nil
}

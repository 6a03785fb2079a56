package export

import "errors"

var (
	// ErrPartialRetrieval means too many images permanently failed to fetch.
	// Terminal for this build; a later request may retry.
	ErrPartialRetrieval = errors.New("partial retrieval failure")

	// ErrBuildTimeout means the caller gave up waiting on an in-flight build.
	// The build itself keeps running for other waiters.
	ErrBuildTimeout = errors.New("timed out waiting for bundle build")

	// ErrCacheIO wraps filesystem failures while writing or renaming bundles
	ErrCacheIO = errors.New("cache I/O failure")
)

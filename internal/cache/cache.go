package cache

import (
	"context"
	"fmt"
	"time"
)

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = fmt.Errorf("cache miss")

// Cache memoizes resolver results so repeated exports of the same study do
// not re-query the PACS for metadata that cannot change.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MetadataKey is the cache key for a study's resolved metadata
func MetadataKey(studyUID string) string {
	return "study:" + studyUID + ":metadata"
}

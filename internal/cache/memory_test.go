package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	defer c.Close()

	_, err := c.Get(ctx, MetadataKey("1.2.3"))
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, MetadataKey("1.2.3"), []byte(`{"study_uid":"1.2.3"}`), time.Minute))

	data, err := c.Get(ctx, MetadataKey("1.2.3"))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"study_uid":"1.2.3"}`), data)

	require.NoError(t, c.Delete(ctx, MetadataKey("1.2.3")))
	_, err = c.Get(ctx, MetadataKey("1.2.3"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

package store

import (
	"testing"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestStaleBuilding(t *testing.T) {
	now := time.Now()

	building := &models.BundleRecord{
		State:     models.BundleBuilding,
		CreatedAt: now.Add(-20 * time.Minute),
	}
	assert.True(t, staleBuilding(building, now, 10*time.Minute))
	assert.False(t, staleBuilding(building, now, time.Hour))

	// Only Building records can be orphaned by a crashed replica
	ready := &models.BundleRecord{
		State:     models.BundleReady,
		CreatedAt: now.Add(-20 * time.Minute),
	}
	assert.False(t, staleBuilding(ready, now, 10*time.Minute))
}

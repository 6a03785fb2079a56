package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BundleState describes the lifecycle of a cached bundle
type BundleState string

const (
	BundleBuilding BundleState = "building"
	BundleReady    BundleState = "ready"
	BundleFailed   BundleState = "failed"
)

// BundleRecord is the cache index entry for one study's ZIP bundle.
// The record ID doubles as the build token handed out by BeginBuild.
type BundleRecord struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	StudyUID      string      `gorm:"type:varchar(255);not null;uniqueIndex" json:"study_uid"`
	StudyDate     string      `gorm:"type:varchar(8)" json:"study_date"`
	FilePath      string      `gorm:"type:text" json:"file_path"`
	SizeBytes     int64       `json:"size_bytes"`
	OmittedImages int         `json:"omitted_images"`
	State         BundleState `gorm:"type:varchar(20);not null;index" json:"state"`
	CreatedAt     time.Time   `gorm:"index" json:"created_at"`
	ExpiresAt     time.Time   `gorm:"index" json:"expires_at"`
}

// TableName overrides the table name
func (BundleRecord) TableName() string {
	return "bundle_records"
}

// BeforeCreate hook
func (b *BundleRecord) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Expired reports whether the record is past its retention window.
func (b *BundleRecord) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// bundleNamePattern matches the canonical <StudyDate>_<StudyUID>.zip layout.
var bundleNamePattern = regexp.MustCompile(`^(\d{8})_(.+)\.zip$`)

// BundleFilename returns the deterministic cache filename for a study.
func BundleFilename(studyDate, studyUID string) string {
	return fmt.Sprintf("%s_%s.zip", studyDate, studyUID)
}

// ParseBundleFilename extracts the study date and UID from a cache filename.
// Returns ok=false for names that do not follow the canonical layout.
func ParseBundleFilename(name string) (studyDate, studyUID string, ok bool) {
	m := bundleNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

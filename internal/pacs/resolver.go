package pacs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/otcheredev/jpeg-export-proxy/internal/cache"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/otcheredev/jpeg-export-proxy/pkg/dimse"
	"github.com/rs/zerolog/log"
)

// DIMSEResolver implements Resolver over C-FIND, drawing associations from a
// shared pool. Resolved metadata is memoized: a study's date and image list
// cannot change, so repeated exports skip the PACS round trip.
type DIMSEResolver struct {
	pool      *dimse.ConnectionPool
	metaCache cache.Cache
	cacheTTL  time.Duration
}

// NewDIMSEResolver creates a resolver backed by the given association pool.
// metaCache may be nil to disable memoization.
func NewDIMSEResolver(pool *dimse.ConnectionPool, metaCache cache.Cache, cacheTTL time.Duration) *DIMSEResolver {
	return &DIMSEResolver{
		pool:      pool,
		metaCache: metaCache,
		cacheTTL:  cacheTTL,
	}
}

// Resolve returns the study date and the ordered image list for a study
func (r *DIMSEResolver) Resolve(ctx context.Context, studyUID string) (*models.StudyMetadata, error) {
	if r.metaCache != nil {
		if data, err := r.metaCache.Get(ctx, cache.MetadataKey(studyUID)); err == nil {
			var meta models.StudyMetadata
			if err := json.Unmarshal(data, &meta); err == nil {
				return &meta, nil
			}
		}
	}

	conn, err := r.pool.Get(ctx)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer r.pool.Put(conn)

	studyDate, err := r.findStudyDate(ctx, conn, studyUID)
	if err != nil {
		return nil, err
	}

	images, err := r.findImages(ctx, conn, studyUID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no exportable images for study %s: %w", studyUID, ErrStudyNotFound)
	}

	meta := &models.StudyMetadata{
		StudyUID:  studyUID,
		StudyDate: studyDate,
		Images:    images,
	}

	if r.metaCache != nil {
		if data, err := json.Marshal(meta); err == nil {
			if err := r.metaCache.Set(ctx, cache.MetadataKey(studyUID), data, r.cacheTTL); err != nil {
				log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to cache study metadata")
			}
		}
	}

	return meta, nil
}

// ListStudiesOn returns the UIDs of all studies with the given study date
// (DICOM DA format, YYYYMMDD)
func (r *DIMSEResolver) ListStudiesOn(ctx context.Context, date string) ([]string, error) {
	conn, err := r.pool.Get(ctx)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer r.pool.Put(conn)

	identifier := dimse.Dataset{
		dimse.TagQueryRetrieveLevel: "STUDY",
		dimse.TagStudyDate:          date,
		dimse.TagStudyInstanceUID:   "",
	}

	results, err := conn.CFind(ctx, identifier)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("study list C-FIND failed: %w", err)}
	}

	uids := make([]string, 0, len(results))
	for _, ds := range results {
		if uid, ok := ds.GetString(dimse.TagStudyInstanceUID); ok && uid != "" {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids, nil
}

// findStudyDate performs a study-level C-FIND for the StudyDate attribute
func (r *DIMSEResolver) findStudyDate(ctx context.Context, conn *dimse.Association, studyUID string) (string, error) {
	identifier := dimse.Dataset{
		dimse.TagQueryRetrieveLevel: "STUDY",
		dimse.TagStudyInstanceUID:   studyUID,
		dimse.TagStudyDate:          "",
	}

	results, err := conn.CFind(ctx, identifier)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("study date C-FIND failed: %w", err)}
	}
	if len(results) == 0 {
		return "", fmt.Errorf("study %s: %w", studyUID, ErrStudyNotFound)
	}

	date, _ := results[0].GetString(dimse.TagStudyDate)
	if date == "" {
		return "", fmt.Errorf("no StudyDate for study %s", studyUID)
	}
	return date, nil
}

// findImages performs an image-level C-FIND and applies the export skip
// rules: instances without a SOP UID, SR/PR modalities, and instances with
// absent or zero pixel dimensions are not exportable as JPEG.
func (r *DIMSEResolver) findImages(ctx context.Context, conn *dimse.Association, studyUID string) ([]models.ImageRef, error) {
	identifier := dimse.Dataset{
		dimse.TagQueryRetrieveLevel: "IMAGE",
		dimse.TagStudyInstanceUID:   studyUID,
		dimse.TagSeriesInstanceUID:  "",
		dimse.TagSOPInstanceUID:     "",
		dimse.TagInstanceNumber:     "",
		dimse.TagModality:           "",
		dimse.TagRows:               "",
		dimse.TagColumns:            "",
	}

	results, err := conn.CFind(ctx, identifier)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("image C-FIND failed: %w", err)}
	}

	images := make([]models.ImageRef, 0, len(results))
	for _, ds := range results {
		sopUID, _ := ds.GetString(dimse.TagSOPInstanceUID)
		if sopUID == "" {
			log.Warn().Str("study_uid", studyUID).Msg("Skipping instance without SOPInstanceUID")
			continue
		}

		modality, _ := ds.GetString(dimse.TagModality)
		if modality == "SR" || modality == "PR" {
			log.Warn().
				Str("sop_uid", sopUID).
				Str("modality", modality).
				Msg("Skipping non-image instance")
			continue
		}

		rows, rowsOK := ds.GetInt(dimse.TagRows)
		cols, colsOK := ds.GetInt(dimse.TagColumns)
		if !rowsOK || !colsOK || rows == 0 || cols == 0 {
			log.Warn().
				Str("sop_uid", sopUID).
				Int("rows", rows).
				Int("columns", cols).
				Msg("Skipping instance without pixel data")
			continue
		}

		seriesUID, _ := ds.GetString(dimse.TagSeriesInstanceUID)
		instanceNumber, _ := ds.GetInt(dimse.TagInstanceNumber)

		images = append(images, models.ImageRef{
			SeriesUID:      seriesUID,
			SOPInstanceUID: sopUID,
			InstanceNumber: instanceNumber,
		})
	}

	// Stable ordering so repeated builds produce identical archives
	sort.Slice(images, func(i, j int) bool {
		if images[i].SeriesUID != images[j].SeriesUID {
			return images[i].SeriesUID < images[j].SeriesUID
		}
		if images[i].InstanceNumber != images[j].InstanceNumber {
			return images[i].InstanceNumber < images[j].InstanceNumber
		}
		return images[i].SOPInstanceUID < images[j].SOPInstanceUID
	})

	return images, nil
}

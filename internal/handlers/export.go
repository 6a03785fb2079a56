package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/jpeg-export-proxy/internal/export"
	"github.com/otcheredev/jpeg-export-proxy/internal/models"
	"github.com/otcheredev/jpeg-export-proxy/internal/pacs"
	"github.com/otcheredev/jpeg-export-proxy/internal/store"
	"github.com/rs/zerolog/log"
)

// BundleProvider is the coordinator surface the export endpoints use
type BundleProvider interface {
	Obtain(ctx context.Context, studyUID string) (*models.BundleRecord, error)
	Warm(studyUID string)
}

type ExportHandler struct {
	coordinator BundleProvider
	resolver    pacs.Resolver
	store       store.Store
}

func NewExportHandler(coordinator BundleProvider, resolver pacs.Resolver, st store.Store) *ExportHandler {
	return &ExportHandler{
		coordinator: coordinator,
		resolver:    resolver,
		store:       st,
	}
}

// Export serves the JPEG ZIP bundle for a study, building it on demand
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	rec, err := h.coordinator.Obtain(r.Context(), studyUID)
	if err != nil {
		switch {
		case errors.Is(err, pacs.ErrStudyNotFound):
			http.Error(w, "Study not found", http.StatusNotFound)
		case errors.Is(err, export.ErrBuildTimeout):
			w.Header().Set("Retry-After", "30")
			http.Error(w, "Export still in progress", http.StatusServiceUnavailable)
		default:
			log.Error().Err(err).Str("study_uid", studyUID).Msg("Export failed")
			http.Error(w, "Export failed", http.StatusInternalServerError)
		}
		return
	}

	filename := filepath.Base(rec.FilePath)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	http.ServeFile(w, r, rec.FilePath)
}

type checkResponse struct {
	Status    string `json:"status"`
	StudyUID  string `json:"study_uid"`
	Available int    `json:"available_images,omitempty"`
	Expected  int    `json:"expected_images,omitempty"`
}

// Check reports whether a bundle is cached and, when the PACS already holds
// the expected number of images, schedules a background export
func (h *ExportHandler) Check(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	expected, err := strconv.Atoi(chi.URLParam(r, "instanceCount"))
	if err != nil || expected < 1 {
		http.Error(w, "Invalid instance count", http.StatusBadRequest)
		return
	}

	if rec, err := h.store.Lookup(r.Context(), studyUID); err == nil &&
		rec.State == models.BundleReady && !rec.Expired(time.Now()) {
		writeJSON(w, http.StatusOK, checkResponse{Status: "ready", StudyUID: studyUID})
		return
	}

	meta, err := h.resolver.Resolve(r.Context(), studyUID)
	if err != nil {
		if errors.Is(err, pacs.ErrStudyNotFound) {
			http.Error(w, "Study not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Check failed to resolve study")
		http.Error(w, "Failed to query PACS", http.StatusBadGateway)
		return
	}

	if len(meta.Images) < expected {
		// Not all instances have arrived on the PACS yet
		writeJSON(w, http.StatusOK, checkResponse{
			Status:    "incomplete",
			StudyUID:  studyUID,
			Available: len(meta.Images),
			Expected:  expected,
		})
		return
	}

	h.coordinator.Warm(studyUID)
	writeJSON(w, http.StatusAccepted, checkResponse{
		Status:    "scheduled",
		StudyUID:  studyUID,
		Available: len(meta.Images),
		Expected:  expected,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

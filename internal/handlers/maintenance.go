package handlers

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
)

var datePattern = regexp.MustCompile(`^\d{8}$`)

// PrecacheRunner triggers one pre-cache pass for a study date
type PrecacheRunner interface {
	RunOnce(ctx context.Context, date string)
}

// SweepRunner triggers one expiry sweep and reports how many bundles it removed
type SweepRunner interface {
	RunOnce(ctx context.Context) int
}

type MaintenanceHandler struct {
	precacher PrecacheRunner
	sweeper   SweepRunner
}

func NewMaintenanceHandler(precacher PrecacheRunner, sweeper SweepRunner) *MaintenanceHandler {
	return &MaintenanceHandler{
		precacher: precacher,
		sweeper:   sweeper,
	}
}

type precacheResponse struct {
	Status string `json:"status"`
	Date   string `json:"date"`
}

// PrecacheDate starts a pre-cache pass for the given study date (YYYYMMDD)
func (h *MaintenanceHandler) PrecacheDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !datePattern.MatchString(date) {
		http.Error(w, "Date must be YYYYMMDD", http.StatusBadRequest)
		return
	}

	// The pass can take minutes; detach it from the request
	go h.precacher.RunOnce(context.Background(), date)

	writeJSON(w, http.StatusAccepted, precacheResponse{Status: "scheduled", Date: date})
}

// PrecacheToday starts a pre-cache pass for today's studies
func (h *MaintenanceHandler) PrecacheToday(w http.ResponseWriter, r *http.Request) {
	date := time.Now().Format("20060102")

	go h.precacher.RunOnce(context.Background(), date)

	writeJSON(w, http.StatusAccepted, precacheResponse{Status: "scheduled", Date: date})
}

type cleanupResponse struct {
	Status  string `json:"status"`
	Deleted int    `json:"deleted"`
}

// Cleanup runs one expiry sweep synchronously
func (h *MaintenanceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted := h.sweeper.RunOnce(r.Context())

	writeJSON(w, http.StatusOK, cleanupResponse{Status: "ok", Deleted: deleted})
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/tracker"
)

// Tracker is the dose tracker. *tracker.Service satisfies it
type Tracker interface {
	Dashboard(ctx context.Context, userID string) (*tracker.Dashboard, error)
	Notifications(ctx context.Context, userID string) (*tracker.Notifications, error)
	SetStatus(ctx context.Context, userID, identity string, st dose.Status) (dose.StatusMap, error)
	MarkDone(ctx context.Context, userID, identity string) (dose.StatusMap, error)
}

// DoseHandler serves the dashboard and notification endpoints
type DoseHandler struct {
	tracker Tracker
	logger  *zap.Logger
}

// NewDoseHandler creates a new handler
func NewDoseHandler(t Tracker, logger *zap.Logger) *DoseHandler {
	return &DoseHandler{tracker: t, logger: logger}
}

// Routes returns the /doses routes
func (h *DoseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/dashboard", h.Dashboard)
	r.Put("/status", h.SetStatus)
	return r
}

// NotificationRoutes returns the /notifications routes
func (h *DoseHandler) NotificationRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Notifications)
	r.Post("/done", h.MarkDone)
	return r
}

// Dashboard handles GET /doses/dashboard
func (h *DoseHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.tracker.Dashboard(ctx, middleware.GetUserID(ctx))
	if err != nil {
		h.logger.Error("dashboard failed", zap.Error(err))
		jsonError(w, "failed to build dashboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// StatusRequest sets or clears a dose status. A null status clears it
type StatusRequest struct {
	Identity string  `json:"identity"`
	Status   *string `json:"status"`
}

// StatusResponse is the ledger after a change
type StatusResponse struct {
	Statuses dose.StatusMap `json:"statuses"`
}

// SetStatus handles PUT /doses/status
func (h *DoseHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		jsonError(w, "identity is required", http.StatusBadRequest)
		return
	}

	st := dose.StatusNone
	if req.Status != nil {
		parsed, err := dose.ParseStatus(*req.Status)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		st = parsed
	}

	ctx := r.Context()
	statuses, err := h.tracker.SetStatus(ctx, middleware.GetUserID(ctx), req.Identity, st)
	h.respondStatuses(w, statuses, err)
}

// Notifications handles GET /notifications
func (h *DoseHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.tracker.Notifications(ctx, middleware.GetUserID(ctx))
	if err != nil {
		h.logger.Error("notifications failed", zap.Error(err))
		jsonError(w, "failed to load notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DoneRequest marks a notified dose as taken
type DoneRequest struct {
	Identity string `json:"identity"`
}

// MarkDone handles POST /notifications/done
func (h *DoseHandler) MarkDone(w http.ResponseWriter, r *http.Request) {
	var req DoneRequest
	if err := decode(w, r, &req); err != nil || req.Identity == "" {
		jsonError(w, "identity is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	statuses, err := h.tracker.MarkDone(ctx, middleware.GetUserID(ctx), req.Identity)
	h.respondStatuses(w, statuses, err)
}

func (h *DoseHandler) respondStatuses(w http.ResponseWriter, statuses dose.StatusMap, err error) {
	if err != nil {
		if errors.Is(err, tracker.ErrUnknownDose) {
			jsonError(w, "dose is not scheduled today", http.StatusNotFound)
			return
		}
		h.logger.Error("status update failed", zap.Error(err))
		jsonError(w, "failed to update dose status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Statuses: statuses})
}

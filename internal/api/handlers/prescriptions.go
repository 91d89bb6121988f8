package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/extraction"
)

// Prescriptions stores and reads a user's prescriptions.
// *prescription.Repository satisfies it
type Prescriptions interface {
	Create(ctx context.Context, userID string, draft prescription.Draft, correlationID string) (*prescription.Record, error)
	History(ctx context.Context, userID, search string) ([]prescription.Record, error)
	Get(ctx context.Context, userID, id string) (*prescription.Record, error)
}

// CreatedObserver counts saved prescriptions
type CreatedObserver interface {
	ObservePrescriptionCreated()
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	repo     Prescriptions
	observer CreatedObserver
	logger   *zap.Logger
}

// NewPrescriptionHandler creates a new handler. observer may be nil
func NewPrescriptionHandler(repo Prescriptions, observer CreatedObserver, logger *zap.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{repo: repo, observer: observer, logger: logger}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}

// Create handles POST /prescriptions with a confirmed draft
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "create_prescription")
	defer span.End()

	var draft prescription.Draft
	if err := decode(w, r, &draft); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(draft.Medications) == 0 {
		jsonError(w, "at least one medication is required", http.StatusBadRequest)
		return
	}
	for i := range draft.Medications {
		m := &draft.Medications[i]
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			jsonError(w, "medication name is required", http.StatusBadRequest)
			return
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Slots == nil {
			m.Slots = []string{}
		}
		m.Instruction = extraction.NormalizeInstruction(m.Instruction)
	}

	userID := middleware.GetUserID(ctx)
	rec, err := h.repo.Create(ctx, userID, draft, middleware.GetRequestID(ctx))
	if err != nil {
		h.logger.Error("save failed", zap.Error(err))
		jsonError(w, "failed to save prescription", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", rec.ID))
	if h.observer != nil {
		h.observer.ObservePrescriptionCreated()
	}

	h.logger.Info("prescription created",
		zap.String("id", rec.ID),
		zap.String("user_id", userID),
		zap.Int("medications", len(draft.Medications)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusCreated, rec)
}

// List handles GET /prescriptions?search=
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := h.repo.History(ctx, middleware.GetUserID(ctx), r.URL.Query().Get("search"))
	if err != nil {
		h.logger.Error("history failed", zap.Error(err))
		jsonError(w, "failed to load prescriptions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []prescription.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prescriptions": records})
}

// DetailResponse is a stored prescription with its medications decoded
type DetailResponse struct {
	prescription.Record
	Items      []prescription.Medication `json:"items"`
	ParseError string                    `json:"parse_error,omitempty"`
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.repo.Get(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get failed", zap.Error(err))
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	resp := DetailResponse{Record: *rec, Items: []prescription.Medication{}}
	parsed := rec.ParseMedications()
	if parsed.Valid() {
		if parsed.Medications != nil {
			resp.Items = parsed.Medications
		}
	} else {
		resp.ParseError = parsed.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

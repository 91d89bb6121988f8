package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/extraction"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
)

// Extractor reads a prescription image. *extraction.Client satisfies it
type Extractor interface {
	Analyze(ctx context.Context, imageBase64 string) (*prescription.Draft, error)
}

// ExtractionHandler turns uploaded prescription photos into drafts
type ExtractionHandler struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewExtractionHandler creates a new handler
func NewExtractionHandler(extractor Extractor, logger *zap.Logger) *ExtractionHandler {
	return &ExtractionHandler{extractor: extractor, logger: logger}
}

// Routes returns the handler routes
func (h *ExtractionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	return r
}

// ExtractionRequest carries a base64 encoded image
type ExtractionRequest struct {
	Image string `json:"image"`
}

// Create handles POST /extractions
func (h *ExtractionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ExtractionRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	draft, err := h.extractor.Analyze(r.Context(), req.Image)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, draft)
	case errors.Is(err, extraction.ErrEmptyImage):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, extraction.ErrExtractionFailed):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, circuitbreaker.ErrOpen):
		jsonError(w, "extraction service unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("extraction failed", zap.Error(err))
		jsonError(w, "extraction service error", http.StatusBadGateway)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/geoevents/geoevents/internal/aggregation"
	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/failure"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/objectstore"
	"github.com/geoevents/geoevents/internal/scheduler"
	"github.com/geoevents/geoevents/internal/storage"
)

// ProblemDetail represents an RFC 7807 Problem Details structure.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"` //nolint: tagliatelle
	// Category is the failure category for pipeline errors.
	Category string `json:"category,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", middleware.ProblemTypeBase, status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.String("error", err.Error()),
			slog.Int("status", problem.Status),
		)
	}
}

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, detail)
}

// MethodNotAllowed creates a 405 Method Not Allowed problem.
func MethodNotAllowed(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusMethodNotAllowed, detail)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnsupportedMediaType, detail)
}

var (
	notFoundErrors = []error{
		ingestion.ErrNotFound,
		scheduler.ErrNotFound,
		objectstore.ErrNotFound,
	}

	conflictErrors = []error{
		ingestion.ErrStageConflict,
		ingestion.ErrNotAwaitingApproval,
		ingestion.ErrJobActive,
		ingestion.ErrInvalidTransition,
		ingestion.ErrTerminalStateImmutable,
		scheduler.ErrAlreadyRunning,
		storage.ErrAlreadyExists,
	}

	badRequestErrors = []error{
		aggregation.ErrInvalidBounds,
		aggregation.ErrInvalidZoom,
		aggregation.ErrInvalidBuckets,
		aggregation.ErrInvalidFilter,
	}
)

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// ProblemForError maps a service error to a problem. Classified pipeline
// failures map by category; internal errors never expose their message.
func ProblemForError(err error) *ProblemDetail {
	switch {
	case matchesAny(err, notFoundErrors):
		return NotFound(err.Error())
	case matchesAny(err, conflictErrors):
		return NewProblemDetail(http.StatusConflict, err.Error())
	case matchesAny(err, badRequestErrors):
		return BadRequest(err.Error())
	case errors.Is(err, scheduler.ErrInvalidWebhookToken):
		return NewProblemDetail(http.StatusUnauthorized, err.Error())
	case errors.Is(err, scheduler.ErrWebhookDisabled):
		return NewProblemDetail(http.StatusForbidden, err.Error())
	}

	var classified *failure.Error
	if !errors.As(err, &classified) {
		return InternalServerError("An unexpected error occurred while processing the request")
	}

	var problem *ProblemDetail

	switch classified.Category {
	case failure.Quota:
		problem = NewProblemDetail(http.StatusTooManyRequests, err.Error())
	case failure.Validation:
		problem = NewProblemDetail(http.StatusUnprocessableEntity, err.Error())
	case failure.Configuration:
		problem = InternalServerError(err.Error())
	default:
		problem = NewProblemDetail(http.StatusServiceUnavailable, "A dependency is temporarily unavailable, retry later")
	}

	problem.Category = string(classified.Category)

	return problem
}

// writeServiceError logs unexpected failures and writes the mapped problem.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	problem := ProblemForError(err)

	if problem.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	WriteErrorResponse(w, r, s.logger, problem)
}

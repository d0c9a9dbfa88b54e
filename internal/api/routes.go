package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/geoevents/geoevents/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeJSON        = "application/json"
	contentTypeProblemJSON = "application/problem+json"
	serviceName            = "geoevents"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route is a mux pattern and its handler.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // status, uptime, version
		Route{"/", s.handleNotFound},
	)

	if s.events != nil {
		s.registerRoutes(mux, middleware.PermissionEventsRead,
			Route{"GET /api/v1/events/clusters", s.handleClusters},
			Route{"GET /api/v1/events/histogram", s.handleHistogram},
		)
	}

	if s.imports != nil {
		s.registerRoutes(mux, middleware.PermissionImportsWrite,
			Route{"POST /api/v1/imports", s.handleCreateImport},
			Route{"POST /api/v1/import-jobs/{id}/cancel", s.handleCancelJob},
			Route{"POST /api/v1/import-jobs/{id}/requeue", s.handleRequeueJob},
			Route{"DELETE /api/v1/import-jobs/{id}", s.handleDeleteJob},
		)
		s.registerRoutes(mux, middleware.PermissionImportsRead,
			Route{"GET /api/v1/import-jobs/{id}", s.handleGetJob},
		)
		s.registerRoutes(mux, middleware.PermissionImportsApprove,
			Route{"POST /api/v1/import-jobs/{id}/approve", s.handleApproveJob},
			Route{"POST /api/v1/import-jobs/{id}/reject", s.handleRejectJob},
		)
		s.registerRoutes(mux, middleware.PermissionDatasetsDelete,
			Route{"DELETE /api/v1/datasets/{id}", s.handleDeleteDataset},
		)
	}

	if s.schedules != nil {
		s.registerRoutes(mux, middleware.PermissionSchedulesWrite,
			Route{"POST /api/v1/scheduled-imports", s.handleCreateSchedule},
		)
		s.registerRoutes(mux, middleware.PermissionSchedulesRun,
			Route{"POST /api/v1/scheduled-imports/{id}/trigger", s.handleTriggerSchedule},
		)
		s.registerRoutes(mux, middleware.PermissionImportsRead,
			Route{"GET /api/v1/scheduled-imports/{id}/executions", s.handleScheduleHistory},
		)
		// Authenticated by the schedule's webhook token instead of an API key.
		s.registerPublicRoutes(mux,
			Route{"POST /api/v1/webhooks/scheduled-imports/{id}", s.handleWebhook},
		)
	}
}

// registerRoutes registers routes that require permission. Without a key
// store there is no account context and the permission check is skipped.
func (s *Server) registerRoutes(mux *http.ServeMux, permission string, routes ...Route) {
	for _, route := range routes {
		handler := route.Handler
		if s.keys != nil {
			handler = middleware.RequirePermission(permission, s.logger, handler)
		}

		mux.Handle(route.Path, handler)
	}
}

// registerPublicRoutes registers routes that bypass API key authentication.
// Only health probes and token-authenticated webhooks belong here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// "GET /ping" is matched against r.URL.Path, which has no method.
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Geoevents-Version", s.config.Version)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady returns 503 while the database is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Warn("Readiness check failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusServiceUnavailable, "Database is not reachable"))

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     s.config.Version,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType reports whether the request declares a JSON body.
func hasJSONContentType(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))

	return err == nil && mediaType == contentTypeJSON
}

// decodeOptionalJSON decodes a JSON body into dst. An empty body leaves dst
// unchanged. A problem is written and false returned on failure.
func (s *Server) decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}

	if !hasJSONContentType(r) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return false
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusRequestEntityTooLarge, err.Error()))

		return false
	}

	WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON body: "+err.Error()))

	return false
}

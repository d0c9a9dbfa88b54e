package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/retry"
	"github.com/geoevents/geoevents/internal/scheduler"
)

const (
	webhookTokenHeader = "X-Webhook-Token"
	maxHistoryLimit    = 500
)

type (
	// CreateScheduleRequest is the body of POST /api/v1/scheduled-imports.
	CreateScheduleRequest struct {
		Name           string                 `json:"name"`
		AccountID      string                 `json:"accountId,omitempty"`
		URL            string                 `json:"url"`
		Auth           scheduler.AuthConfig   `json:"auth"`
		Frequency      scheduler.Frequency    `json:"frequency,omitempty"`
		CronExpression string                 `json:"cronExpression,omitempty"`
		Mode           scheduler.MappingMode  `json:"mode,omitempty"`
		DatasetID      string                 `json:"datasetId,omitempty"`
		SheetDatasets  map[int]string         `json:"sheetDatasets,omitempty"`
		Retry          *retry.Policy          `json:"retry,omitempty"`
		Cache          *scheduler.CachePolicy `json:"cache,omitempty"`
		WebhookEnabled bool                   `json:"webhookEnabled"`
		Enabled        *bool                  `json:"enabled,omitempty"`
	}

	// ScheduleResponse never carries source credentials. WebhookToken is only
	// present in the creation response.
	ScheduleResponse struct {
		*scheduler.Schedule
		WebhookToken string `json:"webhookToken,omitempty"`
	}

	// HistoryResponse is the body of the executions route.
	HistoryResponse struct {
		ScheduleID string                 `json:"scheduleId"`
		Executions []*scheduler.Execution `json:"executions"`
	}
)

func (req *CreateScheduleRequest) schedule(accountID string) *scheduler.Schedule {
	sched := &scheduler.Schedule{
		Name:           req.Name,
		AccountID:      accountID,
		URL:            req.URL,
		Auth:           req.Auth,
		Frequency:      req.Frequency,
		CronExpression: req.CronExpression,
		Mode:           req.Mode,
		DatasetID:      req.DatasetID,
		SheetDatasets:  req.SheetDatasets,
		WebhookEnabled: req.WebhookEnabled,
		Cache:          scheduler.DefaultCachePolicy(),
		Enabled:        true,
	}

	if req.Retry != nil {
		sched.Retry = *req.Retry
	}

	if req.Cache != nil {
		sched.Cache = *req.Cache
	}

	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if sched.Auth.Type == "" {
		sched.Auth.Type = scheduler.AuthNone
	}

	return sched
}

func redactSchedule(sched *scheduler.Schedule) *scheduler.Schedule {
	out := *sched
	out.Auth = scheduler.AuthConfig{
		Type:       sched.Auth.Type,
		HeaderName: sched.Auth.HeaderName,
		Username:   sched.Auth.Username,
	}

	return &out
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body CreateScheduleRequest
	if !s.decodeOptionalJSON(w, r, &body) {
		return
	}

	accountID, _, authenticated := caller(r, body.AccountID)

	if authenticated {
		datasets := append([]string{body.DatasetID}, mapValues(body.SheetDatasets)...)
		for _, datasetID := range datasets {
			if datasetID != "" && !s.ownsDataset(w, r, datasetID, accountID) {
				return
			}
		}
	}

	sched := body.schedule(accountID)

	token, err := s.schedules.Create(r.Context(), sched)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	s.logger.Info("Scheduled import created",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("schedule_id", sched.ID),
		slog.String("account_id", accountID),
		slog.Bool("webhook_enabled", sched.WebhookEnabled),
	)

	s.writeJSON(w, r, http.StatusCreated, ScheduleResponse{Schedule: redactSchedule(sched), WebhookToken: token})
}

// ownedSchedule loads the schedule of the {id} path value, hiding schedules
// of other accounts.
func (s *Server) ownedSchedule(w http.ResponseWriter, r *http.Request) (*scheduler.Schedule, bool) {
	sched, err := s.schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)

		return nil, false
	}

	if !owns(r, sched.AccountID) {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("schedule %s: %s", sched.ID, scheduler.ErrNotFound)))

		return nil, false
	}

	return sched, true
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.ownedSchedule(w, r)
	if !ok {
		return
	}

	_, actor, _ := caller(r, "")

	exec, err := s.schedules.Trigger(r.Context(), sched.ID, actor)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, exec)
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.ownedSchedule(w, r)
	if !ok {
		return
	}

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			WriteErrorResponse(w, r, s.logger,
				BadRequest(fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit)))

			return
		}

		limit = n
	}

	executions, err := s.schedules.History(r.Context(), sched.ID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	if executions == nil {
		executions = []*scheduler.Execution{}
	}

	s.writeJSON(w, r, http.StatusOK, HistoryResponse{ScheduleID: sched.ID, Executions: executions})
}

// handleWebhook is public; the per-schedule token authenticates the call.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(webhookTokenHeader))
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token == "" {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnauthorized, "Missing webhook token"))

		return
	}

	exec, err := s.schedules.TriggerWebhook(r.Context(), r.PathValue("id"), token)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, exec)
}

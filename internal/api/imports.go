package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/schema"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// anonymousActor attributes actions when authentication is disabled.
const anonymousActor = "anonymous"

type (
	// CreateImportResponse is the body of POST /api/v1/imports.
	CreateImportResponse struct {
		File *ingestion.ImportFile  `json:"file"`
		Jobs []*ingestion.ImportJob `json:"jobs"`
	}

	// ApproveRequest is the optional body of the approve route.
	ApproveRequest struct {
		Transforms []schema.Transform `json:"transforms,omitempty"`
	}

	// RejectRequest is the optional body of the reject route.
	RejectRequest struct {
		Reason string `json:"reason,omitempty"`
	}
)

var errNotOwned = errors.New("resource belongs to another account")

// caller returns the account and actor of the request. Without
// authentication the account comes from fallbackAccount.
func caller(r *http.Request, fallbackAccount string) (accountID, actor string, authenticated bool) {
	if account, ok := middleware.GetAccountContext(r.Context()); ok {
		return account.AccountID, account.Actor(), true
	}

	return fallbackAccount, anonymousActor, false
}

// owns reports whether the request may act on a resource of accountID.
func owns(r *http.Request, accountID string) bool {
	account, ok := middleware.GetAccountContext(r.Context())

	return !ok || account.AccountID == accountID
}

// handleCreateImport accepts a multipart upload with a "file" part and either
// a "datasetId" field or a "sheetDatasets" JSON object mapping sheet indexes
// to dataset ids.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusRequestEntityTooLarge, err.Error()))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Expected a multipart/form-data upload: "+err.Error()))

		return
	}

	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing file part"))

		return
	}

	defer func() {
		_ = file.Close()
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read upload: "+err.Error()))

		return
	}

	sheetDatasets, err := parseSheetDatasets(r.FormValue("sheetDatasets"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	accountID, actor, authenticated := caller(r, r.FormValue("accountId"))

	for _, datasetID := range append([]string{r.FormValue("datasetId")}, mapValues(sheetDatasets)...) {
		if datasetID == "" {
			continue
		}

		if authenticated && !s.ownsDataset(w, r, datasetID, accountID) {
			return
		}
	}

	importFile, jobs, err := s.imports.CreateImport(r.Context(), &ingestion.CreateImportRequest{
		AccountID:     accountID,
		DatasetID:     r.FormValue("datasetId"),
		SheetDatasets: sheetDatasets,
		Filename:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Data:          data,
		Actor:         actor,
	})
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	s.logger.Info("Import accepted",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("account_id", accountID),
		slog.String("file_id", importFile.ID),
		slog.Int("jobs", len(jobs)),
	)

	s.writeJSON(w, r, http.StatusAccepted, CreateImportResponse{File: importFile, Jobs: jobs})
}

func parseSheetDatasets(raw string) (map[int]string, error) {
	if raw == "" {
		return nil, nil
	}

	var byName map[string]string
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		return nil, fmt.Errorf("sheetDatasets must be a JSON object: %w", err)
	}

	out := make(map[int]string, len(byName))

	for key, datasetID := range byName {
		index, err := strconv.Atoi(key)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("sheetDatasets key %q is not a sheet index", key)
		}

		out[index] = datasetID
	}

	return out, nil
}

func mapValues(m map[int]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}

	return out
}

// ownsDataset writes a 404 when the dataset is missing or owned by another
// account.
func (s *Server) ownsDataset(w http.ResponseWriter, r *http.Request, datasetID, accountID string) bool {
	ds, err := s.imports.Dataset(r.Context(), datasetID)
	if err != nil {
		s.writeServiceError(w, r, err)

		return false
	}

	if ds.AccountID != accountID {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("dataset %s: %s", datasetID, ingestion.ErrNotFound)))

		return false
	}

	return true
}

// ownedJob loads the job of the {id} path value, hiding jobs of other accounts.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*ingestion.ImportJob, bool) {
	job, err := s.imports.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)

		return nil, false
	}

	if !owns(r, job.AccountID) {
		s.logger.Warn("Cross-account job access rejected",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("job_id", job.ID),
			slog.String("error", errNotOwned.Error()),
		)

		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("job %s: %s", job.ID, ingestion.ErrNotFound)))

		return nil, false
	}

	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, job)
}

func (s *Server) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	var body ApproveRequest
	if !s.decodeOptionalJSON(w, r, &body) {
		return
	}

	s.jobAction(w, r, func(jobID, actor string) (*ingestion.ImportJob, error) {
		return s.imports.Approve(r.Context(), jobID, actor, body.Transforms)
	})
}

func (s *Server) handleRejectJob(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if !s.decodeOptionalJSON(w, r, &body) {
		return
	}

	s.jobAction(w, r, func(jobID, actor string) (*ingestion.ImportJob, error) {
		return s.imports.Reject(r.Context(), jobID, actor, body.Reason)
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(jobID, actor string) (*ingestion.ImportJob, error) {
		return s.imports.Cancel(r.Context(), jobID, actor)
	})
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(jobID, actor string) (*ingestion.ImportJob, error) {
		return s.imports.Requeue(r.Context(), jobID, actor)
	})
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(jobID, actor string) (*ingestion.ImportJob, error)) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	_, actor, _ := caller(r, "")

	updated, err := action(job.ID, actor)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, updated)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	_, actor, _ := caller(r, "")

	if err := s.imports.Delete(r.Context(), job.ID, actor); err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("id")
	accountID, actor, authenticated := caller(r, "")

	if authenticated && !s.ownsDataset(w, r, datasetID, accountID) {
		return
	}

	if err := s.imports.DeleteDataset(r.Context(), datasetID, actor); err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

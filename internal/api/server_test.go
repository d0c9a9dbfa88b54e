package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/objectstore"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/scheduler"
	"github.com/geoevents/geoevents/internal/storage"
)

const (
	ownAccount   = "acct-1"
	otherAccount = "acct-2"
	ownDataset   = "ds-own"
	otherDataset = "ds-other"
	sampleCSV    = "title,date,latitude,longitude\nConcert,2024-05-01,52.52,13.40\nMarket,2024-05-02,48.85,2.35\n"
)

type testEnv struct {
	handler http.Handler
	store   *storage.MemoryStore
	keys    *storage.InMemoryKeyStore
}

type envOptions struct {
	noAuth bool
	quota  func(usage quota.Usage) quota.Checker
	health HealthChecker
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelInfo,
		MaxRequestSize:  1 << 16,
		MaxUploadSize:   1 << 20,
		Version:         "test",
		CORS: middleware.CORSPolicy{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         time.Minute,
		},
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	logger := discardLogger()

	require.NoError(t, store.CreateCatalog(ctx, &ingestion.Catalog{ID: "cat-1", Name: "Cultural"}))

	for id, account := range map[string]string{ownDataset: ownAccount, otherDataset: otherAccount} {
		require.NoError(t, store.CreateDataset(ctx, &ingestion.Dataset{
			ID: id, CatalogID: "cat-1", Name: id, AccountID: account,
		}))
	}

	serviceOpts := []ingestion.ServiceOption{ingestion.WithServiceLogger(logger)}
	if opts.quota != nil {
		serviceOpts = append(serviceOpts, ingestion.WithServiceQuota(opts.quota(store)))
	}

	imports := ingestion.NewService(store, objectstore.NewMemoryStore(), nil, serviceOpts...)
	schedules := scheduler.New(store, imports, nil, scheduler.WithLogger(logger))

	deps := Dependencies{
		Imports:   imports,
		Schedules: schedules,
		Events:    store,
		Health:    opts.health,
		Logger:    logger,
	}

	env := &testEnv{store: store}

	if !opts.noAuth {
		env.keys = storage.NewInMemoryKeyStore()
		deps.Keys = env.keys
	}

	env.handler = NewServer(testConfig(), deps).Handler()

	return env
}

func (e *testEnv) addKey(t *testing.T, account string, permissions ...string) string {
	t.Helper()

	key, err := storage.GenerateAPIKey(account)
	require.NoError(t, err)

	require.NoError(t, e.keys.Add(context.Background(), &storage.Key{
		ID:          "key-" + account + "-" + strings.Join(permissions, "-"),
		Key:         key,
		AccountID:   account,
		Name:        "test key",
		Permissions: permissions,
		CreatedAt:   time.Now(),
		Active:      true,
	}))

	return key
}

func (e *testEnv) do(t *testing.T, method, target, key string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func (e *testEnv) upload(t *testing.T, key string, fields map[string]string, filename, content string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}

	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)

		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return e.do(t, http.MethodPost, "/api/v1/imports", key, &buf, writer.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())

	return out
}

func requireProblem(t *testing.T, rec *httptest.ResponseRecorder, status int) ProblemDetail {
	t.Helper()

	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))

	problem := decode[ProblemDetail](t, rec)
	assert.Equal(t, status, problem.Status)
	assert.NotEmpty(t, problem.CorrelationID)

	return problem
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("connection refused") }

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/ping", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, "test", rec.Header().Get("X-Geoevents-Version"))

	rec = env.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[HealthStatus](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, serviceName, health.ServiceName)

	rec = env.do(t, http.MethodGet, "/ready", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	unhealthy := newTestEnv(t, envOptions{health: failingHealth{}})
	requireProblem(t, unhealthy.do(t, http.MethodGet, "/ready", "", nil, ""), http.StatusServiceUnavailable)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{noAuth: true})

	requireProblem(t, env.do(t, http.MethodGet, "/nope", "", nil, ""), http.StatusNotFound)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	reader := env.addKey(t, ownAccount, middleware.PermissionEventsRead)

	clusters := "/api/v1/events/clusters?north=60&south=40&east=20&west=-10&zoom=4"

	requireProblem(t, env.do(t, http.MethodGet, clusters, "", nil, ""), http.StatusUnauthorized)
	requireProblem(t, env.do(t, http.MethodGet, clusters, "gev_bogus", nil, ""), http.StatusUnauthorized)

	rec := env.do(t, http.MethodGet, clusters, reader, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[ClustersResponse](t, rec)
	assert.Equal(t, 4, body.Zoom)
	assert.NotNil(t, body.Clusters)

	requireProblem(t, env.do(t, http.MethodGet, "/api/v1/import-jobs/job-1", reader, nil, ""), http.StatusForbidden)
}

func TestPreflightSkipsAuthentication(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events/clusters", nil)
	req.Header.Set("Origin", "https://map.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/events/clusters", nil)
	req.Header.Set("Origin", "https://map.example.org")

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	requireProblem(t, rec, http.StatusUnauthorized)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEvents_InvalidParameters(t *testing.T) {
	env := newTestEnv(t, envOptions{noAuth: true})

	requireProblem(t, env.do(t, http.MethodGet, "/api/v1/events/clusters?zoom=4", "", nil, ""), http.StatusBadRequest)

	rec := env.do(t, http.MethodGet, "/api/v1/events/histogram", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"buckets":[]`)
}

func TestImportLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	writer := env.addKey(t, ownAccount, middleware.PermissionImportsWrite, middleware.PermissionImportsRead)
	approver := env.addKey(t, ownAccount, middleware.PermissionImportsApprove)

	rec := env.upload(t, writer, map[string]string{"datasetId": ownDataset}, "events.csv", sampleCSV)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	created := decode[CreateImportResponse](t, rec)
	require.Len(t, created.Jobs, 1)
	assert.Equal(t, ownAccount, created.File.AccountID)
	assert.Equal(t, 2, created.Jobs[0].RowCount)

	jobPath := "/api/v1/import-jobs/" + created.Jobs[0].ID

	rec = env.do(t, http.MethodGet, jobPath, writer, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ingestion.StageAnalyzeDuplicates, decode[ingestion.ImportJob](t, rec).Stage)

	requireProblem(t, env.do(t, http.MethodDelete, jobPath, writer, nil, ""), http.StatusConflict)
	requireProblem(t, env.do(t, http.MethodPost, jobPath+"/approve", approver, nil, ""), http.StatusConflict)
	requireProblem(t, env.do(t, http.MethodPost, jobPath+"/reject", approver,
		strings.NewReader(`{"reason":"wrong source"}`), contentTypeJSON), http.StatusConflict)

	rec = env.do(t, http.MethodPost, jobPath+"/cancel", writer, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cancelled := decode[ingestion.ImportJob](t, rec)
	assert.Equal(t, ingestion.StageFailed, cancelled.Stage)
	assert.Contains(t, cancelled.LastError, "test key")

	requireProblem(t, env.do(t, http.MethodPost, jobPath+"/cancel", writer, nil, ""), http.StatusConflict)

	rec = env.do(t, http.MethodPost, jobPath+"/requeue", writer, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ingestion.StageAnalyzeDuplicates, decode[ingestion.ImportJob](t, rec).Stage)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, jobPath+"/cancel", writer, nil, "").Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, jobPath, writer, nil, "").Code)

	requireProblem(t, env.do(t, http.MethodGet, jobPath, writer, nil, ""), http.StatusNotFound)
}

func TestCreateImport_Rejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	writer := env.addKey(t, ownAccount, middleware.PermissionImportsWrite)

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		content  string
		status   int
	}{
		{"missing file", map[string]string{"datasetId": ownDataset}, "", "", http.StatusBadRequest},
		{"missing dataset", nil, "events.csv", sampleCSV, http.StatusUnprocessableEntity},
		{"unknown dataset", map[string]string{"datasetId": "ds-missing"}, "events.csv", sampleCSV, http.StatusNotFound},
		{"other account's dataset", map[string]string{"datasetId": otherDataset}, "events.csv", sampleCSV, http.StatusNotFound},
		{"bad sheet mapping", map[string]string{"sheetDatasets": `{"first":"ds-own"}`}, "events.csv", sampleCSV, http.StatusBadRequest},
		{"unparseable file", map[string]string{"datasetId": ownDataset}, "events.json", "{broken", http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(t, writer, tt.fields, tt.filename, tt.content)
			requireProblem(t, rec, tt.status)
		})
	}

	requireProblem(t, env.do(t, http.MethodPost, "/api/v1/imports", writer,
		strings.NewReader("{}"), contentTypeJSON), http.StatusBadRequest)
}

func TestCreateImport_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, envOptions{quota: func(usage quota.Usage) quota.Checker {
		return quota.NewStaticChecker(quota.Limits{MaxActiveJobs: 1}, usage)
	}})
	writer := env.addKey(t, ownAccount, middleware.PermissionImportsWrite)

	rec := env.upload(t, writer, map[string]string{"datasetId": ownDataset}, "events.csv", sampleCSV)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	problem := requireProblem(t, env.upload(t, writer, map[string]string{"datasetId": ownDataset}, "events.csv", sampleCSV),
		http.StatusTooManyRequests)
	assert.Equal(t, "quota", problem.Category)
}

func TestCrossAccountAccess(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	owner := env.addKey(t, ownAccount, storage.PermissionAll)
	intruder := env.addKey(t, otherAccount, storage.PermissionAll)

	rec := env.upload(t, owner, map[string]string{"datasetId": ownDataset}, "events.csv", sampleCSV)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	jobPath := "/api/v1/import-jobs/" + decode[CreateImportResponse](t, rec).Jobs[0].ID

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, jobPath},
		{http.MethodPost, jobPath + "/cancel"},
		{http.MethodPost, jobPath + "/approve"},
		{http.MethodDelete, jobPath},
		{http.MethodDelete, "/api/v1/datasets/" + ownDataset},
	} {
		requireProblem(t, env.do(t, tc.method, tc.path, intruder, nil, ""), http.StatusNotFound)
	}

	rec = env.do(t, http.MethodGet, jobPath, owner, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ingestion.StageAnalyzeDuplicates, decode[ingestion.ImportJob](t, rec).Stage)
}

func TestDeleteDataset(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	admin := env.addKey(t, ownAccount, middleware.PermissionDatasetsDelete, middleware.PermissionImportsWrite)

	path := "/api/v1/datasets/" + ownDataset

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, path, admin, nil, "").Code)
	requireProblem(t, env.do(t, http.MethodDelete, path, admin, nil, ""), http.StatusNotFound)

	rec := env.upload(t, admin, map[string]string{"datasetId": ownDataset}, "events.csv", sampleCSV)
	requireProblem(t, rec, http.StatusNotFound)
}

func TestWithoutAuthentication(t *testing.T) {
	env := newTestEnv(t, envOptions{noAuth: true})

	rec := env.upload(t, "", map[string]string{"datasetId": otherDataset, "accountId": otherAccount}, "events.csv", sampleCSV)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	job := decode[CreateImportResponse](t, rec).Jobs[0]
	assert.Equal(t, otherAccount, job.AccountID)

	rec = env.do(t, http.MethodPost, "/api/v1/import-jobs/"+job.ID+"/cancel", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled by "+anonymousActor, decode[ingestion.ImportJob](t, rec).LastError)
}

func TestDecodeOptionalJSON(t *testing.T) {
	env := newTestEnv(t, envOptions{noAuth: true})
	path := "/api/v1/import-jobs/unknown/reject"

	requireProblem(t, env.do(t, http.MethodPost, path, "", strings.NewReader(`reason=x`), "text/plain"),
		http.StatusUnsupportedMediaType)
	requireProblem(t, env.do(t, http.MethodPost, path, "", strings.NewReader(`{"reason":`), contentTypeJSON),
		http.StatusBadRequest)
	requireProblem(t, env.do(t, http.MethodPost, path, "", strings.NewReader(`{"why":"x"}`), contentTypeJSON),
		http.StatusBadRequest)

	huge := `{"reason":"` + strings.Repeat("x", int(testConfig().MaxRequestSize)) + `"}`
	requireProblem(t, env.do(t, http.MethodPost, path, "", strings.NewReader(huge), contentTypeJSON),
		http.StatusRequestEntityTooLarge)

	requireProblem(t, env.do(t, http.MethodPost, path, "", nil, ""), http.StatusNotFound)
}

func csvSource(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(sampleCSV))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func createScheduleBody(url, datasetID string, webhook bool) io.Reader {
	body, _ := json.Marshal(CreateScheduleRequest{
		Name:           "nightly feed",
		URL:            url,
		Auth:           scheduler.AuthConfig{Type: scheduler.AuthBearer, Token: "source-secret"},
		Frequency:      scheduler.FrequencyDaily,
		DatasetID:      datasetID,
		WebhookEnabled: webhook,
	})

	return bytes.NewReader(body)
}

func TestScheduledImports(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	key := env.addKey(t, ownAccount,
		middleware.PermissionSchedulesWrite, middleware.PermissionSchedulesRun, middleware.PermissionImportsRead)
	source := csvSource(t)

	rec := env.do(t, http.MethodPost, "/api/v1/scheduled-imports", key,
		createScheduleBody(source.URL+"/events.csv", ownDataset, true), contentTypeJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "source-secret")

	created := decode[ScheduleResponse](t, rec)
	require.NotEmpty(t, created.WebhookToken)
	assert.Equal(t, ownAccount, created.AccountID)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.NextRunAt)

	schedulePath := "/api/v1/scheduled-imports/" + created.ID
	webhookPath := "/api/v1/webhooks/scheduled-imports/" + created.ID

	t.Run("manual trigger", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, schedulePath+"/trigger", key, nil, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		exec := decode[scheduler.Execution](t, rec)
		assert.Equal(t, scheduler.StatusSuccess, exec.Status, exec.Error)
		assert.NotEmpty(t, exec.ImportFileID)
		assert.Contains(t, exec.Actor, "test key")
	})

	t.Run("webhook token", func(t *testing.T) {
		requireProblem(t, env.do(t, http.MethodPost, webhookPath, "", nil, ""), http.StatusUnauthorized)
		requireProblem(t, env.do(t, http.MethodPost, webhookPath+"?token=wrong", "", nil, ""), http.StatusUnauthorized)

		req := httptest.NewRequest(http.MethodPost, webhookPath, nil)
		req.Header.Set(webhookTokenHeader, created.WebhookToken)

		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, scheduler.ActorWebhook, decode[scheduler.Execution](t, rec).Actor)
	})

	t.Run("history", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, schedulePath+"/executions?limit=10", key, nil, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		history := decode[HistoryResponse](t, rec)
		assert.Equal(t, created.ID, history.ScheduleID)
		assert.Len(t, history.Executions, 2)

		requireProblem(t, env.do(t, http.MethodGet, schedulePath+"/executions?limit=0", key, nil, ""),
			http.StatusBadRequest)
	})

	t.Run("other account", func(t *testing.T) {
		intruder := env.addKey(t, otherAccount, storage.PermissionAll)

		requireProblem(t, env.do(t, http.MethodPost, schedulePath+"/trigger", intruder, nil, ""), http.StatusNotFound)
		requireProblem(t, env.do(t, http.MethodGet, schedulePath+"/executions", intruder, nil, ""), http.StatusNotFound)
	})
}

func TestScheduledImports_Rejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	key := env.addKey(t, ownAccount, middleware.PermissionSchedulesWrite)
	source := csvSource(t)

	requireProblem(t, env.do(t, http.MethodPost, "/api/v1/scheduled-imports", key,
		createScheduleBody("", ownDataset, false), contentTypeJSON), http.StatusUnprocessableEntity)
	requireProblem(t, env.do(t, http.MethodPost, "/api/v1/scheduled-imports", key,
		createScheduleBody(source.URL, otherDataset, false), contentTypeJSON), http.StatusNotFound)

	rec := env.do(t, http.MethodPost, "/api/v1/scheduled-imports", key,
		createScheduleBody(source.URL, ownDataset, false), contentTypeJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[ScheduleResponse](t, rec)
	assert.Empty(t, created.WebhookToken)

	requireProblem(t, env.do(t, http.MethodPost, "/api/v1/webhooks/scheduled-imports/"+created.ID+"?token=abc", "", nil, ""),
		http.StatusForbidden)
	requireProblem(t, env.do(t, http.MethodPost, "/api/v1/webhooks/scheduled-imports/missing?token=abc", "", nil, ""),
		http.StatusNotFound)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/pipeline"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/runstore"
)

type fakeSolver struct{ n int }

func (f *fakeSolver) SolveSampleSize(context.Context, float64, float64, float64, string) (int, error) {
	return f.n, nil
}
func (f *fakeSolver) CVFromCI(context.Context, float64, float64, int, string) (float64, error) {
	return 0, nil
}
func (f *fakeSolver) Health(context.Context) error { return nil }

func newTestServer(t *testing.T) (*server, *chi.Mux) {
	t.Helper()

	rules, err := config.LoadRules("../rules")
	require.NoError(t, err)

	testCfg := &config.Config{
		Stats: config.StatsConfig{Power: 0.80, Alpha: 0.05, Dropout: 0.10, ScreenFail: 0.20},
		Risk: config.RiskConfig{
			Samples: 500, TargetProbability: 0.80,
			NMin: 12, NMax: 120, NStep: 2,
		},
	}

	st, err := runstore.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	solver := &fakeSolver{n: 24}
	s := &server{
		pipeline: pipeline.New(testCfg, rules, solver),
		store:    st,
		solver:   solver,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/v1/plan", s.handlePlan)
	r.Get("/v1/runs", s.handleListRuns)
	r.Get("/v1/runs/{id}", s.handleGetRun)
	return s, r
}

func planBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	v := 22.0
	auc := 120.0
	cmax := 42.0
	req := model.PlanRequest{
		Drug: "ibuprofen",
		Measurements: []model.Measurement{
			{Parameter: model.ParamAUC0t, Value: &auc, Unit: "ng*h/mL", SourceID: "s1", Excerpt: "t2"},
			{Parameter: model.ParamCmax, Value: &cmax, Unit: "ng/mL", SourceID: "s1", Excerpt: "t2"},
			{Parameter: model.ParamCVIntra, Value: &v, Unit: "%", SourceID: "s1", Excerpt: "cv"},
		},
		CVConfirmed: true,
	}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(req))
	return &buf
}

func TestServePlanEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plan", planBody(t)))

	require.Equal(t, http.StatusOK, rec.Code)

	var rep model.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.NotEmpty(t, rep.RunID)
	require.NotNil(t, rep.SampleSize.Deterministic)
	assert.Equal(t, 24, rep.SampleSize.Deterministic.NTotal)
}

func TestServePlanPersistsRun(t *testing.T) {
	s, r := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plan", planBody(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	runs, err := s.store.ListRuns(context.Background(), runstore.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunComplete, runs[0].Status)

	// The stored run is retrievable over the API with its report attached.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runs[0].ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotNil(t, run.Report)
	assert.Equal(t, "ibuprofen", run.Report.Drug)
}

func TestServePlanRejectsMissingDrug(t *testing.T) {
	_, r := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plan", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeStrictRejectionIs422(t *testing.T) {
	s, r := newTestServer(t)

	body, err := json.Marshal(model.PlanRequest{Drug: "unknownium", Strict: true})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plan", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Status   string   `json:"status"`
		RunID    string   `json:"run_id"`
		Blockers []string `json:"blockers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rejected", resp.Status)
	assert.Contains(t, resp.Blockers, "missing_primary_endpoints")

	run, err := s.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRejected, run.Status)
}

func TestServeGetRunNotFound(t *testing.T) {
	_, r := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHealth(t *testing.T) {
	_, r := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["solver"])
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := rateLimit(rate.Limit(1), 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	get := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1:1111"))
	// The client's single token is spent; its immediate follow-up is
	// throttled even from a different source port.
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:2222"))
	// A different client holds its own bucket.
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1111"))
}

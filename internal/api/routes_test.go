package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patchmap/server/internal/cache"
	"github.com/patchmap/server/internal/data/matrix"
	"github.com/patchmap/server/internal/integrate"
	"github.com/patchmap/server/internal/jobstore"
	"github.com/patchmap/server/internal/service"
)

func testPair(t *testing.T) *service.DatasetPair {
	t.Helper()

	refExpr, err := matrix.New(
		[]string{"Pvalb", "Sst"},
		[]string{"r0", "r1", "r2", "r3"},
		[][]float64{
			{5, 5, 0, 0},
			{0, 0, 5, 5},
		},
	)
	if err != nil {
		t.Fatalf("reference matrix: %v", err)
	}
	queryExpr, err := matrix.New(
		[]string{"Pvalb", "Sst"},
		[]string{"q0", "q1"},
		[][]float64{
			{5, 0},
			{0, 5},
		},
	)
	if err != nil {
		t.Fatalf("query matrix: %v", err)
	}

	return &service.DatasetPair{
		ID: "mouse_v1",
		Reference: &integrate.Dataset{
			Name: "mouse_v1/reference",
			Expr: refExpr,
			Labels: map[string]string{
				"r0": "Pvalb", "r1": "Pvalb", "r2": "Sst", "r3": "Sst",
			},
		},
		Query: &integrate.Dataset{
			Name: "mouse_v1/query",
			Expr: queryExpr,
		},
		Defaults: integrate.DefaultParams(),
	}
}

func testRouter(t *testing.T) *chi.Mux {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: 8,
		ResultTTL:         1 * time.Minute,
		QueryCacheSize:    10,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	t.Cleanup(jm.Stop)

	registry := NewDatasetRegistry("mouse_v1", []string{"mouse_v1"}, "")
	registry.Register("mouse_v1", testPair(t))

	return NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
		Cache:       cacheManager,
	})
}

func TestDatasetsEndpoint_NoListen(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/datasets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if got, _ := payload["default"].(string); got != "mouse_v1" {
		t.Fatalf("unexpected default dataset: got %q want %q", got, "mouse_v1")
	}
	if got, _ := payload["title"].(string); got != "PatchMap" {
		t.Fatalf("unexpected title: got %q", got)
	}
}

func TestSummaryEndpoint_NoListen(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/d/mouse_v1/api/summary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var payload service.PairSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if payload.ReferenceCells != 4 || payload.QueryCells != 2 {
		t.Fatalf("unexpected dimensions: %+v", payload)
	}
	if len(payload.Labels) != 2 || payload.Labels[0] != "Pvalb" || payload.Labels[1] != "Sst" {
		t.Fatalf("unexpected labels: %v", payload.Labels)
	}

	// Second request must hit the query cache and return the same body.
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/d/mouse_v1/api/summary", nil))
	if rec2.Body.String() != rec.Body.String() {
		t.Fatal("cached summary differs from first response")
	}
}

func TestSummaryUnknownDataset_NoListen(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/d/nope/api/summary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestMapJobSubmitAndStatus_NoListen(t *testing.T) {
	router := testRouter(t)

	body := bytes.NewBufferString(`{"method":"pca","dims":2}`)
	req := httptest.NewRequest(http.MethodPost, "/d/mouse_v1/api/map/jobs/", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected %d, got %d: %s", http.StatusAccepted, rec.Code, rec.Body.String())
	}

	var submitted map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	jobID, _ := submitted["job_id"].(string)
	if jobID == "" {
		t.Fatal("missing job_id in submit response")
	}

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/d/mouse_v1/api/map/jobs/"+jobID, nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("status request: expected %d, got %d: %s", http.StatusOK, rec2.Code, rec2.Body.String())
	}

	// The job belongs to mouse_v1; another dataset must not see it.
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/d/nope/api/map/jobs/"+jobID, nil))
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("cross-dataset status: expected %d, got %d", http.StatusNotFound, rec3.Code)
	}
}

func TestMapJobSubmitRejectsBadMethod_NoListen(t *testing.T) {
	router := testRouter(t)

	body := bytes.NewBufferString(`{"method":"tsne"}`)
	req := httptest.NewRequest(http.MethodPost, "/d/mouse_v1/api/map/jobs/", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d: %s", http.StatusBadRequest, rec.Code, rec.Body.String())
	}
}

func TestMapJobResultBeforeCompletion_NoListen(t *testing.T) {
	router := testRouter(t)

	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/d/mouse_v1/api/map/jobs/", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: expected %d, got %d: %s", http.StatusAccepted, rec.Code, rec.Body.String())
	}
	var submitted map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	jobID, _ := submitted["job_id"].(string)

	// No workers started, so the job stays queued and the result is not ready.
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/d/mouse_v1/api/map/jobs/"+jobID+"/result", nil))
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("result: expected %d, got %d: %s", http.StatusBadRequest, rec2.Code, rec2.Body.String())
	}
}

func TestPredictionsCSV(t *testing.T) {
	rows := []*jobstore.PredictionRow{
		{Cell: "q0", Label: "Pvalb", Confidence: 0.9, HasCoords: true, X: 1.5, Y: -2},
		{Cell: "q1", Label: "Sst", Confidence: 0, Fallback: true},
	}
	data, err := predictionsCSV(rows)
	if err != nil {
		t.Fatalf("predictionsCSV failed: %v", err)
	}
	want := "cell_id,predicted_label,confidence,fallback,x,y\n" +
		"q0,Pvalb,0.9,false,1.5,-2\n" +
		"q1,Sst,0,true,,\n"
	if string(data) != want {
		t.Fatalf("csv = %q, want %q", data, want)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/patchmap/server/internal/cache"
	"github.com/patchmap/server/internal/jobstore"
	"github.com/patchmap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/summary", summaryHandler(cfg.Cache))

			r.Route("/map/jobs", func(r chi.Router) {
				r.Post("/", mapJobSubmitHandler(cfg.JobManager))
				r.Get("/", mapJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", mapJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", mapJobResultHandler(cfg.JobManager, cfg.Cache))
				r.Get("/{job_id}/markers", mapJobMarkersHandler(cfg.JobManager, cfg.Cache))
				r.Delete("/{job_id}", mapJobDeleteHandler(cfg.JobManager, cfg.Cache))
			})
		})
	})

	return r
}

// Context key for the dataset pair
type ctxKey string

const datasetPairKey ctxKey = "datasetPair"

// datasetMiddleware resolves the dataset from URL and injects the pair into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			pair := registry.Get(datasetID)
			if pair == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetPairKey, pair)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetPair(r *http.Request) *service.DatasetPair {
	if pair, ok := r.Context().Value(datasetPairKey).(*service.DatasetPair); ok {
		return pair
	}
	return nil
}

// datasetsHandler returns the list of available dataset pairs.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// summaryHandler returns dimensions and the reference label set for a pair.
func summaryHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair := getDatasetPair(r)
		if pair == nil {
			http.Error(w, "dataset pair not available", http.StatusInternalServerError)
			return
		}

		key := "summary:" + pair.ID
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		data, err := json.Marshal(pair.Summary())
		if err != nil {
			http.Error(w, "failed to encode summary: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetQuery(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// mapJobSubmitRequest is the request body for submitting a mapping job.
type mapJobSubmitRequest struct {
	Method  string   `json:"method"`
	Dims    int      `json:"dims"`
	TopGene int      `json:"top_genes"`
	KAnchor int      `json:"k_anchor"`
	KFilter int      `json:"k_filter"`
	KWeight int      `json:"k_weight"`
	Seed    int64    `json:"seed"`
	Markers []string `json:"must_include_markers"`
	Coords  bool     `json:"transfer_coords"`
}

func mapJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		pair := getDatasetPair(r)
		if pair == nil {
			http.Error(w, "dataset pair not available", http.StatusInternalServerError)
			return
		}

		req := mapJobSubmitRequest{}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		if req.Method != "" && req.Method != "cca" && req.Method != "pca" {
			http.Error(w, "method must be \"cca\" or \"pca\"", http.StatusBadRequest)
			return
		}
		if req.Dims < 0 || req.Dims > 100 {
			http.Error(w, "dims must be between 1 and 100 (0 uses the server default)", http.StatusBadRequest)
			return
		}
		if req.TopGene > 10000 {
			req.TopGene = 10000
		}
		if req.KAnchor > 500 {
			req.KAnchor = 500
		}
		if req.KFilter > 500 {
			req.KFilter = 500
		}
		if req.KWeight > 500 {
			req.KWeight = 500
		}

		datasetID := chi.URLParam(r, "dataset")
		params := jobstore.MapJobParams{
			DatasetID: datasetID,
			Method:    req.Method,
			Dims:      req.Dims,
			TopGenes:  req.TopGene,
			KAnchor:   req.KAnchor,
			KFilter:   req.KFilter,
			KWeight:   req.KWeight,
			Seed:      req.Seed,
			Markers:   req.Markers,
			Coords:    req.Coords,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func mapJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs": jobs,
		})
	}
}

// jobForDataset loads a job and verifies it belongs to the dataset in the URL.
func jobForDataset(jm *JobManager, r *http.Request) *jobstore.MapJob {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func mapJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n_genes":     job.NGenes,
			"n_anchors":   job.NAnchors,
			"seed":        job.Seed,
			"warning":     job.Warning,
			"error":       job.Error,
		})
	}
}

func mapJobResultHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		// Pagination and filter params
		offset := 0
		limit := 500
		minConfidence := 0.0
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "csv" {
			http.Error(w, "format must be \"json\" or \"csv\"", http.StatusBadRequest)
			return
		}
		if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
			offset = v
		}
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
			if limit > 10000 {
				limit = 10000
			}
		}
		if v, err := strconv.ParseFloat(r.URL.Query().Get("min_confidence"), 64); err == nil && v > 0 {
			minConfidence = v
		}

		contentType := "application/json"
		if format == "csv" {
			contentType = "text/csv"
		}

		key := cache.ResultKey(job.ID, minConfidence, offset, limit, format)
		if cm != nil {
			if data, ok := cm.GetResult(key); ok {
				w.Header().Set("Content-Type", contentType)
				w.Write(data)
				return
			}
		}

		rows, total, err := jm.Store().QueryPredictions(job.ID, minConfidence, offset, limit)
		if err != nil {
			http.Error(w, "failed to query predictions: "+err.Error(), http.StatusInternalServerError)
			return
		}

		var data []byte
		if format == "csv" {
			data, err = predictionsCSV(rows)
		} else {
			data, err = json.Marshal(map[string]interface{}{
				"params":    job.Params,
				"n_genes":   job.NGenes,
				"n_anchors": job.NAnchors,
				"seed":      job.Seed,
				"warning":   job.Warning,
				"total":     total,
				"offset":    offset,
				"limit":     limit,
				"items":     rows,
			})
		}
		if err != nil {
			http.Error(w, "failed to encode result: "+err.Error(), http.StatusInternalServerError)
			return
		}

		if cm != nil {
			cm.SetResult(key, data)
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

// predictionsCSV renders prediction rows as CSV. Coordinate columns are
// empty for cells without transferred coordinates.
func predictionsCSV(rows []*jobstore.PredictionRow) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write([]string{"cell_id", "predicted_label", "confidence", "fallback", "x", "y"}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		x, y := "", ""
		if row.HasCoords {
			x = strconv.FormatFloat(row.X, 'g', -1, 64)
			y = strconv.FormatFloat(row.Y, 'g', -1, 64)
		}
		rec := []string{
			row.Cell,
			row.Label,
			strconv.FormatFloat(row.Confidence, 'g', -1, 64),
			strconv.FormatBool(row.Fallback),
			x,
			y,
		}
		if err := cw.Write(rec); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mapJobMarkersHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		key := cache.MarkerKey(job.ID)
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		markers, err := jm.Store().QueryMarkers(job.ID)
		if err != nil {
			http.Error(w, "failed to query markers: "+err.Error(), http.StatusInternalServerError)
			return
		}

		data, err := json.Marshal(map[string]interface{}{
			"job_id":  job.ID,
			"markers": markers,
		})
		if err != nil {
			http.Error(w, "failed to encode markers: "+err.Error(), http.StatusInternalServerError)
			return
		}

		if cm != nil {
			cm.SetQuery(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func mapJobDeleteHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Cancel first so a running job stops writing results
		cancelled := jm.Cancel(job.ID)
		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, fmt.Sprintf("failed to delete job: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    job.ID,
			"deleted":   true,
			"cancelled": cancelled,
		})
	}
}

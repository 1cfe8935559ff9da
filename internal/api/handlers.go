// Package api exposes the review workflow over HTTP and MCP: queue
// inspection, pipeline runs, case confirmation and editing, and the manual
// training flow.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docketloop/docket/internal/pipeline"
	"github.com/docketloop/docket/internal/review"
	"github.com/docketloop/docket/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

// QueueReader is the read-only ledger projection the API serves.
type QueueReader interface {
	ListByStatus(statuses []string, order string, limit int) ([]storage.QueueEntry, error)
	CountByStatus(statuses []string) (int, error)
}

// PipelineRunner abstracts pipeline invocations for the API layer.
type PipelineRunner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) ([]pipeline.EntryResult, error)
	AnalyzeUpload(ctx context.Context, data []byte, docType string, mode pipeline.Mode) (pipeline.TrainAnalysis, error)
}

// Reviewer abstracts the review synchronizer for the API layer.
type Reviewer interface {
	Confirm(ctx context.Context, id string, feedback string) error
	Update(ctx context.Context, id string, payload review.UpdatePayload) error
	Delete(ctx context.Context, id string) error
	SaveTraining(ctx context.Context, docType, extraction, analysis, feedback string) (string, error)
	Detail(ctx context.Context, id string) (review.CaseDetail, error)
}

// AppDeps wires the HTTP surface.
type AppDeps struct {
	Queue    QueueReader
	Pipeline PipelineRunner
	Review   Reviewer
	Token    string
}

// NewAppHandler builds the bearer-auth'd router. /health stays open for
// liveness probes.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/queue", handleQueueList(deps))
		r.Get("/queue/count", handleQueueCount(deps))
		r.Post("/pipeline/run", handlePipelineRun(deps))
		r.Post("/cases/{id}/confirm", handleConfirm(deps))
		r.Put("/cases/{id}", handleUpdate(deps))
		r.Delete("/cases/{id}", handleDelete(deps))
		r.Get("/cases/{id}", handleDetail(deps))
		r.Post("/train/analyze", handleTrainAnalyze(deps))
		r.Post("/train/save", handleTrainSave(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// queueItem is the list projection of a ledger entry.
type queueItem struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	ErrorReason string `json:"errorReason,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func handleQueueList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := statusParam(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		order := r.URL.Query().Get("order")
		if order == "" {
			order = "asc"
		}
		if order != "asc" && order != "desc" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "order must be asc or desc")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		entries, err := deps.Queue.ListByStatus(statuses, order, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing queue: %v", err)
			return
		}

		items := make([]queueItem, len(entries))
		for i, e := range entries {
			items[i] = queueItem{
				ID:          e.ID,
				Filename:    e.Filename,
				Status:      e.Status,
				ErrorReason: e.ErrorReason,
				CreatedAt:   e.CreatedAt.Format(time.RFC3339),
				UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, items)
	}
}

func handleQueueCount(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := statusParam(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		count, err := deps.Queue.CountByStatus(statuses)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting queue: %v", err)
			return
		}
		writeJSON(w, map[string]int{"count": count})
	}
}

// statusParam parses the comma-separated status filter. Empty means no
// filter; unknown statuses are rejected rather than silently matching
// nothing.
func statusParam(r *http.Request) ([]string, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if !storage.KnownStatus(s) {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

type runRequest struct {
	ID        string `json:"id"`
	BatchSize int    `json:"batchSize"`
	Reanalyze bool   `json:"reanalyze"`
}

func handlePipelineRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// An empty body means a default batch run.
		var req runRequest
		if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		results, err := deps.Pipeline.Run(r.Context(), pipeline.RunOptions{
			EntryID:   req.ID,
			BatchSize: req.BatchSize,
			Reanalyze: req.Reanalyze,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "pipeline run failed: %v", err)
			return
		}

		if req.ID != "" && len(results) == 1 {
			writeJSON(w, results[0])
			return
		}
		if results == nil {
			results = []pipeline.EntryResult{}
		}
		writeJSON(w, results)
	}
}

func handleConfirm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req struct {
			Feedback string `json:"feedback"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Feedback == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "feedback is required")
			return
		}

		err := deps.Review.Confirm(r.Context(), id, req.Feedback)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "confirming case: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": storage.StatusCompleted})
	}
}

func handleUpdate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var payload review.UpdatePayload
		if err := decodeBody(w, r, &payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if payload.Content == "" && payload.Feedback == "" && payload.DocType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content, feedback or docType is required")
			return
		}

		err := deps.Review.Update(r.Context(), id, payload)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating case: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func handleDelete(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Review.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting case: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": storage.StatusDeleted})
	}
}

func handleDetail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		detail, err := deps.Review.Detail(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading case: %v", err)
			return
		}
		writeJSON(w, detail)
	}
}

type trainAnalyzeRequest struct {
	Content     string `json:"content"`    // plain document text
	FileBase64  string `json:"fileBase64"` // raw file bytes (e.g. PDF), base64
	DocType     string `json:"docType"`
	Comparative bool   `json:"comparative"`
}

func handleTrainAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req trainAnalyzeRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var data []byte
		switch {
		case req.FileBase64 != "":
			decoded, err := base64.StdEncoding.DecodeString(req.FileBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 file content")
				return
			}
			data = decoded
		case req.Content != "":
			data = []byte(req.Content)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or fileBase64 is required")
			return
		}

		mode := pipeline.ModeStandard
		if req.Comparative {
			mode = pipeline.ModeComparative
		}

		analysis, err := deps.Pipeline.AnalyzeUpload(r.Context(), data, req.DocType, mode)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "analyzing document: %v", err)
			return
		}
		writeJSON(w, analysis)
	}
}

type trainSaveRequest struct {
	DocType    string `json:"docType"`
	Extraction string `json:"extraction"`
	Analysis   string `json:"analysis"`
	Feedback   string `json:"feedback"`
}

func handleTrainSave(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req trainSaveRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Analysis == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "analysis is required")
			return
		}

		id, err := deps.Review.SaveTraining(r.Context(), req.DocType, req.Extraction, req.Analysis, req.Feedback)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving training case: %v", err)
			return
		}
		writeJSON(w, map[string]string{"vectorId": id})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/catalogd/internal/ingest"
	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/storage"
)

const (
	maxRecordsBodySize = 32 << 20 // 32MB
	defaultPassLimit   = 20
)

// Catalog is the store surface the API reads and writes.
type Catalog interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (storage.Stats, error)
	InsertRecords(ctx context.Context, records []storage.Record) (int, error)
}

// Tasks exposes pass state and on-demand triggers. *recompute.Registry
// implements it.
type Tasks interface {
	Trigger(name string) error
	Tasks() []recompute.TaskStatus
	Passes(limit int) []recompute.PassReport
}

type Deps struct {
	Catalog Catalog
	Tasks   Tasks
	Token   string
	Version string
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version  string                 `json:"version"`
	Database string                 `json:"database"`
	Stats    *storage.Stats         `json:"stats,omitempty"`
	Tasks    []recompute.TaskStatus `json:"tasks"`
}

// NewHandler returns the admin API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/status", handleStatus(deps))
		r.Get("/passes", handleListPasses(deps))
		r.Post("/passes/{task}", handleTriggerPass(deps))
		r.Post("/records", handleInsertRecords(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Catalog.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Version:  deps.Version,
			Database: "ok",
			Tasks:    deps.Tasks.Tasks(),
		}
		stats, err := deps.Catalog.Stats(r.Context())
		switch {
		case errors.Is(err, ErrUnavailable):
			resp.Database = "reconnecting"
		case err != nil:
			resp.Database = "error: " + err.Error()
		default:
			resp.Stats = &stats
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListPasses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultPassLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = n
		}
		passes := deps.Tasks.Passes(limit)
		if r.URL.Query().Get("task") != "" {
			task := r.URL.Query().Get("task")
			filtered := passes[:0]
			for _, p := range passes {
				if p.Task == task {
					filtered = append(filtered, p)
				}
			}
			passes = filtered
		}
		writeJSON(w, http.StatusOK, passes)
	}
}

func handleTriggerPass(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task := chi.URLParam(r, "task")
		if err := deps.Tasks.Trigger(task); err != nil {
			if errors.Is(err, recompute.ErrUnknownTask) {
				httpError(w, http.StatusNotFound, "not_found_error", "unknown task %q", task)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "triggering %s: %v", task, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task": task, "status": "triggered"})
	}
}

func handleInsertRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRecordsBodySize)
		defer r.Body.Close()

		var raw []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: expected a JSON array of records: %v", err)
			return
		}
		if len(raw) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no records in request")
			return
		}

		records := make([]storage.Record, 0, len(raw))
		decodeErrors := 0
		for _, item := range raw {
			rec, err := ingest.DecodeRecord(item)
			if err != nil {
				decodeErrors++
				continue
			}
			records = append(records, rec)
		}

		report, err := ingest.NewLoader(deps.Catalog, 0).Insert(r.Context(), records)
		if err != nil {
			storeError(w, "inserting records", err)
			return
		}
		report.Read += decodeErrors
		report.Invalid += decodeErrors
		writeJSON(w, http.StatusOK, report)
	}
}

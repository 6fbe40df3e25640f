// Package api exposes the pipeline over HTTP: job submission, status,
// cancellation, statistics, and incremental event polling.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/jobs"
	"media-pipeline/internal/orchestrator"
	"media-pipeline/internal/stats"
)

// Server wires the HTTP handlers to the running pipeline.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Stats        *stats.Aggregator
	Events       *jobs.EventBus
}

// Router builds the HTTP route tree.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})

	return r
}

type createJobRequest struct {
	Kind   domain.Kind   `json:"kind"`
	Inputs domain.Inputs `json:"inputs"`
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	job, err := s.Orchestrator.Submit(r.Context(), req.Kind, req.Inputs)
	if err != nil {
		var vErr *domain.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, orchestrator.ErrShuttingDown):
			writeErr(w, http.StatusServiceUnavailable, err)
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	active := s.Orchestrator.ListActive()
	if active == nil {
		active = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.Orchestrator.Status(id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Orchestrator.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, jobs.ErrJobNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeErr(w, http.StatusConflict, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats.Snapshot())
}

// handleEvents serves incremental reads: clients poll with the highest
// sequence they have seen and receive everything newer.
func (s Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value < 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid since: %s", raw))
			return
		}
		since = value
	}

	events := s.Events.Since(since)
	if events == nil {
		events = []jobs.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

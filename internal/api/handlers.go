package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/runner"
)

const maxRunBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		TasksLoaded:   len(s.runner.Tasks()),
	})
}

// handleListTasks handles GET /tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TasksResponse{Tasks: s.runner.Tasks()})
}

// handleRun handles POST /run/{task}. The request body is the job input and
// the response carries the task's output.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	taskName := chi.URLParam(r, "task")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxRunBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	input := json.RawMessage(body)
	if len(body) == 0 {
		input = json.RawMessage("null")
	} else if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RunTimeout)
	defer cancel()

	out, err := s.runner.Run(ctx, taskName, input)
	if err != nil {
		var jobErr *dispatch.JobError
		switch {
		case errors.Is(err, runner.ErrUnknownTask):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &jobErr):
			s.writeError(w, http.StatusBadGateway, jobErr.Message)
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "task timed out")
		case errors.Is(err, runner.ErrClosed):
			s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			s.logger.Error("run failed", "task", taskName, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, RunResponse{Task: taskName, Output: out})
}

// handleListJobs handles GET /jobs?limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job journal not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	respondJSON(w, http.StatusOK, JobsResponse{Jobs: jobs, Counts: counts})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.runner.Tasks()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

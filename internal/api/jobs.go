package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
	"github.com/pharmaq-ai/pharmaq/internal/orchestrator"
)

// handleSubmit accepts POST /v1/jobs. Responds 202 with the queued job view;
// idempotent resubmission returns whatever state the job is in now.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidArgument, err))
		return
	}

	job, err := s.orch.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.View())
}

// handleStatus serves GET /v1/jobs/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel serves POST /v1/jobs/{id}/cancel. Cancellation of a terminal
// job is a no-op and still returns 200 with the current state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// handleDeadLetters serves GET /v1/deadletters?limit=N.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidArgument))
			return
		}
		limit = n
	}

	parked, err := s.orch.DeadLetters(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if parked == nil {
		parked = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": parked})
}

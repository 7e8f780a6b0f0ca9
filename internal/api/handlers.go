package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jobpostpro/quiz-engine/internal/bank"
	"github.com/jobpostpro/quiz-engine/internal/health"
	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
	"github.com/jobpostpro/quiz-engine/internal/session"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, data interface{}, apiErr *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Error:   apiErr,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	respond(w, status, data, nil)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respond(w, status, nil, &apiError{Code: code, Message: message})
}

// classifyError maps domain errors to an HTTP status and error code
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidMessage):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, bank.ErrQuizNotFound):
		return http.StatusNotFound, "quiz_not_found"
	case errors.Is(err, session.ErrDuplicateSession):
		return http.StatusConflict, "duplicate_session"
	case errors.Is(err, session.ErrAlreadySubmitted):
		return http.StatusConflict, "already_submitted"
	case errors.Is(err, quiz.ErrClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, quiz.ErrSubmissionInFlight):
		return http.StatusConflict, "submission_in_flight"
	case errors.Is(err, quiz.ErrPrecondition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, quiz.ErrEmptyQuiz):
		return http.StatusUnprocessableEntity, "empty_quiz"
	case errors.Is(err, quiz.ErrDuplicateQuestionID), errors.Is(err, quiz.ErrInvalidQuestion):
		return http.StatusUnprocessableEntity, "invalid_quiz"
	case errors.Is(err, quiz.ErrSubmissionFailed):
		return http.StatusBadGateway, "submission_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// respondDomainError answers with the mapped status, logging only unexpected failures
func respondDomainError(w http.ResponseWriter, err error, action string, attrs ...any) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		slog.Error("failed to "+action, append(attrs, "error", err)...)
		respondError(w, status, code, "failed to "+action)
		return
	}
	respondError(w, status, code, err.Error())
}

func parsePaging(r *http.Request) (limit, offset int) {
	limit = 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"active_sessions": s.sessions.ActiveCount(),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	results := s.checks.CheckAll(r.Context())
	if !health.Healthy(results) {
		for _, res := range results {
			if !res.Healthy {
				slog.Warn("readiness check failed", "check", res.Name, "error", res.Error)
			}
		}
		respond(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"checks": results,
		}, &apiError{Code: "not_ready", Message: "service not ready"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": results,
	})
}

// Quiz bank handlers

func (s *Server) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes := s.quizzes.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"quizzes": quizzes,
		"total":   len(quizzes),
	})
}

func (s *Server) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	q := s.quizzes.Get(jobID)
	if q == nil {
		respondError(w, http.StatusNotFound, "quiz_not_found", "no quiz for job "+jobID)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"quiz":      q.Summary(),
		"questions": q.PublicQuestions(),
	})
}

// Submission handlers

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaging(r)
	filters := models.ListFilters{
		JobID:       r.URL.Query().Get("job_id"),
		CandidateID: r.URL.Query().Get("candidate_id"),
		Limit:       limit,
		Offset:      offset,
	}

	records, err := s.repo.ListSubmissions(r.Context(), filters)
	if err != nil {
		slog.Error("failed to list submissions", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list submissions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": records,
		"total":       len(records),
	})
}

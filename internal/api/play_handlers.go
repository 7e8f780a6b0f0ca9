package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
)

// --- Candidate handlers (join token auth) ---

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	view, err := s.sessions.View(r.Context(), token)
	if err != nil {
		respondDomainError(w, err, "load session view")
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "start quiz", func(token string) error {
		return s.sessions.Start(r.Context(), token)
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req models.AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.QuestionID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "question_id is required")
		return
	}
	if req.Option == nil {
		respondError(w, http.StatusBadRequest, "validation_error", "option is required")
		return
	}

	s.runAction(w, r, "record answer", func(token string) error {
		return s.sessions.Answer(r.Context(), token, req.QuestionID, *req.Option)
	})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "advance quiz", func(token string) error {
		return s.sessions.Advance(r.Context(), token)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "retry submission", func(token string) error {
		return s.sessions.Retry(r.Context(), token)
	})
}

// handleCloseView tears the candidate's quiz down. The countdown stops and
// nothing is submitted.
func (s *Server) handleCloseView(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := s.sessions.Close(r.Context(), token); err != nil {
		respondDomainError(w, err, "close session")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "session closed",
	})
}

// runAction performs a candidate action and answers with the resulting view.
// A failed submission is reported as 502 together with the view, which marks it retryable.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action string, fn func(token string) error) {
	token := chi.URLParam(r, "token")

	actionErr := fn(token)
	if actionErr != nil && !errors.Is(actionErr, quiz.ErrSubmissionFailed) {
		respondDomainError(w, actionErr, action)
		return
	}

	view, err := s.sessions.View(r.Context(), token)
	if err != nil {
		respondDomainError(w, err, "load session view")
		return
	}

	if actionErr != nil {
		status, code := classifyError(actionErr)
		respond(w, status, view, &apiError{Code: code, Message: actionErr.Error()})
		return
	}

	respondJSON(w, http.StatusOK, view)
}

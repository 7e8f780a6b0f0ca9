package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// --- Back-office handlers (API key auth) ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	req.JobID = strings.TrimSpace(req.JobID)
	req.CandidateID = strings.TrimSpace(req.CandidateID)

	if req.JobID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}
	if req.CandidateID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "candidate_id is required")
		return
	}

	createdBy := ""
	if client := ClientFromContext(r.Context()); client != nil {
		createdBy = client.Name
	}

	sess, err := s.sessions.Create(r.Context(), req.JobID, req.CandidateID, createdBy)
	if err != nil {
		respondDomainError(w, err, "create session", "job_id", req.JobID)
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateSessionResponse{
		ID:          sess.ID,
		Token:       sess.Token,
		JobID:       sess.JobID,
		CandidateID: sess.CandidateID,
		Status:      sess.Status,
		JoinURL:     s.joinURL(sess.Token),
		CreatedAt:   sess.CreatedAt,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaging(r)
	filters := models.ListFilters{
		JobID:       r.URL.Query().Get("job_id"),
		CandidateID: r.URL.Query().Get("candidate_id"),
		Status:      models.SessionStatus(r.URL.Query().Get("status")),
		Limit:       limit,
		Offset:      offset,
	}

	sessions, err := s.sessions.List(r.Context(), filters)
	if err != nil {
		respondDomainError(w, err, "list sessions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err, "get session", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.sessions.Discard(r.Context(), id); err != nil {
		respondDomainError(w, err, "discard session", "id", id)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "session discarded",
	})
}

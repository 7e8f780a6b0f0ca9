package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"success": status < 300}
	if data != nil {
		body["data"] = data
	}
	if code != "" {
		body["error"] = map[string]string{"code": code, "message": message}
	}
	json.NewEncoder(w).Encode(body)
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)
		assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))

		var req models.CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "job-go", req.JobID)

		writeEnvelope(w, http.StatusCreated, models.CreateSessionResponse{
			ID: "s1", Token: "tok", JobID: req.JobID, CandidateID: req.CandidateID,
			Status: models.SessionReady, JoinURL: "https://jobs.example.com/quiz/tok",
		}, "", "")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-123")
	resp, err := c.CreateSession(context.Background(), "job-go", "cand-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.ID)
	assert.Equal(t, "https://jobs.example.com/quiz/tok", resp.JoinURL)
}

func TestListSessionsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-go", r.URL.Query().Get("job_id"))
		assert.Equal(t, "cand-1", r.URL.Query().Get("candidate_id"))
		assert.Equal(t, "submitted", r.URL.Query().Get("status"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"sessions": []models.Session{{ID: "s1"}, {ID: "s2"}},
			"total":    2,
		}, "", "")
	}))
	defer srv.Close()

	sessions, err := NewClient(srv.URL, "k").ListSessions(context.Background(), ListOptions{
		JobID: "job-go", CandidateID: "cand-1", Status: "submitted", Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusConflict, nil, "duplicate_session", "candidate already has a session for this job")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").CreateSession(context.Background(), "job-go", "cand-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "duplicate_session", apiErr.Code)
	assert.False(t, IsSubmissionFailed(err))
}

func TestAdvanceSubmissionFailedKeepsView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/play/tok/advance", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusBadGateway, models.SessionView{
			SessionID: "s1", Status: models.SessionFinished, Retryable: true, LastError: "ats down",
		}, "submission_failed", "submission attempt 1 failed")
	}))
	defer srv.Close()

	view, err := NewClient(srv.URL, "").Advance(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, IsSubmissionFailed(err))
	require.NotNil(t, view)
	assert.True(t, view.Retryable)
}

func TestAnswerBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"question_id":"q1","option":0}`, string(body))
		writeEnvelope(w, http.StatusOK, models.SessionView{SessionID: "s1"}, "", "")
	}))
	defer srv.Close()

	view, err := NewClient(srv.URL, "").Answer(context.Background(), "tok", "q1", 0)
	require.NoError(t, err)
	assert.Equal(t, "s1", view.SessionID)
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

package storage

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_seed.sql":    {Data: []byte("SELECT 1")},
		"001_init.sql":    {Data: []byte("SELECT 1")},
		"003_more.SQL":    {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("docs")},
		"archive/000.sql": {Data: []byte("SELECT 1")},
	}

	pending, err := pendingMigrations(fsys, map[string]bool{"001_init.sql": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_seed.sql", "003_more.SQL"}, pending)

	pending, err = pendingMigrations(fsys, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_seed.sql", "003_more.SQL"}, pending)
}

func TestPaginate(t *testing.T) {
	query, args := paginate("SELECT 1 WHERE job_id = $1", []any{"job"}, models.ListFilters{Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT 1 WHERE job_id = $1 LIMIT $2 OFFSET $3", query)
	assert.Equal(t, []any{"job", 10, 20}, args)

	query, args = paginate("SELECT 1", nil, models.ListFilters{})
	assert.Equal(t, "SELECT 1", query)
	assert.Empty(t, args)
}

func TestMemoryRepositorySessions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		s := &models.Session{
			ID:          id,
			Token:       "tok-" + id,
			JobID:       "job-1",
			CandidateID: "cand-" + id,
			Status:      models.SessionReady,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.CreateSession(ctx, s))
	}
	assert.Error(t, repo.CreateSession(ctx, &models.Session{ID: "a"}))

	s, err := repo.GetSessionByToken(ctx, "tok-b")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "b", s.ID)

	missing, err := repo.GetSessionByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	started := base.Add(time.Hour)
	s.Status = models.SessionActive
	s.StartedAt = &started
	require.NoError(t, repo.UpdateSession(ctx, s))

	list, err := repo.ListSessions(ctx, models.ListFilters{Status: models.SessionReady})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID, "newest first")

	list, err = repo.ListSessions(ctx, models.ListFilters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	stale, err := repo.GetStaleSessions(ctx, models.SessionReady, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)

	require.NoError(t, repo.DeleteSession(ctx, "a"))
	assert.Error(t, repo.DeleteSession(ctx, "a"))
	assert.Error(t, repo.UpdateSession(ctx, &models.Session{ID: "a"}))
}

func TestMemoryRepositoryOneOpenAttempt(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	first := &models.Session{ID: "a", Token: "tok-a", JobID: "job-1", CandidateID: "cand-1", Status: models.SessionReady}
	require.NoError(t, repo.CreateSession(ctx, first))

	second := &models.Session{ID: "b", Token: "tok-b", JobID: "job-1", CandidateID: "cand-1", Status: models.SessionReady}
	assert.ErrorIs(t, repo.CreateSession(ctx, second), ErrOpenAttemptExists)

	// Other jobs and candidates are unaffected
	require.NoError(t, repo.CreateSession(ctx, &models.Session{ID: "c", Token: "tok-c", JobID: "job-2", CandidateID: "cand-1", Status: models.SessionReady}))
	require.NoError(t, repo.CreateSession(ctx, &models.Session{ID: "d", Token: "tok-d", JobID: "job-1", CandidateID: "cand-2", Status: models.SessionReady}))

	first.Status = models.SessionExpired
	require.NoError(t, repo.UpdateSession(ctx, first))
	require.NoError(t, repo.CreateSession(ctx, second))

	list, err := repo.ListSessions(ctx, models.ListFilters{JobID: "job-1", CandidateID: "cand-1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryRepositorySubmissionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec := &models.SubmissionRecord{
		Submission: models.Submission{
			IdempotencyKey: "key-1",
			SessionID:      "s1",
			JobID:          "job-1",
			CandidateID:    "c1",
			Answers:        []models.AnswerEntry{{QuestionID: "q1", SelectedIndex: 1, SelectedAnswer: "b"}},
		},
		Score: models.Score{Correct: 1, Answered: 1, Total: 2, Percent: 50},
	}

	inserted, err := repo.SaveSubmission(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	rec.Score.Correct = 0
	inserted, err = repo.SaveSubmission(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := repo.GetSubmission(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.Score.Correct, "first write wins")

	list, err := repo.ListSubmissions(ctx, models.ListFilters{JobID: "job-2"})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = repo.ListSubmissions(ctx, models.ListFilters{JobID: "job-1", CandidateID: "c1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// ErrOpenAttemptExists is returned by CreateSession when the candidate already
// has a session for the job that is not expired.
var ErrOpenAttemptExists = errors.New("open attempt already exists")

// Repository defines the interface for quiz session persistence.
// Getters return nil, nil when the record does not exist.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSessionByToken(ctx context.Context, token string) (*models.Session, error)
	GetSessionByID(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filters models.ListFilters) ([]*models.Session, error)
	GetStaleSessions(ctx context.Context, status models.SessionStatus, createdBefore time.Time) ([]*models.Session, error)

	// Submissions. SaveSubmission reports false when the idempotency key was already stored.
	SaveSubmission(ctx context.Context, rec *models.SubmissionRecord) (bool, error)
	GetSubmission(ctx context.Context, idempotencyKey string) (*models.SubmissionRecord, error)
	ListSubmissions(ctx context.Context, filters models.ListFilters) ([]*models.SubmissionRecord, error)

	// API Clients
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}

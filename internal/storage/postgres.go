package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

const (
	uniqueViolation  = "23505"
	openAttemptIndex = "uniq_quiz_sessions_open_attempt"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	poolConfig.MinConns = 2
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the connection pool for migrations
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// --- Sessions ---

const sessionColumns = `id, token, job_id, candidate_id, status, status_message, question_count,
		created_at, started_at, finished_at, submitted_at, created_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var statusStr string
	var statusMsg, createdBy sql.NullString
	var startedAt, finishedAt, submittedAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.Token,
		&s.JobID,
		&s.CandidateID,
		&statusStr,
		&statusMsg,
		&s.QuestionCount,
		&s.CreatedAt,
		&startedAt,
		&finishedAt,
		&submittedAt,
		&createdBy,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(statusStr)
	s.StatusMessage = statusMsg.String
	s.CreatedBy = createdBy.String
	s.StartedAt = timePtr(startedAt)
	s.FinishedAt = timePtr(finishedAt)
	s.SubmittedAt = timePtr(submittedAt)

	return &s, nil
}

// CreateSession creates a new session record
func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO quiz_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.Token,
		s.JobID,
		s.CandidateID,
		string(s.Status),
		nullString(s.StatusMessage),
		s.QuestionCount,
		s.CreatedAt,
		nullTime(s.StartedAt),
		nullTime(s.FinishedAt),
		nullTime(s.SubmittedAt),
		nullString(s.CreatedBy),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == openAttemptIndex {
			return fmt.Errorf("failed to create session: %w", ErrOpenAttemptExists)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSessionByToken retrieves a session by its join token
func (r *PostgresRepository) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	return r.getSession(ctx, "token", token)
}

// GetSessionByID retrieves a session by its ID
func (r *PostgresRepository) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	return r.getSession(ctx, "id", id)
}

func (r *PostgresRepository) getSession(ctx context.Context, field, value string) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM quiz_sessions WHERE %s = $1`, sessionColumns, field)

	s, err := scanSession(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// UpdateSession writes the mutable lifecycle columns
func (r *PostgresRepository) UpdateSession(ctx context.Context, s *models.Session) error {
	query := `
		UPDATE quiz_sessions
		SET status = $2, status_message = $3, started_at = $4, finished_at = $5, submitted_at = $6
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		s.ID,
		string(s.Status),
		nullString(s.StatusMessage),
		nullTime(s.StartedAt),
		nullTime(s.FinishedAt),
		nullTime(s.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", s.ID)
	}

	return nil
}

// DeleteSession deletes a session by ID
func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM quiz_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// ListSessions returns sessions newest first with optional job and status filters
func (r *PostgresRepository) ListSessions(ctx context.Context, filters models.ListFilters) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM quiz_sessions WHERE 1=1`
	args := make([]any, 0, 5)

	if filters.JobID != "" {
		args = append(args, filters.JobID)
		query += fmt.Sprintf(" AND job_id = $%d", len(args))
	}
	if filters.CandidateID != "" {
		args = append(args, filters.CandidateID)
		query += fmt.Sprintf(" AND candidate_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, filters)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// GetStaleSessions returns sessions in status that were created before the cutoff
func (r *PostgresRepository) GetStaleSessions(ctx context.Context, status models.SessionStatus, createdBefore time.Time) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM quiz_sessions
		WHERE status = $1
		  AND created_at < $2
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, string(status), createdBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// --- Submissions ---

const submissionColumns = `idempotency_key, session_id, job_id, candidate_id, answers,
		score_correct, score_answered, score_total, score_percent, submitted_at, recorded_at`

func scanSubmission(row rowScanner) (*models.SubmissionRecord, error) {
	var rec models.SubmissionRecord
	var answersJSON []byte

	err := row.Scan(
		&rec.IdempotencyKey,
		&rec.SessionID,
		&rec.JobID,
		&rec.CandidateID,
		&answersJSON,
		&rec.Score.Correct,
		&rec.Score.Answered,
		&rec.Score.Total,
		&rec.Score.Percent,
		&rec.SubmittedAt,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}

	if answersJSON != nil {
		if err := json.Unmarshal(answersJSON, &rec.Answers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
		}
	}

	return &rec, nil
}

// SaveSubmission stores a scored submission once per idempotency key
func (r *PostgresRepository) SaveSubmission(ctx context.Context, rec *models.SubmissionRecord) (bool, error) {
	answersJSON, err := json.Marshal(rec.Answers)
	if err != nil {
		return false, fmt.Errorf("failed to marshal answers: %w", err)
	}

	query := `
		INSERT INTO quiz_submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query,
		rec.IdempotencyKey,
		rec.SessionID,
		rec.JobID,
		rec.CandidateID,
		answersJSON,
		rec.Score.Correct,
		rec.Score.Answered,
		rec.Score.Total,
		rec.Score.Percent,
		rec.SubmittedAt,
		rec.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save submission: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// GetSubmission retrieves a submission by idempotency key
func (r *PostgresRepository) GetSubmission(ctx context.Context, idempotencyKey string) (*models.SubmissionRecord, error) {
	query := `SELECT ` + submissionColumns + ` FROM quiz_submissions WHERE idempotency_key = $1`

	rec, err := scanSubmission(r.pool.QueryRow(ctx, query, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return rec, nil
}

// ListSubmissions returns submissions newest first, optionally for one job
func (r *PostgresRepository) ListSubmissions(ctx context.Context, filters models.ListFilters) ([]*models.SubmissionRecord, error) {
	query := `SELECT ` + submissionColumns + ` FROM quiz_submissions WHERE 1=1`
	args := make([]any, 0, 4)

	if filters.JobID != "" {
		args = append(args, filters.JobID)
		query += fmt.Sprintf(" AND job_id = $%d", len(args))
	}
	if filters.CandidateID != "" {
		args = append(args, filters.CandidateID)
		query += fmt.Sprintf(" AND candidate_id = $%d", len(args))
	}

	query += " ORDER BY recorded_at DESC"
	query, args = paginate(query, args, filters)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var records []*models.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// --- API Clients ---

// GetClientByApiKey retrieves an API client by its key
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = $1
	`

	var client models.ApiClient
	var lastUsedAt sql.NullTime
	var permissionsJSON, metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&client.ID,
		&client.Name,
		&client.ApiKey,
		&client.IsActive,
		&client.CreatedAt,
		&lastUsedAt,
		&permissionsJSON,
		&metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	client.LastUsedAt = timePtr(lastUsedAt)

	if permissionsJSON != nil {
		if err := json.Unmarshal(permissionsJSON, &client.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &client.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &client, nil
}

// UpdateClientLastUsed stamps the client's last request time
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`, apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last_used_at: %w", err)
	}
	return nil
}

// Helper functions for nullable values

func paginate(query string, args []any, filters models.ListFilters) (string, []any) {
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// MemoryRepository is a process-local Repository used when no database is
// configured and in tests. Records are copied in and out.
type MemoryRepository struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	submissions map[string]models.SubmissionRecord
	clients     map[string]models.ApiClient
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:    make(map[string]models.Session),
		submissions: make(map[string]models.SubmissionRecord),
		clients:     make(map[string]models.ApiClient),
	}
}

// AddClient registers an API client
func (r *MemoryRepository) AddClient(c models.ApiClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ApiKey] = c
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("failed to create session: duplicate id %s", s.ID)
	}
	if s.Status != models.SessionExpired {
		for _, cur := range r.sessions {
			if cur.JobID == s.JobID && cur.CandidateID == s.CandidateID && cur.Status != models.SessionExpired {
				return fmt.Errorf("failed to create session: %w", ErrOpenAttemptExists)
			}
		}
	}
	r.sessions[s.ID] = *s
	return nil
}

func (r *MemoryRepository) GetSessionByToken(_ context.Context, token string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.Token == token {
			return &s, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetSessionByID(_ context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryRepository) UpdateSession(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session not found: %s", s.ID)
	}
	cur.Status = s.Status
	cur.StatusMessage = s.StatusMessage
	cur.StartedAt = s.StartedAt
	cur.FinishedAt = s.FinishedAt
	cur.SubmittedAt = s.SubmittedAt
	r.sessions[s.ID] = cur
	return nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, filters models.ListFilters) ([]*models.Session, error) {
	r.mu.RLock()
	var out []*models.Session
	for _, s := range r.sessions {
		if filters.JobID != "" && s.JobID != filters.JobID {
			continue
		}
		if filters.CandidateID != "" && s.CandidateID != filters.CandidateID {
			continue
		}
		if filters.Status != "" && s.Status != filters.Status {
			continue
		}
		s := s
		out = append(out, &s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filters), nil
}

func (r *MemoryRepository) GetStaleSessions(_ context.Context, status models.SessionStatus, createdBefore time.Time) ([]*models.Session, error) {
	r.mu.RLock()
	var out []*models.Session
	for _, s := range r.sessions {
		if s.Status == status && s.CreatedAt.Before(createdBefore) {
			s := s
			out = append(out, &s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) SaveSubmission(_ context.Context, rec *models.SubmissionRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.submissions[rec.IdempotencyKey]; ok {
		return false, nil
	}
	stored := *rec
	stored.Answers = append([]models.AnswerEntry(nil), rec.Answers...)
	r.submissions[rec.IdempotencyKey] = stored
	return true, nil
}

func (r *MemoryRepository) GetSubmission(_ context.Context, idempotencyKey string) (*models.SubmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.submissions[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *MemoryRepository) ListSubmissions(_ context.Context, filters models.ListFilters) ([]*models.SubmissionRecord, error) {
	r.mu.RLock()
	var out []*models.SubmissionRecord
	for _, rec := range r.submissions {
		if filters.JobID != "" && rec.JobID != filters.JobID {
			continue
		}
		if filters.CandidateID != "" && rec.CandidateID != filters.CandidateID {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return page(out, filters), nil
}

func (r *MemoryRepository) GetClientByApiKey(_ context.Context, apiKey string) (*models.ApiClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[apiKey]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *MemoryRepository) UpdateClientLastUsed(_ context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[apiKey]; ok {
		now := time.Now().UTC()
		c.LastUsedAt = &now
		r.clients[apiKey] = c
	}
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

func page[T any](items []T, filters models.ListFilters) []T {
	if filters.Offset > 0 {
		if filters.Offset >= len(items) {
			return nil
		}
		items = items[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(items) {
		items = items[:filters.Limit]
	}
	return items
}

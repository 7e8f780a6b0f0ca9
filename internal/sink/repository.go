package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/events"
	"github.com/jobpostpro/quiz-engine/internal/models"
)

// QuestionSource returns the questions of a job's quiz, correct answers included
type QuestionSource interface {
	Questions(ctx context.Context, jobID string) ([]models.Question, error)
}

// SubmissionStore persists scored submissions once per idempotency key
type SubmissionStore interface {
	SaveSubmission(ctx context.Context, rec *models.SubmissionRecord) (bool, error)
}

// RepositorySink scores submissions server-side and stores them
type RepositorySink struct {
	questions QuestionSource
	store     SubmissionStore
	publisher events.Publisher
	now       func() time.Time
}

func NewRepositorySink(questions QuestionSource, store SubmissionStore, publisher events.Publisher) *RepositorySink {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &RepositorySink{
		questions: questions,
		store:     store,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit stores the submission. A repeated idempotency key succeeds without a second write.
func (s *RepositorySink) Submit(ctx context.Context, sub models.Submission) error {
	questions, err := s.questions.Questions(ctx, sub.JobID)
	if err != nil {
		return fmt.Errorf("failed to load answer key: %w", err)
	}

	rec := &models.SubmissionRecord{
		Submission: sub,
		Score:      Score(questions, sub.Answers),
		RecordedAt: s.now(),
	}

	inserted, err := s.store.SaveSubmission(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		slog.Info("duplicate submission ignored",
			"session_id", sub.SessionID, "idempotency_key", sub.IdempotencyKey)
		return nil
	}

	slog.Info("submission recorded",
		"session_id", sub.SessionID,
		"job_id", sub.JobID,
		"candidate_id", sub.CandidateID,
		"correct", rec.Score.Correct,
		"total", rec.Score.Total,
	)

	ev := models.SessionEvent{
		Type:        models.EventSubmissionRecorded,
		SessionID:   sub.SessionID,
		JobID:       sub.JobID,
		CandidateID: sub.CandidateID,
		At:          rec.RecordedAt,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish submission event", "session_id", sub.SessionID, "error", err)
	}

	return nil
}

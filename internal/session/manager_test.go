package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobpostpro/quiz-engine/internal/bank"
	"github.com/jobpostpro/quiz-engine/internal/cache"
	"github.com/jobpostpro/quiz-engine/internal/events"
	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
	"github.com/jobpostpro/quiz-engine/internal/quiz/quiztest"
	"github.com/jobpostpro/quiz-engine/internal/sink"
	"github.com/jobpostpro/quiz-engine/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	mgr       *QuizManager
	loader    *bank.Loader
	clock     *quiztest.Clock
	sink      *quiztest.Sink
	repo      *storage.MemoryRepository
	snapshots *cache.MemoryStore
	published *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSink(t, nil)
}

// newFixtureWithSink builds the manager around the sink returned by build,
// or the recording sink when build is nil
func newFixtureWithSink(t *testing.T, build func(f *fixture) quiz.Sink) *fixture {
	t.Helper()

	loader := bank.NewLoader()
	loader.Add(&models.Quiz{
		JobID: "job-1",
		Title: "Backend",
		Questions: []models.Question{
			{ID: "q1", Prompt: "One?", Options: []string{"a", "b"}},
			{ID: "q2", Prompt: "Two?", Options: []string{"a", "b", "c"}},
		},
	})

	f := &fixture{
		loader:    loader,
		clock:     quiztest.NewClock(epoch),
		sink:      &quiztest.Sink{},
		repo:      storage.NewMemoryRepository(),
		snapshots: cache.NewMemoryStore(time.Hour),
		published: &events.Recorder{},
	}
	var submissions quiz.Sink = f.sink
	if build != nil {
		submissions = build(f)
	}
	f.mgr = NewManager(f.repo, loader, submissions, f.snapshots, f.published, Config{
		JoinTTL: time.Hour,
		Clock:   f.clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.mgr.Shutdown(ctx)
	})
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Flush(ctx))
}

func (f *fixture) create(t *testing.T, candidateID string) *models.Session {
	t.Helper()
	s, err := f.mgr.Create(context.Background(), "job-1", candidateID, "recruiter")
	require.NoError(t, err)
	return s
}

func (f *fixture) stored(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := f.repo.GetSessionByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.create(t, "cand-1")
	assert.Equal(t, models.SessionReady, s.Status)
	assert.Equal(t, 2, s.QuestionCount)
	assert.Len(t, s.Token, 48)
	assert.Equal(t, epoch, s.CreatedAt)
	assert.Equal(t, 1, f.mgr.ActiveCount())

	stored := f.stored(t, s.ID)
	assert.Equal(t, s.Token, stored.Token)

	byToken, err := f.mgr.GetByToken(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.ID, byToken.ID)

	view, err := f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionReady, view.Status)
	assert.Equal(t, -1, view.CurrentIndex)
	assert.Nil(t, view.Question)

	_, err = f.mgr.Create(ctx, "job-1", "cand-1", "recruiter")
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = f.mgr.Create(ctx, "job-404", "cand-1", "recruiter")
	assert.ErrorIs(t, err, bank.ErrQuizNotFound)

	_, err = f.mgr.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.mgr.View(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPlayThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	require.NoError(t, f.mgr.Start(ctx, s.Token))
	assert.ErrorIs(t, f.mgr.Start(ctx, s.Token), quiz.ErrPrecondition)

	f.clock.Tick(3)
	view, err := f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, view.Status)
	assert.Equal(t, 27, view.TimeRemaining)
	require.NotNil(t, view.Question)
	assert.Equal(t, "q1", view.Question.ID)
	assert.Nil(t, view.Question.CorrectIndex)

	require.NoError(t, f.mgr.Answer(ctx, s.Token, "q1", 1))
	view, err = f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	require.NotNil(t, view.SelectedOption)
	assert.Equal(t, 1, *view.SelectedOption)
	assert.Equal(t, []string{"q1"}, view.Answered)

	require.NoError(t, f.mgr.Advance(ctx, s.Token))
	require.NoError(t, f.mgr.Advance(ctx, s.Token))
	f.flush(t)

	assert.Equal(t, 0, f.mgr.ActiveCount(), "controller destroyed after submission")
	stored := f.stored(t, s.ID)
	assert.Equal(t, models.SessionSubmitted, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.SubmittedAt)

	calls := f.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, s.ID, calls[0].SessionID)
	assert.Len(t, calls[0].Answers, 1)

	view, err = f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionSubmitted, view.Status)
	assert.Equal(t, 2, view.CurrentIndex)

	assert.ErrorIs(t, f.mgr.Advance(ctx, s.Token), ErrAlreadySubmitted)
	assert.NoError(t, f.mgr.Retry(ctx, s.Token))
	assert.NoError(t, f.mgr.Close(ctx, s.Token))
	assert.ErrorIs(t, f.mgr.Discard(ctx, s.ID), ErrAlreadySubmitted)

	assert.Equal(t, []string{
		models.EventQuestion, models.EventAnswered, models.EventQuestion,
		models.EventFinished, models.EventSubmitted,
	}, f.published.Types())
}

func TestTimeoutDrivenCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	require.NoError(t, f.mgr.Start(ctx, s.Token))
	f.clock.Tick(62)
	f.flush(t)

	assert.Equal(t, models.SessionSubmitted, f.stored(t, s.ID).Status)
	require.Len(t, f.sink.Calls(), 1)
	assert.Empty(t, f.sink.Calls()[0].Answers)
}

func TestSubmissionFailureAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	f.sink.FailNext(1, errors.New("scoring service down"))

	require.NoError(t, f.mgr.Start(ctx, s.Token))
	require.NoError(t, f.mgr.Advance(ctx, s.Token))
	err := f.mgr.Advance(ctx, s.Token)
	require.ErrorIs(t, err, quiz.ErrSubmissionFailed)
	f.flush(t)

	stored := f.stored(t, s.ID)
	assert.Equal(t, models.SessionFinished, stored.Status)
	assert.Contains(t, stored.StatusMessage, "scoring service down")

	view, err := f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, view.Status)
	assert.True(t, view.Retryable)
	assert.NotEmpty(t, view.LastError)

	require.NoError(t, f.mgr.Retry(ctx, s.Token))
	f.flush(t)

	stored = f.stored(t, s.ID)
	assert.Equal(t, models.SessionSubmitted, stored.Status)
	assert.Empty(t, stored.StatusMessage)

	calls := f.sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
}

func TestSweepRetriesFailedSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	f.sink.FailNext(1, errors.New("timeout"))
	require.NoError(t, f.mgr.Start(ctx, s.Token))
	require.NoError(t, f.mgr.Advance(ctx, s.Token))
	require.Error(t, f.mgr.Advance(ctx, s.Token))

	res, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	f.flush(t)

	assert.Equal(t, models.SessionSubmitted, f.stored(t, s.ID).Status)
}

func TestSweepExpiresStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.create(t, "cand-stale")
	started := f.create(t, "cand-started")
	require.NoError(t, f.mgr.Start(ctx, started.Token))

	// A record whose controller is gone, e.g. after a restart
	orphan := &models.Session{
		ID:          "orphan",
		Token:       "orphan-token",
		JobID:       "job-1",
		CandidateID: "cand-orphan",
		Status:      models.SessionActive,
		CreatedAt:   epoch,
	}
	require.NoError(t, f.repo.CreateSession(ctx, orphan))

	f.clock.Advance(10 * time.Second)
	res, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired, "only the orphan before the join TTL")

	f.mgr.Close(ctx, started.Token)
	f.flush(t)

	// No timers are pending now, so the clock can jump past the join TTL
	f.clock.Advance(2 * time.Hour)
	res, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	f.flush(t)

	rec := f.stored(t, stale.ID)
	assert.Equal(t, models.SessionExpired, rec.Status)
	assert.Equal(t, ReasonJoinExpired, rec.StatusMessage)

	rec = f.stored(t, "orphan")
	assert.Equal(t, models.SessionExpired, rec.Status)
	assert.Equal(t, ReasonLost, rec.StatusMessage)

	assert.ErrorIs(t, f.mgr.Start(ctx, stale.Token), quiz.ErrClosed)
	assert.Contains(t, f.published.Types(), models.EventExpired)

	view, err := f.mgr.View(ctx, "orphan-token")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, view.Status)
}

func TestCloseByCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	require.NoError(t, f.mgr.Start(ctx, s.Token))
	require.NoError(t, f.mgr.Answer(ctx, s.Token, "q1", 0))
	require.NoError(t, f.mgr.Close(ctx, s.Token))
	f.flush(t)

	assert.Equal(t, 0, f.mgr.ActiveCount())
	assert.Zero(t, f.clock.Pending())

	rec := f.stored(t, s.ID)
	assert.Equal(t, models.SessionExpired, rec.Status)
	assert.Equal(t, ReasonClosedByCandidate, rec.StatusMessage)

	view, err := f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, view.Status)

	assert.NoError(t, f.mgr.Close(ctx, s.Token))
	assert.ErrorIs(t, f.mgr.Answer(ctx, s.Token, "q1", 1), quiz.ErrClosed)
	assert.ErrorIs(t, f.mgr.Close(ctx, "unknown"), ErrSessionNotFound)

	f.clock.Tick(120)
	assert.Empty(t, f.sink.Calls())
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	require.NoError(t, f.mgr.Discard(ctx, s.ID))
	f.flush(t)

	rec := f.stored(t, s.ID)
	assert.Equal(t, models.SessionExpired, rec.Status)
	assert.Equal(t, ReasonDiscarded, rec.StatusMessage)

	assert.NoError(t, f.mgr.Discard(ctx, s.ID), "discarding twice is a no-op")
	assert.ErrorIs(t, f.mgr.Discard(ctx, "missing"), ErrSessionNotFound)

	// A discarded attempt no longer blocks a new one
	_, err := f.mgr.Create(ctx, "job-1", "cand-1", "recruiter")
	assert.NoError(t, err)
}

// lostAckSink stores the submission and then reports a failure for the first
// lose calls, like a sink whose response never reached us
type lostAckSink struct {
	next quiz.Sink
	lose int
}

func (s *lostAckSink) Submit(ctx context.Context, sub models.Submission) error {
	if err := s.next.Submit(ctx, sub); err != nil {
		return err
	}
	if s.lose > 0 {
		s.lose--
		return errors.New("ack lost")
	}
	return nil
}

func TestLaterAttemptIsRecordedSeparately(t *testing.T) {
	f := newFixtureWithSink(t, func(f *fixture) quiz.Sink {
		return &lostAckSink{next: sink.NewRepositorySink(f.loader, f.repo, nil), lose: 1}
	})
	ctx := context.Background()

	first := f.create(t, "cand-1")
	require.NoError(t, f.mgr.Start(ctx, first.Token))
	require.NoError(t, f.mgr.Answer(ctx, first.Token, "q1", 0))
	require.NoError(t, f.mgr.Advance(ctx, first.Token))
	require.ErrorIs(t, f.mgr.Advance(ctx, first.Token), quiz.ErrSubmissionFailed)
	require.NoError(t, f.mgr.Discard(ctx, first.ID))
	f.flush(t)
	assert.Equal(t, models.SessionExpired, f.stored(t, first.ID).Status)

	second := f.create(t, "cand-1")
	require.NoError(t, f.mgr.Start(ctx, second.Token))
	require.NoError(t, f.mgr.Answer(ctx, second.Token, "q1", 1))
	require.NoError(t, f.mgr.Advance(ctx, second.Token))
	require.NoError(t, f.mgr.Advance(ctx, second.Token))
	f.flush(t)
	assert.Equal(t, models.SessionSubmitted, f.stored(t, second.ID).Status)

	rec, err := f.repo.GetSubmission(ctx, quiz.IdempotencyKey("job-1", "cand-1", second.ID))
	require.NoError(t, err)
	require.NotNil(t, rec, "the second attempt's answers are stored")
	assert.Equal(t, second.ID, rec.SessionID)
	assert.Equal(t, []models.AnswerEntry{{QuestionID: "q1", SelectedIndex: 1, SelectedAnswer: "b"}}, rec.Answers)

	all, err := f.repo.ListSubmissions(ctx, models.ListFilters{JobID: "job-1", CandidateID: "cand-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConcurrentCreateAllowsOneOpenAttempt(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := f.mgr.Create(context.Background(), "job-1", "cand-1", "recruiter")
			errs <- err
		}()
	}

	created := 0
	for i := 0; i < callers; i++ {
		err := <-errs
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateSession)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.mgr.ActiveCount())
}

func TestSweepLeavesJustStartedSessionAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	require.NoError(t, f.mgr.Start(ctx, s.Token))
	f.flush(t)

	// The stored record still says ready, as if the start had not been written yet
	rec := f.stored(t, s.ID)
	rec.Status = models.SessionReady
	require.NoError(t, f.repo.UpdateSession(ctx, rec))

	f.mgr.cfg.JoinTTL = 0
	f.clock.Tick(1)

	res, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	view, err := f.mgr.View(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, view.Status)
	assert.NoError(t, f.mgr.Answer(ctx, s.Token, "q1", 0))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")

	stream, unsubscribe, err := f.mgr.Subscribe(ctx, s.Token)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, f.mgr.Start(ctx, s.Token))
	f.clock.Tick(1)

	first := <-stream
	assert.Equal(t, models.EventQuestion, first.Type)
	assert.Equal(t, "q1", first.QuestionID)
	assert.Equal(t, 30, first.TimeRemaining)

	tick := <-stream
	assert.Equal(t, models.EventTick, tick.Type)
	assert.Equal(t, 29, tick.TimeRemaining)

	require.NoError(t, f.mgr.Advance(ctx, s.Token))
	require.NoError(t, f.mgr.Advance(ctx, s.Token))
	f.flush(t)

	var types []string
	for ev := range stream {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{models.EventQuestion, models.EventFinished, models.EventSubmitted}, types)

	_, _, err = f.mgr.Subscribe(ctx, s.Token)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "cand-1")
	require.NoError(t, f.mgr.Start(ctx, s.Token))

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(shutdownCtx))

	rec := f.stored(t, s.ID)
	assert.Equal(t, models.SessionExpired, rec.Status)
	assert.Equal(t, ReasonShutdown, rec.StatusMessage)
	assert.Zero(t, f.clock.Pending())
}

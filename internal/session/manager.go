package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobpostpro/quiz-engine/internal/cache"
	"github.com/jobpostpro/quiz-engine/internal/events"
	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
	"github.com/jobpostpro/quiz-engine/internal/storage"
)

// Common errors
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("candidate already has a session for this job")
	ErrAlreadySubmitted = errors.New("session already submitted")
)

// Close reasons recorded as the session status message
const (
	ReasonClosedByCandidate = "closed by candidate"
	ReasonDiscarded         = "discarded by recruiter"
	ReasonJoinExpired       = "join link expired"
	ReasonLost              = "session lost on restart"
	ReasonShutdown          = "server shutdown"
)

// Manager owns one quiz controller per candidate attempt
type Manager interface {
	// Recruiter side
	Create(ctx context.Context, jobID, candidateID, createdBy string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, filters models.ListFilters) ([]*models.Session, error)
	Discard(ctx context.Context, id string) error

	// Candidate side, addressed by join token
	GetByToken(ctx context.Context, token string) (*models.Session, error)
	View(ctx context.Context, token string) (models.SessionView, error)
	Start(ctx context.Context, token string) error
	Answer(ctx context.Context, token, questionID string, option int) error
	Advance(ctx context.Context, token string) error
	Retry(ctx context.Context, token string) error
	Close(ctx context.Context, token string) error
	Subscribe(ctx context.Context, token string) (<-chan models.SessionEvent, func(), error)

	Sweep(ctx context.Context) (SweepResult, error)
	ActiveCount() int
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// QuestionSource loads the questions for a job's quiz
type QuestionSource interface {
	Questions(ctx context.Context, jobID string) ([]models.Question, error)
}

// Config holds manager tunables
type Config struct {
	QuestionTime  time.Duration
	SubmitTimeout time.Duration
	JoinTTL       time.Duration
	Clock         quiz.Clock
}

// SweepResult summarizes one cleanup pass
type SweepResult struct {
	Expired int
	Retried int
}

// QuizManager implements Manager with in-process controllers
type QuizManager struct {
	repo      storage.Repository
	questions QuestionSource
	sink      quiz.Sink
	snapshots cache.SnapshotStore
	publisher events.Publisher
	cfg       Config
	clock     quiz.Clock

	mu      sync.RWMutex
	live    map[string]*liveSession
	byToken map[string]*liveSession

	// createMu serializes the open-attempt check with the insert
	createMu sync.Mutex

	queue    *persistQueue
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a QuizManager and starts its persist worker
func NewManager(
	repo storage.Repository,
	questions QuestionSource,
	sink quiz.Sink,
	snapshots cache.SnapshotStore,
	publisher events.Publisher,
	cfg Config,
) *QuizManager {
	if cfg.QuestionTime <= 0 {
		cfg.QuestionTime = quiz.DefaultQuestionTime
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = quiz.DefaultSubmitTimeout
	}
	if cfg.JoinTTL <= 0 {
		cfg.JoinTTL = 72 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = quiz.SystemClock()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	m := &QuizManager{
		repo:      repo,
		questions: questions,
		sink:      sink,
		snapshots: snapshots,
		publisher: publisher,
		cfg:       cfg,
		clock:     cfg.Clock,
		live:      make(map[string]*liveSession),
		byToken:   make(map[string]*liveSession),
		queue:     newPersistQueue(),
		stop:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.runWorker()

	return m
}

// Ping checks the repository and snapshot store
func (m *QuizManager) Ping(ctx context.Context) error {
	if err := m.repo.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := m.snapshots.Ping(ctx); err != nil {
		return fmt.Errorf("snapshot store ping failed: %w", err)
	}
	return nil
}

// Create loads the job's questions once and prepares a controller waiting for the candidate
func (m *QuizManager) Create(ctx context.Context, jobID, candidateID, createdBy string) (*models.Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	existing, err := m.repo.ListSessions(ctx, models.ListFilters{JobID: jobID, CandidateID: candidateID})
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.Status != models.SessionExpired {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
		}
	}

	questions, err := m.questions.Questions(ctx, jobID)
	if err != nil {
		return nil, err
	}

	token, err := models.GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	record := models.Session{
		ID:            uuid.New().String(),
		Token:         token,
		JobID:         jobID,
		CandidateID:   candidateID,
		Status:        models.SessionReady,
		QuestionCount: len(questions),
		CreatedAt:     m.clock.Now().UTC(),
		CreatedBy:     createdBy,
	}

	ls := newLiveSession(record, questions)
	ctrl, err := quiz.NewController(quiz.Config{
		SessionID:     record.ID,
		JobID:         jobID,
		CandidateID:   candidateID,
		Questions:     questions,
		QuestionTime:  m.cfg.QuestionTime,
		SubmitTimeout: m.cfg.SubmitTimeout,
		Clock:         m.clock,
		Sink:          m.sink,
		OnEvent:       func(ev quiz.Event) { m.onEvent(ls, ev) },
	})
	if err != nil {
		return nil, err
	}
	ls.ctrl = ctrl

	if err := m.repo.CreateSession(ctx, &record); err != nil {
		// Another replica won the race for this candidate
		if errors.Is(err, storage.ErrOpenAttemptExists) {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateSession, jobID, candidateID)
		}
		return nil, err
	}

	m.mu.Lock()
	m.live[record.ID] = ls
	m.byToken[record.Token] = ls
	m.mu.Unlock()

	slog.Info("quiz session created",
		"session_id", record.ID,
		"job_id", jobID,
		"candidate_id", candidateID,
		"questions", len(questions),
	)

	return &record, nil
}

// Get returns the session record, with the live status when a controller exists
func (m *QuizManager) Get(ctx context.Context, id string) (*models.Session, error) {
	if ls := m.liveByID(id); ls != nil {
		rec := ls.snapshotRecord()
		rec.Status = statusOf(ls.ctrl.Snapshot())
		return &rec, nil
	}

	s, err := m.repo.GetSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetByToken resolves a join token
func (m *QuizManager) GetByToken(ctx context.Context, token string) (*models.Session, error) {
	if ls := m.liveByToken(token); ls != nil {
		rec := ls.snapshotRecord()
		rec.Status = statusOf(ls.ctrl.Snapshot())
		return &rec, nil
	}

	s, err := m.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *QuizManager) List(ctx context.Context, filters models.ListFilters) ([]*models.Session, error) {
	return m.repo.ListSessions(ctx, filters)
}

// View renders the candidate view. Sessions without a controller are served
// from the snapshot store, falling back to the stored record.
func (m *QuizManager) View(ctx context.Context, token string) (models.SessionView, error) {
	if ls := m.liveByToken(token); ls != nil {
		return ls.view(m.clock.Now()), nil
	}

	rec, err := m.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return models.SessionView{}, err
	}
	if rec == nil {
		return models.SessionView{}, ErrSessionNotFound
	}

	snap, err := m.snapshots.Load(ctx, rec.ID)
	if err != nil {
		slog.Warn("failed to load session snapshot", "session_id", rec.ID, "error", err)
	}
	if snap != nil {
		return *snap, nil
	}
	return viewFromRecord(rec, m.clock.Now()), nil
}

func (m *QuizManager) Start(ctx context.Context, token string) error {
	ls, err := m.controllerFor(ctx, token)
	if err != nil {
		return err
	}
	return ls.ctrl.Start()
}

func (m *QuizManager) Answer(ctx context.Context, token, questionID string, option int) error {
	ls, err := m.controllerFor(ctx, token)
	if err != nil {
		return err
	}
	return ls.ctrl.SelectAnswer(questionID, option)
}

// Advance moves to the next question. On the last question the submission
// runs detached from ctx so a dropped request cannot abort it.
func (m *QuizManager) Advance(ctx context.Context, token string) error {
	ls, err := m.controllerFor(ctx, token)
	if err != nil {
		return err
	}

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SubmitTimeout)
	defer cancel()
	return ls.ctrl.Advance(submitCtx)
}

// Retry resends a failed submission
func (m *QuizManager) Retry(ctx context.Context, token string) error {
	ls, err := m.controllerFor(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAlreadySubmitted) {
			return nil
		}
		return err
	}

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SubmitTimeout)
	defer cancel()
	return ls.ctrl.RetrySubmit(submitCtx)
}

// Close tears down the candidate's view. Closing an ended session is a no-op.
func (m *QuizManager) Close(ctx context.Context, token string) error {
	ls := m.liveByToken(token)
	if ls == nil {
		rec, err := m.repo.GetSessionByToken(ctx, token)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrSessionNotFound
		}
		return nil
	}

	m.closeLive(ls, models.EventClosed, ReasonClosedByCandidate)
	return nil
}

// Discard is the recruiter teardown of a session that has not been submitted
func (m *QuizManager) Discard(ctx context.Context, id string) error {
	if ls := m.liveByID(id); ls != nil {
		if ls.ctrl.State() == quiz.StateSubmitted {
			return ErrAlreadySubmitted
		}
		m.closeLive(ls, models.EventClosed, ReasonDiscarded)
		return nil
	}

	rec, err := m.repo.GetSessionByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}

	switch rec.Status {
	case models.SessionSubmitted:
		return ErrAlreadySubmitted
	case models.SessionExpired:
		return nil
	}
	return m.expireRecord(ctx, rec, ReasonDiscarded)
}

// Subscribe streams session events until the session ends or unsubscribe is called
func (m *QuizManager) Subscribe(ctx context.Context, token string) (<-chan models.SessionEvent, func(), error) {
	ls, err := m.controllerFor(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := ls.subscribe()
	return ch, unsubscribe, nil
}

// Sweep expires never-started sessions past the join TTL, expires stored
// sessions that lost their controller, and retries failed submissions.
func (m *QuizManager) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	cutoff := m.clock.Now().Add(-m.cfg.JoinTTL)

	stale, err := m.repo.GetStaleSessions(ctx, models.SessionReady, cutoff)
	if err != nil {
		return result, err
	}
	for _, rec := range stale {
		if ls := m.liveByID(rec.ID); ls != nil {
			// The record can lag behind a Start that is still being persisted
			if m.expireUnstarted(ls, ReasonJoinExpired) {
				result.Expired++
			}
			continue
		}
		if err := m.expireRecord(ctx, rec, ReasonJoinExpired); err != nil {
			slog.Error("failed to expire session", "session_id", rec.ID, "error", err)
			continue
		}
		result.Expired++
	}

	// Active and finished records without a controller cannot make progress.
	now := m.clock.Now()
	for _, status := range []models.SessionStatus{models.SessionActive, models.SessionFinished} {
		orphans, err := m.repo.GetStaleSessions(ctx, status, now)
		if err != nil {
			return result, err
		}
		for _, rec := range orphans {
			if m.liveByID(rec.ID) != nil {
				continue
			}
			if err := m.expireRecord(ctx, rec, ReasonLost); err != nil {
				slog.Error("failed to expire session", "session_id", rec.ID, "error", err)
				continue
			}
			result.Expired++
		}
	}

	for _, ls := range m.liveSessions() {
		snap := ls.ctrl.Snapshot()
		if snap.State != quiz.StateFinished || snap.Submitting || snap.Closed || snap.LastError == nil {
			continue
		}

		submitCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		err := ls.ctrl.RetrySubmit(submitCtx)
		cancel()

		result.Retried++
		if err != nil {
			slog.Warn("background submission retry failed", "session_id", ls.id(), "error", err)
		}
	}

	return result, nil
}

// ActiveCount returns how many controllers are held in memory
func (m *QuizManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Shutdown closes every controller and waits for pending writes.
// In-flight sessions end as expired; there is no resume across restarts.
func (m *QuizManager) Shutdown(ctx context.Context) error {
	for _, ls := range m.liveSessions() {
		m.closeLive(ls, models.EventClosed, ReasonShutdown)
	}

	m.stopOnce.Do(func() { close(m.stop) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onEvent runs with the controller lock held: fan out and queue, nothing else
func (m *QuizManager) onEvent(ls *liveSession, ev quiz.Event) {
	se := models.SessionEvent{
		Type:          ev.Type,
		SessionID:     ls.id(),
		JobID:         ls.record.JobID,
		CandidateID:   ls.record.CandidateID,
		QuestionIndex: ev.QuestionIndex,
		QuestionID:    ev.QuestionID,
		TimeRemaining: ev.TimeRemaining,
		At:            ev.At.UTC(),
	}
	if ev.Type == models.EventSubmissionFailed && ev.Err != nil {
		se.Error = ev.Err.Error()
	}
	if ev.Type == models.EventClosed {
		if closeEvent, _ := ls.closing(); closeEvent != "" {
			se.Type = closeEvent
		}
	}

	ls.broadcast(se)

	if se.Type != models.EventTick {
		m.queue.push(persistJob{session: ls, event: se})
	}
}

func (m *QuizManager) closeLive(ls *liveSession, eventType, reason string) {
	ls.markClosing(eventType, reason)
	ls.ctrl.Close()
}

// expireUnstarted closes ls only if the candidate has not started it
func (m *QuizManager) expireUnstarted(ls *liveSession, reason string) bool {
	return ls.ctrl.CloseIfNotStarted(func() {
		ls.markClosing(models.EventExpired, reason)
	})
}

// destroy drops the controller and ends every stream
func (m *QuizManager) destroy(ls *liveSession) {
	m.mu.Lock()
	if cur, ok := m.live[ls.id()]; ok && cur == ls {
		delete(m.live, ls.id())
		delete(m.byToken, ls.record.Token)
	}
	m.mu.Unlock()

	ls.end()
}

func (m *QuizManager) expireRecord(ctx context.Context, rec *models.Session, reason string) error {
	rec.Status = models.SessionExpired
	rec.StatusMessage = reason
	if err := m.repo.UpdateSession(ctx, rec); err != nil {
		return err
	}

	view := viewFromRecord(rec, m.clock.Now())
	if err := m.snapshots.Save(ctx, view); err != nil {
		slog.Warn("failed to save session snapshot", "session_id", rec.ID, "error", err)
	}

	ev := models.SessionEvent{
		Type:        models.EventExpired,
		SessionID:   rec.ID,
		JobID:       rec.JobID,
		CandidateID: rec.CandidateID,
		Error:       reason,
		At:          m.clock.Now().UTC(),
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish session event", "session_id", rec.ID, "event", ev.Type, "error", err)
	}

	slog.Info("quiz session expired", "session_id", rec.ID, "reason", reason)
	return nil
}

// controllerFor resolves a token to a live controller, explaining why when there is none
func (m *QuizManager) controllerFor(ctx context.Context, token string) (*liveSession, error) {
	if ls := m.liveByToken(token); ls != nil {
		return ls, nil
	}

	rec, err := m.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	if rec.Status == models.SessionSubmitted {
		return nil, ErrAlreadySubmitted
	}
	return nil, fmt.Errorf("%w: session is %s", quiz.ErrClosed, rec.Status)
}

func (m *QuizManager) liveByToken(token string) *liveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byToken[token]
}

func (m *QuizManager) liveByID(id string) *liveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[id]
}

func (m *QuizManager) liveSessions() []*liveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*liveSession, 0, len(m.live))
	for _, ls := range m.live {
		out = append(out, ls)
	}
	return out
}

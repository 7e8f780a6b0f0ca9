package quiz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

const (
	// DefaultQuestionTime is the per-question countdown budget
	DefaultQuestionTime = 30 * time.Second

	// DefaultSubmitTimeout bounds a submission triggered by the countdown
	DefaultSubmitTimeout = 10 * time.Second

	tickInterval = time.Second
)

// idempotencyNamespace scopes submission keys derived from job, candidate and session ids
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://jobpostpro.com/quiz-submissions"))

// State is the controller lifecycle
type State int

const (
	StateNotStarted State = iota
	StateActive
	StateFinished
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	case StateSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink receives the finished quiz. Implementations must treat a repeated
// payload with the same idempotency key as a no-op success.
type Sink interface {
	Submit(ctx context.Context, submission models.Submission) error
}

// Event is a state change reported to the observer
type Event struct {
	Type          string
	QuestionIndex int
	QuestionID    string
	TimeRemaining int
	Err           error
	At            time.Time
}

// Config configures a Controller
type Config struct {
	SessionID   string
	JobID       string
	CandidateID string
	Questions   []models.Question

	// QuestionTime is rounded down to whole seconds. Zero means DefaultQuestionTime.
	QuestionTime time.Duration

	// SubmitTimeout applies when the countdown finishes the quiz.
	// Callers of Advance and RetrySubmit pass their own context.
	SubmitTimeout time.Duration

	Clock Clock
	Sink  Sink

	// OnEvent is called with the controller lock held. It must not block
	// and must not call back into the controller.
	OnEvent func(Event)
}

// Snapshot is a consistent read of the controller observables
type Snapshot struct {
	State          State
	CurrentIndex   int
	QuestionCount  int
	TimeRemaining  int
	Answers        map[string]int
	Submitting     bool
	SubmitAttempts int
	LastError      error
	Closed         bool
}

// Controller drives one candidate through one attempt at a quiz.
// All transitions are serialized by mu; sink calls run outside of it.
type Controller struct {
	sessionID     string
	jobID         string
	candidateID   string
	questions     []models.Question
	positions     map[string]int
	budget        int
	submitTimeout time.Duration
	clock         Clock
	sink          Sink
	onEvent       func(Event)

	mu         sync.Mutex
	state      State
	current    int
	remaining  int
	answers    map[string]int
	payload    *models.Submission
	submitting bool
	attempts   int
	lastErr    error
	closed     bool
	cancelTick func()
	generation uint64
}

// NewController validates the questions and returns a controller in StateNotStarted.
// An empty question list is accepted here and rejected by Start.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Sink == nil {
		return nil, errors.New("quiz: submission sink is required")
	}
	if err := ValidateQuestions(cfg.Questions); err != nil {
		return nil, err
	}

	budget := int(cfg.QuestionTime / time.Second)
	if budget <= 0 {
		budget = int(DefaultQuestionTime / time.Second)
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}

	questions := make([]models.Question, len(cfg.Questions))
	positions := make(map[string]int, len(cfg.Questions))
	for i, q := range cfg.Questions {
		questions[i] = q
		positions[q.ID] = i
	}

	return &Controller{
		sessionID:     cfg.SessionID,
		jobID:         cfg.JobID,
		candidateID:   cfg.CandidateID,
		questions:     questions,
		positions:     positions,
		budget:        budget,
		submitTimeout: submitTimeout,
		clock:         clock,
		sink:          cfg.Sink,
		onEvent:       cfg.OnEvent,
		state:         StateNotStarted,
		current:       -1,
		answers:       make(map[string]int),
	}, nil
}

// ValidateQuestions checks ids are present and unique and every question has two or more options
func ValidateQuestions(questions []models.Question) error {
	seen := make(map[string]struct{}, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidQuestion, i)
		}
		if _, ok := seen[q.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateQuestionID, q.ID)
		}
		seen[q.ID] = struct{}{}

		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %q needs at least 2 options", ErrInvalidQuestion, q.ID)
		}
		if q.CorrectIndex != nil && (*q.CorrectIndex < 0 || *q.CorrectIndex >= len(q.Options)) {
			return fmt.Errorf("%w: question %q correct answer out of range", ErrInvalidQuestion, q.ID)
		}
	}
	return nil
}

// IdempotencyKey derives the submission key for one attempt. Retries of the
// attempt share it; a later attempt by the same candidate gets its own.
func IdempotencyKey(jobID, candidateID, sessionID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(jobID+"/"+candidateID+"/"+sessionID)).String()
}

// Start enters the first question with a full countdown
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state != StateNotStarted {
		return preconditionf("quiz already %s", c.state)
	}
	if len(c.questions) == 0 {
		return ErrEmptyQuiz
	}

	c.answers = make(map[string]int)
	c.state = StateActive
	c.enterQuestionLocked(0)
	return nil
}

// SelectAnswer records the option for the current question, replacing any earlier choice
func (c *Controller) SelectAnswer(questionID string, option int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActiveLocked(); err != nil {
		return err
	}

	pos, ok := c.positions[questionID]
	if !ok {
		return preconditionf("unknown question %q", questionID)
	}
	if pos != c.current {
		return preconditionf("question %q is not the current question", questionID)
	}
	if option < 0 || option >= len(c.questions[pos].Options) {
		return preconditionf("option %d out of range for question %q", option, questionID)
	}

	if prev, had := c.answers[questionID]; had && prev == option {
		return nil
	}
	c.answers[questionID] = option
	c.emitLocked(models.EventAnswered)
	return nil
}

// Advance moves to the next question. Advancing past the last question finishes
// the quiz and submits it with ctx; a failed submission returns *SubmissionError.
func (c *Controller) Advance(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkActiveLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	payload := c.advanceLocked()
	c.mu.Unlock()

	if payload == nil {
		return nil
	}
	return c.submit(ctx, payload)
}

// RetrySubmit resends the payload built when the quiz finished.
// It is a no-op once the submission has been acknowledged.
func (c *Controller) RetrySubmit(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateSubmitted:
		c.mu.Unlock()
		return nil
	case StateFinished:
	default:
		state := c.state
		c.mu.Unlock()
		return preconditionf("nothing to submit while %s", state)
	}
	if c.submitting {
		c.mu.Unlock()
		return ErrSubmissionInFlight
	}
	c.submitting = true
	c.attempts++
	payload := c.payload
	c.mu.Unlock()

	return c.submit(ctx, payload)
}

// Close cancels the countdown. Later mutations return ErrClosed.
// A submission already in flight runs to completion.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.stopTickLocked()
	c.emitLocked(models.EventClosed)
}

// CloseIfNotStarted closes the controller only while it still waits for Start
// and reports whether it did. onClose runs under the controller lock right
// before the closed event is emitted.
func (c *Controller) CloseIfNotStarted(onClose func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state != StateNotStarted {
		return false
	}
	if onClose != nil {
		onClose()
	}
	c.closed = true
	c.stopTickLocked()
	c.emitLocked(models.EventClosed)
	return true
}

// Snapshot returns a consistent copy of the observables
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	answers := make(map[string]int, len(c.answers))
	for k, v := range c.answers {
		answers[k] = v
	}
	return Snapshot{
		State:          c.state,
		CurrentIndex:   c.current,
		QuestionCount:  len(c.questions),
		TimeRemaining:  c.remaining,
		Answers:        answers,
		Submitting:     c.submitting,
		SubmitAttempts: c.attempts,
		LastError:      c.lastErr,
		Closed:         c.closed,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentIndex is -1 before start, the active position, or the question count once finished
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) TimeRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Controller) Answers() map[string]int {
	return c.Snapshot().Answers
}

// CurrentQuestion returns the active question without its correct answer
func (c *Controller) CurrentQuestion() (models.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return models.Question{}, false
	}
	return c.questions[c.current].Public(), true
}

// Submission returns the payload built when the quiz finished
func (c *Controller) Submission() (models.Submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.payload == nil {
		return models.Submission{}, false
	}
	sub := *c.payload
	sub.Answers = append([]models.AnswerEntry(nil), c.payload.Answers...)
	return sub, true
}

func (c *Controller) checkActiveLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state != StateActive {
		return preconditionf("quiz is %s", c.state)
	}
	return nil
}

func (c *Controller) enterQuestionLocked(i int) {
	c.current = i
	c.remaining = c.budget
	c.emitLocked(models.EventQuestion)
	c.scheduleTickLocked()
}

// advanceLocked returns the payload to submit when the quiz just finished
func (c *Controller) advanceLocked() *models.Submission {
	c.stopTickLocked()

	if next := c.current + 1; next < len(c.questions) {
		c.enterQuestionLocked(next)
		return nil
	}

	c.current = len(c.questions)
	c.remaining = 0
	c.state = StateFinished
	c.payload = c.buildPayloadLocked()
	c.submitting = true
	c.attempts++
	c.emitLocked(models.EventFinished)
	return c.payload
}

func (c *Controller) buildPayloadLocked() *models.Submission {
	entries := make([]models.AnswerEntry, 0, len(c.answers))
	for _, q := range c.questions {
		idx, ok := c.answers[q.ID]
		if !ok {
			continue
		}
		entries = append(entries, models.AnswerEntry{
			QuestionID:     q.ID,
			SelectedIndex:  idx,
			SelectedAnswer: q.Options[idx],
		})
	}

	return &models.Submission{
		IdempotencyKey: IdempotencyKey(c.jobID, c.candidateID, c.sessionID),
		SessionID:      c.sessionID,
		JobID:          c.jobID,
		CandidateID:    c.candidateID,
		Answers:        entries,
		SubmittedAt:    c.clock.Now().UTC(),
	}
}

func (c *Controller) submit(ctx context.Context, payload *models.Submission) error {
	err := c.sink.Submit(ctx, *payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.submitting = false
	if err != nil {
		subErr := &SubmissionError{Attempt: c.attempts, Err: err}
		c.lastErr = subErr
		c.emitLocked(models.EventSubmissionFailed)
		return subErr
	}

	c.lastErr = nil
	c.state = StateSubmitted
	c.emitLocked(models.EventSubmitted)
	return nil
}

func (c *Controller) scheduleTickLocked() {
	c.stopTickLocked()
	c.generation++
	gen := c.generation
	c.cancelTick = c.clock.Schedule(tickInterval, func() { c.onTick(gen) })
}

func (c *Controller) stopTickLocked() {
	if c.cancelTick != nil {
		c.cancelTick()
		c.cancelTick = nil
	}
	// Invalidate a callback that already fired but has not taken the lock yet.
	c.generation++
}

func (c *Controller) onTick(gen uint64) {
	c.mu.Lock()
	if c.closed || c.state != StateActive || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.cancelTick = nil

	if c.remaining > 0 {
		c.remaining--
		c.emitLocked(models.EventTick)
		c.scheduleTickLocked()
		c.mu.Unlock()
		return
	}

	payload := c.advanceLocked()
	c.mu.Unlock()

	if payload == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.submitTimeout)
	defer cancel()
	_ = c.submit(ctx, payload)
}

func (c *Controller) emitLocked(eventType string) {
	if c.onEvent == nil {
		return
	}

	ev := Event{
		Type:          eventType,
		QuestionIndex: c.current,
		TimeRemaining: c.remaining,
		Err:           c.lastErr,
		At:            c.clock.Now(),
	}
	if c.current >= 0 && c.current < len(c.questions) {
		ev.QuestionID = c.questions[c.current].ID
	}
	c.onEvent(ev)
}

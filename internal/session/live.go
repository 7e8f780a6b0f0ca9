package session

import (
	"sync"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
)

const subscriberBuffer = 64

// liveSession pairs a controller with its persisted record and stream subscribers.
// mu is never held while calling into the controller.
type liveSession struct {
	ctrl      *quiz.Controller
	questions []models.Question

	mu          sync.Mutex
	record      models.Session
	closeEvent  string
	closeReason string
	subs        map[int]chan models.SessionEvent
	nextSub     int
	ended       bool
}

func newLiveSession(record models.Session, questions []models.Question) *liveSession {
	return &liveSession{
		record:    record,
		questions: questions,
		subs:      make(map[int]chan models.SessionEvent),
	}
}

func (ls *liveSession) id() string {
	return ls.record.ID
}

func (ls *liveSession) snapshotRecord() models.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.record
}

// markClosing records why the controller is about to be closed
func (ls *liveSession) markClosing(eventType, reason string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closeEvent == "" {
		ls.closeEvent = eventType
		ls.closeReason = reason
	}
}

func (ls *liveSession) closing() (string, string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.closeEvent, ls.closeReason
}

func (ls *liveSession) subscribe() (<-chan models.SessionEvent, func()) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan models.SessionEvent, subscriberBuffer)
	if ls.ended {
		close(ch)
		return ch, func() {}
	}

	id := ls.nextSub
	ls.nextSub++
	ls.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			if sub, ok := ls.subs[id]; ok {
				delete(ls.subs, id)
				close(sub)
			}
		})
	}
}

// broadcast never blocks. A subscriber with a full buffer misses the event.
func (ls *liveSession) broadcast(ev models.SessionEvent) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, ch := range ls.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// end closes every subscriber channel. Later subscribers get a closed channel.
func (ls *liveSession) end() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.ended {
		return
	}
	ls.ended = true
	for id, ch := range ls.subs {
		delete(ls.subs, id)
		close(ch)
	}
}

// apply folds a lifecycle event into the record and reports whether it changed
func (ls *liveSession) apply(ev models.SessionEvent) (models.Session, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	rec := &ls.record
	at := ev.At
	changed := false

	switch ev.Type {
	case models.EventQuestion:
		if rec.Status == models.SessionReady {
			rec.Status = models.SessionActive
			rec.StartedAt = &at
			changed = true
		}
	case models.EventFinished:
		rec.Status = models.SessionFinished
		rec.FinishedAt = &at
		changed = true
	case models.EventSubmissionFailed:
		rec.StatusMessage = ev.Error
		changed = true
	case models.EventSubmitted:
		rec.Status = models.SessionSubmitted
		rec.SubmittedAt = &at
		rec.StatusMessage = ""
		changed = true
	case models.EventClosed, models.EventExpired:
		if rec.Status != models.SessionSubmitted {
			rec.Status = models.SessionExpired
			rec.StatusMessage = ls.closeReason
			changed = true
		}
	}

	return *rec, changed
}

// view renders the candidate-facing state
func (ls *liveSession) view(now time.Time) models.SessionView {
	snap := ls.ctrl.Snapshot()
	rec := ls.snapshotRecord()

	v := models.SessionView{
		SessionID:      rec.ID,
		JobID:          rec.JobID,
		CandidateID:    rec.CandidateID,
		Status:         statusOf(snap),
		CurrentIndex:   snap.CurrentIndex,
		QuestionCount:  snap.QuestionCount,
		TimeRemaining:  snap.TimeRemaining,
		Answered:       make([]string, 0, len(snap.Answers)),
		Submitting:     snap.Submitting,
		SubmitAttempts: snap.SubmitAttempts,
		UpdatedAt:      now.UTC(),
	}

	for _, q := range ls.questions {
		if _, ok := snap.Answers[q.ID]; ok {
			v.Answered = append(v.Answered, q.ID)
		}
	}

	if q, ok := ls.ctrl.CurrentQuestion(); ok {
		v.Question = &q
		if opt, answered := snap.Answers[q.ID]; answered {
			v.SelectedOption = &opt
		}
	}

	if snap.LastError != nil {
		v.LastError = snap.LastError.Error()
		v.Retryable = snap.State == quiz.StateFinished && !snap.Submitting && !snap.Closed
	}
	return v
}

func statusOf(snap quiz.Snapshot) models.SessionStatus {
	if snap.Closed && snap.State != quiz.StateSubmitted {
		return models.SessionExpired
	}
	switch snap.State {
	case quiz.StateActive:
		return models.SessionActive
	case quiz.StateFinished:
		return models.SessionFinished
	case quiz.StateSubmitted:
		return models.SessionSubmitted
	default:
		return models.SessionReady
	}
}

// viewFromRecord renders a session that has no controller and no cached snapshot
func viewFromRecord(rec *models.Session, now time.Time) models.SessionView {
	v := models.SessionView{
		SessionID:     rec.ID,
		JobID:         rec.JobID,
		CandidateID:   rec.CandidateID,
		Status:        rec.Status,
		CurrentIndex:  -1,
		QuestionCount: rec.QuestionCount,
		Answered:      []string{},
		LastError:     rec.StatusMessage,
		UpdatedAt:     now.UTC(),
	}
	if rec.StartedAt != nil {
		v.CurrentIndex = rec.QuestionCount
	}
	return v
}

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

const persistTimeout = 5 * time.Second

type persistJob struct {
	session *liveSession
	event   models.SessionEvent
	done    chan struct{}
}

// persistQueue is an unbounded FIFO so controller callbacks never block
type persistQueue struct {
	mu     sync.Mutex
	items  []persistJob
	signal chan struct{}
}

func newPersistQueue() *persistQueue {
	return &persistQueue{signal: make(chan struct{}, 1)}
}

func (q *persistQueue) push(job persistJob) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *persistQueue) pop() (persistJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return persistJob{}, false
	}
	job := q.items[0]
	q.items[0] = persistJob{}
	q.items = q.items[1:]
	return job, true
}

func (m *QuizManager) runWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.queue.signal:
			m.drain()
		case <-m.stop:
			m.drain()
			return
		}
	}
}

func (m *QuizManager) drain() {
	for {
		job, ok := m.queue.pop()
		if !ok {
			return
		}
		if job.done != nil {
			close(job.done)
			continue
		}
		m.persist(job.session, job.event)
	}
}

// persist writes one lifecycle event to the repository, the snapshot store and the event bus
func (m *QuizManager) persist(ls *liveSession, ev models.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec, changed := ls.apply(ev)
	if changed {
		if err := m.repo.UpdateSession(ctx, &rec); err != nil {
			slog.Error("failed to persist session state",
				"session_id", rec.ID, "event", ev.Type, "error", err)
		}
	}

	if err := m.snapshots.Save(ctx, ls.view(m.clock.Now())); err != nil {
		slog.Warn("failed to save session snapshot", "session_id", rec.ID, "error", err)
	}

	if err := m.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish session event", "session_id", rec.ID, "event", ev.Type, "error", err)
	}

	switch ev.Type {
	case models.EventSubmitted:
		slog.Info("quiz submitted", "session_id", rec.ID, "job_id", rec.JobID, "candidate_id", rec.CandidateID)
		m.destroy(ls)
	case models.EventSubmissionFailed:
		slog.Warn("quiz submission failed", "session_id", rec.ID, "error", ev.Error)
	case models.EventClosed, models.EventExpired:
		slog.Info("quiz session closed", "session_id", rec.ID, "status", rec.Status, "reason", rec.StatusMessage)
		m.destroy(ls)
	}
}

// Flush blocks until every event queued before the call has been persisted
func (m *QuizManager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	m.queue.push(persistJob{done: done})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

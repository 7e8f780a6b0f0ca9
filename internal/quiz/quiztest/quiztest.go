// Package quiztest provides a manual clock and a scripted sink for driving
// quiz controllers deterministically in tests.
package quiztest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

type timer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

// Clock only moves when Advance is called. Due callbacks run on the caller's goroutine.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Schedule(delay time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &timer{at: c.now.Add(delay), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)

	return func() {
		c.mu.Lock()
		t.stopped = true
		c.mu.Unlock()
	}
}

// Advance moves time forward by d, firing due callbacks in order.
// Callbacks scheduled while advancing fire too if they fall within d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		c.mu.Unlock()

		next.fn()
	}
}

// Tick advances the clock by n seconds
func (c *Clock) Tick(n int) {
	c.Advance(time.Duration(n) * time.Second)
}

// Pending counts scheduled callbacks that have neither fired nor been cancelled
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *Clock) popDueLocked(target time.Time) *timer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})

	if len(c.timers) == 0 || c.timers[0].at.After(target) {
		return nil
	}
	t := c.timers[0]
	c.timers = c.timers[1:]
	return t
}

// Sink records submissions and fails the next N calls on request
type Sink struct {
	mu       sync.Mutex
	calls    []models.Submission
	failures int
	err      error
	block    chan struct{}
}

// FailNext makes the next n Submit calls return err
func (s *Sink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.err = err
}

// Block holds every Submit call until the returned func is called
func (s *Sink) Block() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *Sink) Submit(ctx context.Context, sub models.Submission) error {
	s.mu.Lock()
	s.calls = append(s.calls, sub)
	block := s.block
	var err error
	if s.failures > 0 {
		s.failures--
		err = s.err
	}
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns every payload received, failed attempts included
func (s *Sink) Calls() []models.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Submission(nil), s.calls...)
}

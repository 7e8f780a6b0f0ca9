package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SessionStatus represents the lifecycle of one candidate's quiz attempt
type SessionStatus string

const (
	SessionReady     SessionStatus = "ready"     // Created, waiting for candidate
	SessionActive    SessionStatus = "active"    // Quiz running, countdown ticking
	SessionFinished  SessionStatus = "finished"  // All questions done, submission pending or failed
	SessionSubmitted SessionStatus = "submitted" // Submission acknowledged by the sink
	SessionExpired   SessionStatus = "expired"   // Discarded before submission
)

// Session is the persisted record of a quiz attempt.
// Created by a recruiter, started when the candidate opens the join link.
type Session struct {
	ID            string        `json:"id"`
	Token         string        `json:"token,omitempty"`
	JobID         string        `json:"job_id"`
	CandidateID   string        `json:"candidate_id"`
	Status        SessionStatus `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	QuestionCount int           `json:"question_count"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	SubmittedAt   *time.Time    `json:"submitted_at,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
}

// IsTerminal returns true if no candidate action can change the session anymore
func (s *Session) IsTerminal() bool {
	return s.Status == SessionSubmitted || s.Status == SessionExpired
}

// GenerateSessionToken creates a cryptographically random 48-char hex token
func GenerateSessionToken() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// SessionView is what the presentation layer renders for a candidate
type SessionView struct {
	SessionID      string        `json:"session_id"`
	JobID          string        `json:"job_id"`
	CandidateID    string        `json:"candidate_id"`
	Status         SessionStatus `json:"status"`
	CurrentIndex   int           `json:"current_index"`
	QuestionCount  int           `json:"question_count"`
	TimeRemaining  int           `json:"time_remaining"`
	Question       *Question     `json:"question,omitempty"`
	SelectedOption *int          `json:"selected_option,omitempty"`
	Answered       []string      `json:"answered"`
	Submitting     bool          `json:"submitting"`
	SubmitAttempts int           `json:"submit_attempts"`
	LastError      string        `json:"last_error,omitempty"`
	Retryable      bool          `json:"retryable"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Session event types
const (
	EventQuestion         = "question"
	EventTick             = "tick"
	EventAnswered         = "answered"
	EventFinished         = "finished"
	EventSubmitted        = "submitted"
	EventSubmissionFailed = "submission_failed"
	EventClosed           = "closed"
	EventExpired          = "expired"

	// EventSubmissionRecorded is published by the database sink after a new submission is stored
	EventSubmissionRecorded = "submission_recorded"
)

// SessionEvent is a state change pushed to stream subscribers and the event bus
type SessionEvent struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	JobID         string    `json:"job_id"`
	CandidateID   string    `json:"candidate_id"`
	QuestionIndex int       `json:"question_index"`
	QuestionID    string    `json:"question_id,omitempty"`
	TimeRemaining int       `json:"time_remaining"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// CreateSessionRequest represents a request to create a quiz session
type CreateSessionRequest struct {
	JobID       string `json:"job_id"`
	CandidateID string `json:"candidate_id"`
}

// CreateSessionResponse is returned after creating a session
type CreateSessionResponse struct {
	ID          string        `json:"id"`
	Token       string        `json:"token"`
	JobID       string        `json:"job_id"`
	CandidateID string        `json:"candidate_id"`
	Status      SessionStatus `json:"status"`
	JoinURL     string        `json:"join_url"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AnswerRequest records the selected option for the current question
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Option     *int   `json:"option"`
}

// ListFilters defines filters for listing sessions and submissions
type ListFilters struct {
	JobID       string
	CandidateID string
	Status      SessionStatus
	Limit       int
	Offset      int
}

package models

import "time"

// AnswerEntry is one recorded answer in a submission payload
type AnswerEntry struct {
	QuestionID     string `json:"questionId"`
	SelectedIndex  int    `json:"selectedIndex"`
	SelectedAnswer string `json:"selectedAnswer"`
}

// Submission is the payload handed to the submission sink once a quiz is finished.
// The same payload (same IdempotencyKey and SubmittedAt) is resent on retry.
type Submission struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	SessionID      string        `json:"sessionId"`
	JobID          string        `json:"jobId"`
	CandidateID    string        `json:"candidateId"`
	Answers        []AnswerEntry `json:"answers"`
	SubmittedAt    time.Time     `json:"submittedAt"`
}

// Score is the server-side grading of a submission
type Score struct {
	Correct  int     `json:"correct"`
	Answered int     `json:"answered"`
	Total    int     `json:"total"`
	Percent  float64 `json:"percent"`
}

// SubmissionRecord is a stored, scored submission
type SubmissionRecord struct {
	Submission
	Score      Score     `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

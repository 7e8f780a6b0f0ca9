package models

import "time"

// Question is one multiple-choice question of a job's screening quiz.
// CorrectIndex is only known server-side and is never sent to candidates.
type Question struct {
	ID           string   `json:"id" yaml:"id"`
	Prompt       string   `json:"question" yaml:"question"`
	Options      []string `json:"options" yaml:"options"`
	CorrectIndex *int     `json:"-" yaml:"-"`
}

// Public returns a copy of the question that is safe to render to a candidate
func (q Question) Public() Question {
	options := make([]string, len(q.Options))
	copy(options, q.Options)
	return Question{
		ID:      q.ID,
		Prompt:  q.Prompt,
		Options: options,
	}
}

// Quiz is the screening quiz attached to a job posting
type Quiz struct {
	JobID       string     `json:"job_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Difficulty  string     `json:"difficulty,omitempty"`
	Questions   []Question `json:"questions"`
	LoadedAt    time.Time  `json:"loaded_at"`
}

// QuizSummary is the listing view of a quiz
type QuizSummary struct {
	JobID         string `json:"job_id"`
	Title         string `json:"title"`
	Difficulty    string `json:"difficulty,omitempty"`
	QuestionCount int    `json:"question_count"`
}

// Summary builds the listing view
func (q *Quiz) Summary() QuizSummary {
	return QuizSummary{
		JobID:         q.JobID,
		Title:         q.Title,
		Difficulty:    q.Difficulty,
		QuestionCount: len(q.Questions),
	}
}

// PublicQuestions strips correct answers from every question
func (q *Quiz) PublicQuestions() []Question {
	out := make([]Question, 0, len(q.Questions))
	for _, question := range q.Questions {
		out = append(out, question.Public())
	}
	return out
}

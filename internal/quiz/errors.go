package quiz

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQuiz           = errors.New("quiz has no questions")
	ErrDuplicateQuestionID = errors.New("duplicate question id")
	ErrInvalidQuestion     = errors.New("invalid question")
	ErrPrecondition        = errors.New("operation not allowed in current state")
	ErrSubmissionFailed    = errors.New("quiz submission failed")
	ErrSubmissionInFlight  = errors.New("quiz submission already in progress")
	ErrClosed              = errors.New("quiz session closed")
)

// SubmissionError is returned when the sink rejects or cannot be reached.
// The session stays finished with its answers intact and RetrySubmit may be called.
type SubmissionError struct {
	Attempt int
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("quiz submission attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrSubmissionFailed, e.Err}
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

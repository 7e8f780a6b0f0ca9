package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
)

// ErrQuizNotFound is returned when no quiz is registered for a job
var ErrQuizNotFound = errors.New("quiz not found")

// quizFile is the on-disk YAML layout of a job's quiz
type quizFile struct {
	JobID       string         `yaml:"job_id"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Difficulty  string         `yaml:"difficulty"`
	Questions   []questionFile `yaml:"questions"`
}

type questionFile struct {
	ID            string   `yaml:"id"`
	Question      string   `yaml:"question"`
	Options       []string `yaml:"options"`
	CorrectAnswer string   `yaml:"correct_answer"`
}

// Loader manages loading and caching of job quizzes
type Loader struct {
	mu      sync.RWMutex
	quizzes map[string]*models.Quiz
}

// NewLoader creates a new quiz loader
func NewLoader() *Loader {
	return &Loader{
		quizzes: make(map[string]*models.Quiz),
	}
}

// LoadFromDir loads every YAML quiz in dir and its direct subdirectories.
// Invalid files are logged and skipped.
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading quizzes from directory", "dir", dir)

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("quiz bank directory: %w", err)
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)

		subMatches, err := filepath.Glob(filepath.Join(dir, "*", pattern))
		if err != nil {
			continue
		}
		files = append(files, subMatches...)
	}

	loaded := 0
	for _, file := range files {
		if err := l.LoadFromFile(file); err != nil {
			slog.Warn("failed to load quiz", "file", file, "error", err)
			continue
		}
		loaded++
	}

	slog.Info("quizzes loaded", "count", loaded, "total_files", len(files))
	return nil
}

// LoadFromFile loads a single quiz from a YAML file
func (l *Loader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	q, err := Parse(data)
	if err != nil {
		return err
	}
	l.Add(q)

	slog.Info("quiz loaded", "job_id", q.JobID, "title", q.Title, "questions", len(q.Questions))
	return nil
}

// Parse decodes and validates one quiz document
func Parse(data []byte) (*models.Quiz, error) {
	var qf quizFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if qf.JobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	if qf.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if len(qf.Questions) == 0 {
		return nil, fmt.Errorf("quiz %s: %w", qf.JobID, quiz.ErrEmptyQuiz)
	}

	questions := make([]models.Question, 0, len(qf.Questions))
	for i, item := range qf.Questions {
		question := models.Question{
			ID:      strings.TrimSpace(item.ID),
			Prompt:  item.Question,
			Options: item.Options,
		}
		if question.ID == "" {
			question.ID = fmt.Sprintf("q%d", i+1)
		}

		if item.CorrectAnswer != "" {
			idx := indexOf(item.Options, item.CorrectAnswer)
			if idx < 0 {
				return nil, fmt.Errorf("quiz %s question %s: correct_answer %q is not one of the options",
					qf.JobID, question.ID, item.CorrectAnswer)
			}
			question.CorrectIndex = &idx
		}
		questions = append(questions, question)
	}

	if err := quiz.ValidateQuestions(questions); err != nil {
		return nil, fmt.Errorf("quiz %s: %w", qf.JobID, err)
	}

	return &models.Quiz{
		JobID:       qf.JobID,
		Title:       qf.Title,
		Description: qf.Description,
		Difficulty:  qf.Difficulty,
		Questions:   questions,
		LoadedAt:    time.Now().UTC(),
	}, nil
}

// Get retrieves a quiz by job id
func (l *Loader) Get(jobID string) *models.Quiz {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.quizzes[jobID]
}

// List returns summaries of all loaded quizzes ordered by job id
func (l *Loader) List() []models.QuizSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]models.QuizSummary, 0, len(l.quizzes))
	for _, q := range l.quizzes {
		result = append(result, q.Summary())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JobID < result[j].JobID })
	return result
}

// Add programmatically adds a quiz, replacing any quiz for the same job
func (l *Loader) Add(q *models.Quiz) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quizzes[q.JobID] = q
}

// Remove removes a quiz by job id
func (l *Loader) Remove(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.quizzes, jobID)
}

// Questions returns a copy of the job's questions, correct answers included.
// Callers must strip answers before sending questions to a candidate.
func (l *Loader) Questions(ctx context.Context, jobID string) ([]models.Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := l.Get(jobID)
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrQuizNotFound, jobID)
	}

	out := make([]models.Question, len(q.Questions))
	for i, question := range q.Questions {
		out[i] = question
		out[i].Options = append([]string(nil), question.Options...)
		if question.CorrectIndex != nil {
			idx := *question.CorrectIndex
			out[i].CorrectIndex = &idx
		}
	}
	return out, nil
}

// AnswerKey maps question id to correct option index for scoring.
// Questions without a correct answer are absent.
func (l *Loader) AnswerKey(ctx context.Context, jobID string) (map[string]int, error) {
	questions, err := l.Questions(ctx, jobID)
	if err != nil {
		return nil, err
	}

	key := make(map[string]int, len(questions))
	for _, q := range questions {
		if q.CorrectIndex != nil {
			key[q.ID] = *q.CorrectIndex
		}
	}
	return key, nil
}

func indexOf(options []string, value string) int {
	for i, opt := range options {
		if opt == value {
			return i
		}
	}
	return -1
}

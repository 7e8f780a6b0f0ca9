package bank

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobpostpro/quiz-engine/internal/quiz"
)

func TestLoadFromDir(t *testing.T) {
	// Use the bundled quiz bank
	bankDir := filepath.Join("..", "..", "quizzes")
	if _, err := os.Stat(bankDir); os.IsNotExist(err) {
		t.Skip("quizzes directory not found, skipping")
	}

	loader := NewLoader()
	require.NoError(t, loader.LoadFromDir(bankDir))

	summaries := loader.List()
	require.GreaterOrEqual(t, len(summaries), 3)
	for i := 1; i < len(summaries); i++ {
		assert.Less(t, summaries[i-1].JobID, summaries[i].JobID)
	}

	goQuiz := loader.Get("job-backend-go")
	require.NotNil(t, goQuiz)
	assert.Equal(t, "Backend Engineer (Go) Screening", goQuiz.Title)
	assert.Len(t, goQuiz.Questions, 4)

	// Loaded from a subdirectory
	assert.NotNil(t, loader.Get("job-frontend-react"))
}

func TestParse(t *testing.T) {
	data := []byte(`
job_id: job-1
title: Test
questions:
  - id: a
    question: First?
    options: [x, y, z]
    correct_answer: z
  - question: Second?
    options: [yes, no]
`)

	q, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "job-1", q.JobID)
	require.Len(t, q.Questions, 2)

	require.NotNil(t, q.Questions[0].CorrectIndex)
	assert.Equal(t, 2, *q.Questions[0].CorrectIndex)

	assert.Equal(t, "q2", q.Questions[1].ID, "missing ids default to position")
	assert.Nil(t, q.Questions[1].CorrectIndex)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name: "missing job id",
			yaml: "title: T\nquestions:\n  - id: a\n    options: [x, y]\n",
		},
		{
			name: "missing title",
			yaml: "job_id: j\nquestions:\n  - id: a\n    options: [x, y]\n",
		},
		{
			name:    "no questions",
			yaml:    "job_id: j\ntitle: T\n",
			wantErr: quiz.ErrEmptyQuiz,
		},
		{
			name:    "duplicate ids",
			yaml:    "job_id: j\ntitle: T\nquestions:\n  - id: a\n    options: [x, y]\n  - id: a\n    options: [x, y]\n",
			wantErr: quiz.ErrDuplicateQuestionID,
		},
		{
			name:    "single option",
			yaml:    "job_id: j\ntitle: T\nquestions:\n  - id: a\n    options: [x]\n",
			wantErr: quiz.ErrInvalidQuestion,
		},
		{
			name: "correct answer not an option",
			yaml: "job_id: j\ntitle: T\nquestions:\n  - id: a\n    options: [x, y]\n    correct_answer: w\n",
		},
		{
			name: "malformed yaml",
			yaml: "job_id: [unterminated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromDirSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"),
		[]byte("job_id: good\ntitle: Good\nquestions:\n  - id: a\n    options: [x, y]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"),
		[]byte("job_id: bad\ntitle: Bad\nquestions: []\n"), 0o644))

	loader := NewLoader()
	require.NoError(t, loader.LoadFromDir(dir))

	assert.NotNil(t, loader.Get("good"))
	assert.Nil(t, loader.Get("bad"))

	assert.Error(t, loader.LoadFromDir(filepath.Join(dir, "missing")))
}

func TestQuestionsReturnsCopy(t *testing.T) {
	q, err := Parse([]byte("job_id: j\ntitle: T\nquestions:\n  - id: a\n    options: [x, y]\n    correct_answer: y\n"))
	require.NoError(t, err)

	loader := NewLoader()
	loader.Add(q)
	ctx := context.Background()

	questions, err := loader.Questions(ctx, "j")
	require.NoError(t, err)
	questions[0].Options[0] = "mutated"
	*questions[0].CorrectIndex = 0

	again, err := loader.Questions(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "x", again[0].Options[0])
	assert.Equal(t, 1, *again[0].CorrectIndex)

	key, err := loader.AnswerKey(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, key)

	_, err = loader.Questions(ctx, "unknown")
	assert.ErrorIs(t, err, ErrQuizNotFound)

	loader.Remove("j")
	assert.Nil(t, loader.Get("j"))
}

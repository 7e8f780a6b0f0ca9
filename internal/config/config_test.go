package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Quiz.QuestionTime)
	assert.Equal(t, 72*time.Hour, cfg.Quiz.JoinTTL)
	assert.Equal(t, 10*time.Second, cfg.Quiz.SubmitTimeout)
	assert.Equal(t, SubmissionModeDatabase, cfg.Submission.Mode)
	assert.Equal(t, "quiz.sessions", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("PUBLIC_URL", "https://jobs.example.com/")
	t.Setenv("QUIZ_QUESTION_TIME", "45s")
	t.Setenv("SUBMISSION_MODE", "HTTP")
	t.Setenv("SUBMISSION_URL", "https://ats.example.com/quiz-results")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Quiz.QuestionTime)
	assert.Equal(t, SubmissionModeHTTP, cfg.Submission.Mode)
	assert.Equal(t, "https://jobs.example.com", cfg.Server.PublicURL)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("QUIZ_BANK_DIR=/srv/quizzes\nCLEANUP_INTERVAL=30s\n"), 0o600))
	t.Setenv("CLEANUP_INTERVAL", "2m")
	// Registered with t.Setenv so the value godotenv writes is removed afterwards
	t.Setenv("QUIZ_BANK_DIR", "")
	require.NoError(t, os.Unsetenv("QUIZ_BANK_DIR"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/quizzes", cfg.Quiz.BankDir)
	assert.Equal(t, 2*time.Minute, cfg.Cleanup.Interval, "environment wins over the file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"SERVER_PORT": "70000"}},
		{"sub-second question time", map[string]string{"QUIZ_QUESTION_TIME": "500ms"}},
		{"fractional question time", map[string]string{"QUIZ_QUESTION_TIME": "1500ms"}},
		{"http mode without url", map[string]string{"SUBMISSION_MODE": "http"}},
		{"unknown mode", map[string]string{"SUBMISSION_MODE": "kafka"}},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}

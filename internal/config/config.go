package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Submission modes
const (
	SubmissionModeDatabase = "database"
	SubmissionModeHTTP     = "http"
)

// Config holds all configuration for quiz-engine
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Quiz       QuizConfig
	Submission SubmissionConfig
	RabbitMQ   RabbitMQConfig
	Cleanup    CleanupConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host      string
	Port      int
	PublicURL string
}

// DatabaseConfig holds PostgreSQL configuration. An empty DSN selects the in-memory repository.
type DatabaseConfig struct {
	DSN           string
	MaxConns      int
	MigrationsDir string
}

// RedisConfig holds Redis configuration. An empty address keeps snapshots in memory.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	SnapshotTTL time.Duration
}

// QuizConfig holds quiz session timing
type QuizConfig struct {
	BankDir       string
	QuestionTime  time.Duration
	JoinTTL       time.Duration
	SubmitTimeout time.Duration
}

// SubmissionConfig selects where finished quizzes are delivered
type SubmissionConfig struct {
	Mode    string
	URL     string
	APIKey  string
	Timeout time.Duration
}

// RabbitMQConfig holds lifecycle event bus configuration
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// CleanupConfig holds cleanup worker configuration
type CleanupConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables, after applying envFiles
// when they exist. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			Port:      getEnvAsInt("SERVER_PORT", 8080),
			PublicURL: strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
		},
		Database: DatabaseConfig{
			DSN:           getEnv("DATABASE_DSN", ""),
			MaxConns:      getEnvAsInt("DATABASE_MAX_CONNS", 10),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
		},
		Redis: RedisConfig{
			Address:     getEnv("REDIS_ADDRESS", ""),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			SnapshotTTL: getEnvAsDuration("REDIS_SNAPSHOT_TTL", 24*time.Hour),
		},
		Quiz: QuizConfig{
			BankDir:       getEnv("QUIZ_BANK_DIR", "./quizzes"),
			QuestionTime:  getEnvAsDuration("QUIZ_QUESTION_TIME", 30*time.Second),
			JoinTTL:       getEnvAsDuration("QUIZ_JOIN_TTL", 72*time.Hour),
			SubmitTimeout: getEnvAsDuration("QUIZ_SUBMIT_TIMEOUT", 10*time.Second),
		},
		Submission: SubmissionConfig{
			Mode:    strings.ToLower(getEnv("SUBMISSION_MODE", SubmissionModeDatabase)),
			URL:     getEnv("SUBMISSION_URL", ""),
			APIKey:  getEnv("SUBMISSION_API_KEY", ""),
			Timeout: getEnvAsDuration("SUBMISSION_TIMEOUT", 10*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "quiz.sessions"),
		},
		Cleanup: CleanupConfig{
			Interval: getEnvAsDuration("CLEANUP_INTERVAL", time.Minute),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Quiz.QuestionTime < time.Second {
		return fmt.Errorf("question time must be at least 1s, got %s", c.Quiz.QuestionTime)
	}
	if c.Quiz.QuestionTime%time.Second != 0 {
		return fmt.Errorf("question time must be whole seconds, got %s", c.Quiz.QuestionTime)
	}
	if c.Quiz.SubmitTimeout <= 0 {
		return fmt.Errorf("invalid submit timeout: %s", c.Quiz.SubmitTimeout)
	}
	if c.Quiz.BankDir == "" {
		return fmt.Errorf("quiz bank directory is required")
	}

	switch c.Submission.Mode {
	case SubmissionModeDatabase:
	case SubmissionModeHTTP:
		if c.Submission.URL == "" {
			return fmt.Errorf("SUBMISSION_URL is required when SUBMISSION_MODE=http")
		}
	default:
		return fmt.Errorf("unknown submission mode: %q", c.Submission.Mode)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %q", c.Log.Format)
	}

	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("invalid cleanup interval: %s", c.Cleanup.Interval)
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

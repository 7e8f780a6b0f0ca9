package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// ErrSinkUnavailable wraps transport failures reaching the scoring service
var ErrSinkUnavailable = errors.New("submission service unavailable")

// StatusError is a non-success response from the scoring service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("submission rejected: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("submission rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPSink posts submissions as JSON to an external scoring service
type HTTPSink struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// HTTPOption configures an HTTPSink
type HTTPOption func(*HTTPSink)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) { s.httpClient = c }
}

// WithAPIKey sends the key as a Bearer token
func WithAPIKey(key string) HTTPOption {
	return func(s *HTTPSink) { s.apiKey = key }
}

func NewHTTPSink(url string, timeout time.Duration, opts ...HTTPOption) *HTTPSink {
	s := &HTTPSink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit sends the payload with an Idempotency-Key header.
// 409 Conflict means the key was already accepted and counts as success.
func (s *HTTPSink) Submit(ctx context.Context, sub models.Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sub.IdempotencyKey)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}

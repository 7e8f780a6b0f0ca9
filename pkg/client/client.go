package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// Client is a Go SDK for the quiz-engine API. The API key is only needed for
// back-office calls; candidate calls are authorized by the join token.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new quiz-engine client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.Code, e.Message)
}

// IsSubmissionFailed reports whether err is a failed quiz submission that can be retried
func IsSubmissionFailed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "submission_failed"
}

// ListOptions contains paging and filters for list calls
type ListOptions struct {
	JobID       string
	CandidateID string
	Status      string
	Limit       int
	Offset      int
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.JobID != "" {
		q.Set("job_id", o.JobID)
	}
	if o.CandidateID != "" {
		q.Set("candidate_id", o.CandidateID)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// QuizDetail is a quiz with its questions, answers stripped
type QuizDetail struct {
	Quiz      models.QuizSummary `json:"quiz"`
	Questions []models.Question  `json:"questions"`
}

// --- Back-office ---

// CreateSession prepares a quiz attempt for a candidate and returns its join link
func (c *Client) CreateSession(ctx context.Context, jobID, candidateID string) (*models.CreateSessionResponse, error) {
	var out models.CreateSessionResponse
	req := models.CreateSessionRequest{JobID: jobID, CandidateID: candidateID}
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession retrieves a session record by ID
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var out models.Session
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions retrieves session records
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	var out struct {
		Sessions []*models.Session `json:"sessions"`
		Total    int               `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// DeleteSession discards a session that has not been submitted
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil)
}

// ListQuizzes lists the loaded quiz bank
func (c *Client) ListQuizzes(ctx context.Context) ([]models.QuizSummary, error) {
	var out struct {
		Quizzes []models.QuizSummary `json:"quizzes"`
		Total   int                  `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/quizzes", nil, &out); err != nil {
		return nil, err
	}
	return out.Quizzes, nil
}

// GetQuiz returns a job's quiz without correct answers
func (c *Client) GetQuiz(ctx context.Context, jobID string) (*QuizDetail, error) {
	var out QuizDetail
	if err := c.call(ctx, http.MethodGet, "/api/v1/quizzes/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubmissions retrieves scored submissions
func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) ([]*models.SubmissionRecord, error) {
	var out struct {
		Submissions []*models.SubmissionRecord `json:"submissions"`
		Total       int                        `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/submissions"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// --- Candidate ---

// View returns the candidate's current quiz state
func (c *Client) View(ctx context.Context, token string) (*models.SessionView, error) {
	return c.play(ctx, http.MethodGet, token, "", nil)
}

// Start shows the first question and starts its countdown
func (c *Client) Start(ctx context.Context, token string) (*models.SessionView, error) {
	return c.play(ctx, http.MethodPost, token, "/start", nil)
}

// Answer selects an option for the current question
func (c *Client) Answer(ctx context.Context, token, questionID string, option int) (*models.SessionView, error) {
	return c.play(ctx, http.MethodPost, token, "/answer", models.AnswerRequest{
		QuestionID: questionID,
		Option:     &option,
	})
}

// Advance moves to the next question, submitting after the last one.
// When the submission fails the returned view is still set and marked retryable.
func (c *Client) Advance(ctx context.Context, token string) (*models.SessionView, error) {
	return c.play(ctx, http.MethodPost, token, "/advance", nil)
}

// Retry resends a failed submission
func (c *Client) Retry(ctx context.Context, token string) (*models.SessionView, error) {
	return c.play(ctx, http.MethodPost, token, "/retry", nil)
}

// CloseView tears the quiz down without submitting
func (c *Client) CloseView(ctx context.Context, token string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/play/"+url.PathEscape(token), nil, nil)
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) play(ctx context.Context, method, token, action string, in interface{}) (*models.SessionView, error) {
	var view models.SessionView
	err := c.call(ctx, method, "/api/v1/play/"+url.PathEscape(token)+action, in, &view)
	if err != nil {
		// A failed submission still carries the view
		if IsSubmissionFailed(err) && view.SessionID != "" {
			return &view, err
		}
		return nil, err
	}
	return &view, nil
}

// call performs a request and unwraps the response envelope into out
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	status, respBody, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		if status >= 400 {
			return &APIError{StatusCode: status, Code: "http_error", Message: string(respBody)}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if out != nil && len(result.Data) > 0 && string(result.Data) != "null" {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}

	if !result.Success || status >= 400 {
		apiErr := &APIError{StatusCode: status, Code: "unknown", Message: http.StatusText(status)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return apiErr
	}

	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

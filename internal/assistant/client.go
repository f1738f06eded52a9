// Package assistant is a client for the remote assistant service: threads,
// messages and runs.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	messagePage    = 100
)

// Client talks to an assistants-style REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (used by tests and proxies).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound requests per second. Zero or negative
// disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(math.Ceil(rps))
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a client authenticated with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

// do sends a JSON request and decodes the JSON response into out (when non-nil).
// HTTP 429 is retried with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := range maxRetries {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error":{"message":...}} when present, else the raw body.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

type idResponse struct {
	ID string `json:"id"`
}

// CreateThread creates an empty thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("creating thread: empty id in response")
	}
	return out.ID, nil
}

// TestThread probes the thread and the assistant concurrently. A missing
// thread or assistant yields Success=false with a diagnostic; transport
// failures are returned as errors.
func (c *Client) TestThread(ctx context.Context, threadID, assistantID string) (TestResult, error) {
	var threadErr, assistantErr error
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		threadErr = c.do(gCtx, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, nil)
		return transportOnly(threadErr)
	})
	if assistantID != "" {
		g.Go(func() error {
			assistantErr = c.do(gCtx, http.MethodGet, "/assistants/"+url.PathEscape(assistantID), nil, nil)
			return transportOnly(assistantErr)
		})
	}
	if err := g.Wait(); err != nil {
		return TestResult{}, fmt.Errorf("testing thread %s: %w", threadID, err)
	}

	var problems []string
	if threadErr != nil {
		problems = append(problems, "thread: "+threadErr.Error())
	}
	if assistantErr != nil {
		problems = append(problems, "assistant: "+assistantErr.Error())
	}
	if len(problems) > 0 {
		return TestResult{Success: false, Error: strings.Join(problems, "; ")}, nil
	}
	return TestResult{Success: true}, nil
}

// transportOnly lets 4xx answers through as a verdict and keeps everything
// else (network errors, 5xx) as an error.
func transportOnly(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok && apiErr.Status >= 400 && apiErr.Status < 500 {
		return nil
	}
	return err
}

type postMessageRequest struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// PostMessage appends a user message to the thread.
func (c *Client) PostMessage(ctx context.Context, threadID, text string) error {
	in := postMessageRequest{Role: RoleUser, Content: text}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", in, nil); err != nil {
		return fmt.Errorf("posting message to %s: %w", threadID, err)
	}
	return nil
}

type startRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// StartRun asks assistantID to respond on threadID and returns the run id.
func (c *Client) StartRun(ctx context.Context, threadID, assistantID string) (string, error) {
	var out idResponse
	in := startRunRequest{AssistantID: assistantID}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", in, &out); err != nil {
		return "", fmt.Errorf("starting run on %s: %w", threadID, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("starting run on %s: empty id in response", threadID)
	}
	return out.ID, nil
}

// GetRunStatus returns the current state of a run.
func (c *Client) GetRunStatus(ctx context.Context, threadID, runID string) (Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return Run{}, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return run, nil
}

type listMessagesResponse struct {
	Data    []wireMessage `json:"data"`
	HasMore bool          `json:"has_more"`
	LastID  string        `json:"last_id"`
}

// ListMessages returns all messages in the thread, oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var msgs []Message
	after := ""
	for {
		q := url.Values{}
		q.Set("order", "asc")
		q.Set("limit", fmt.Sprint(messagePage))
		if after != "" {
			q.Set("after", after)
		}
		path := "/threads/" + url.PathEscape(threadID) + "/messages?" + q.Encode()

		var page listMessagesResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("listing messages of %s: %w", threadID, err)
		}
		for _, w := range page.Data {
			msgs = append(msgs, w.resolve())
		}
		if !page.HasMore || page.LastID == "" {
			break
		}
		after = page.LastID
	}
	return msgs, nil
}

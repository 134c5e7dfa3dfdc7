package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/deskmate/internal/reliability"
)

// HTTPCompleter calls an OpenAI-compatible chat completions endpoint with a
// single user message.
type HTTPCompleter struct {
	url        string
	model      string
	apiKey     string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
}

func NewHTTPCompleter(cfg Config) *HTTPCompleter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	capDur := cfg.RetryCap
	if capDur <= 0 {
		capDur = 4 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPCompleter{
		url:    strings.TrimSpace(cfg.URL),
		model:  model,
		apiKey: strings.TrimSpace(cfg.APIKey),
		client: &http.Client{
			Timeout: timeout,
		},
		timeout:    timeout,
		maxRetries: retries,
		retryBase:  base,
		retryCap:   capDur,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion http status %d: %s", e.Code, e.Body)
}

func (c *HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = reliability.Do(ctx, reliability.Policy{
		MaxRetries:  c.maxRetries,
		Base:        c.retryBase,
		Cap:         c.retryCap,
		ShouldRetry: retryable,
	}, func(ctx context.Context) error {
		var doErr error
		text, doErr = c.do(ctx, payload)
		return doErr
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *HTTPCompleter) do(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func retryable(err error) bool {
	if reliability.IsContextError(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.Code)
	}
	// Transport failures (connection refused, reset) are worth another try.
	var ue *url.Error
	return errors.As(err, &ue)
}

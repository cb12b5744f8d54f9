// internal/llm/llm.go
//
// Chat-completion client for OpenAI-compatible endpoints. Stage bodies only
// see the Client interface; construction happens once per worker run and the
// client is injected through the stage context.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kingrea/The-Kiln/internal/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-agnostic request shape.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage reports the token counts a completion consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is the provider-agnostic response shape.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Client is the interface stage bodies consume.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ProviderError describes a failed provider call. Retryable errors (429 and
// 5xx) are retried with backoff; 401/403 abort immediately since retrying an
// auth failure only burns quota.
type ProviderError struct {
	Endpoint  string
	Status    int
	Message   string
	Retryable bool
}

// Error implements error.
func (e *ProviderError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("llm: %s returned %d (%s): %s", e.Endpoint, e.Status, kind, e.Message)
}

func newProviderError(endpoint string, status int, body string) *ProviderError {
	return &ProviderError{
		Endpoint:  endpoint,
		Status:    status,
		Message:   strings.TrimSpace(body),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}
}

// endpoint is one resolved target with its key already read from the env.
type endpoint struct {
	baseURL string
	apiKey  string
}

// HTTPClient talks to an ordered list of OpenAI-compatible endpoints with
// per-call fallback and exponential backoff on retryable failures.
type HTTPClient struct {
	endpoints  []endpoint
	model      string
	maxRetries int
	http       *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes an HTTPClient during construction.
type ClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying transport, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if h != nil {
			c.http = h
		}
	}
}

// WithSleep overrides the backoff sleeper so tests can run without waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *HTTPClient) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New builds a client from the llm config section, resolving API keys from
// the named environment variables.
func New(cfg config.LLMConfig, opts ...ClientOption) *HTTPClient {
	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		key := ""
		if ep.APIKeyEnv != "" {
			key = strings.TrimSpace(os.Getenv(ep.APIKeyEnv))
		}
		endpoints = append(endpoints, endpoint{
			baseURL: normalizeBaseURL(ep.BaseURL),
			apiKey:  key,
		})
	}

	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &HTTPClient{
		endpoints:  endpoints,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		sleep:      sleepContext,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// Chat sends the request, falling back across endpoints within an attempt
// and retrying retryable failures with exponential backoff.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if c == nil {
		return ChatResponse{}, fmt.Errorf("llm: client is nil")
	}
	if len(req.Messages) == 0 {
		return ChatResponse{}, fmt.Errorf("llm: chat requires at least one message")
	}
	if len(c.endpoints) == 0 {
		return ChatResponse{}, fmt.Errorf("llm: no endpoints configured")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	delay := backoffBase
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return ChatResponse{}, err
			}
			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}
		}
		resp, err := c.chatOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		var perr *ProviderError
		if errors.As(err, &perr) && !perr.Retryable {
			return ChatResponse{}, err
		}
		lastErr = err
	}
	return ChatResponse{}, fmt.Errorf("llm: giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

// chatOnce walks the endpoint list once. A fatal provider error aborts the
// fallback; transport and retryable failures move on to the next endpoint.
func (c *HTTPClient) chatOnce(ctx context.Context, payload []byte) (ChatResponse, error) {
	failures := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		resp, err := c.chatAtEndpoint(ctx, ep, payload)
		if err == nil {
			return resp, nil
		}
		var perr *ProviderError
		if errors.As(err, &perr) && !perr.Retryable {
			return ChatResponse{}, err
		}
		failures = append(failures, fmt.Sprintf("%s (%v)", ep.baseURL, err))
	}
	return ChatResponse{}, fmt.Errorf("llm: all endpoints failed: %w", &ProviderError{
		Endpoint:  "all",
		Status:    0,
		Message:   strings.Join(failures, " | "),
		Retryable: true,
	})
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *HTTPClient) chatAtEndpoint(ctx context.Context, ep endpoint, payload []byte) (ChatResponse, error) {
	url := ep.baseURL + "/chat/completions"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if ep.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+ep.apiKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ChatResponse{}, newProviderError(ep.baseURL, resp.StatusCode, string(body))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResponse{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("llm: response missing choices")
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return ChatResponse{}, fmt.Errorf("llm: response empty")
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return ChatResponse{
		Content:      content,
		Model:        model,
		FinishReason: strings.TrimSpace(decoded.Choices[0].FinishReason),
		Usage:        decoded.Usage,
	}, nil
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

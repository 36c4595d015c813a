// Package openrouter implements the completion-API client used by the
// bench orchestrator, speaking the OpenAI-compatible OpenRouter protocol.
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"strength-arena/internal/bench"
)

// ErrorKind classifies a completion failure for callers that need to
// distinguish operator problems (auth, billing) from transient ones.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindBilling       ErrorKind = "billing"
	KindRateLimit     ErrorKind = "rate_limit"
	KindModelNotFound ErrorKind = "model_not_found"
	KindEmptyResponse ErrorKind = "empty_response"
	KindAPI           ErrorKind = "api"
)

// Error is the typed failure surfaced after retries are exhausted.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("openrouter %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openrouter %s: %s", e.Kind, e.Message)
}

// IsError unwraps a typed client error if err carries one.
func IsError(err error) (*Error, bool) {
	var orErr *Error
	if errors.As(err, &orErr) {
		return orErr, true
	}
	return nil, false
}

type Config struct {
	BaseURL    string
	APIKey     string
	Referer    string
	AppName    string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Client wraps the OpenAI-compatible chat completions API with the
// attribution headers OpenRouter expects and exponential-backoff retry
// on rate limits, server errors and transport failures. It implements
// bench.ModelCaller.
type Client struct {
	api        *openai.Client
	maxRetries int
	retryDelay time.Duration
	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// attributionTransport adds the OpenRouter ranking headers to every
// request.
type attributionTransport struct {
	base    http.RoundTripper
	referer string
	appName string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.referer != "" {
		clone.Header.Set("HTTP-Referer", t.referer)
	}
	if t.appName != "" {
		clone.Header.Set("X-Title", t.appName)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openrouter: api key is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		return nil, fmt.Errorf("openrouter: max retries must be >= 0")
	}
	if cfg.MaxRetries == 0 {
		maxRetries = 5
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = baseURL
	apiCfg.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &attributionTransport{
			referer: cfg.Referer,
			appName: cfg.AppName,
		},
	}

	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      sleepCtx,
	}, nil
}

var _ bench.ModelCaller = (*Client)(nil)

// Call performs one chat completion, retrying rate limits, 5xx and
// transport errors with exponential backoff, and returns the extracted
// response text. All terminal failures unwrap to *Error.
func (c *Client) Call(ctx context.Context, model, prompt, systemPrompt string, params bench.GenerationParams) (string, error) {
	req := buildRequest(model, prompt, systemPrompt, params)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			text := extractResponseText(resp)
			if text != "" {
				return text, nil
			}
			return "", &Error{Kind: KindEmptyResponse, Message: emptyResponseMessage(resp)}
		}
		lastErr = err

		status := statusCode(err)
		if !retryable(status, err) || attempt >= c.maxRetries {
			break
		}
		delay := c.retryDelay * (1 << attempt)
		slog.Info("retrying completion call",
			"model", model, "status", status, "attempt", attempt+1, "max", c.maxRetries, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("completion retry cancelled: %w", err)
		}
	}
	return "", classify(lastErr)
}

func buildRequest(model, prompt, systemPrompt string, params bench.GenerationParams) openai.ChatCompletionRequest {
	messages := []openai.ChatCompletionMessage{}
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	return openai.ChatCompletionRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      float32(params.Temperature),
		TopP:             float32(params.TopP),
		MaxTokens:        params.MaxTokens,
		FrequencyPenalty: float32(params.FrequencyPenalty),
		PresencePenalty:  float32(params.PresencePenalty),
		Seed:             params.Seed,
	}
}

// extractResponseText tolerates provider shape drift: some providers
// return refusal text instead of content.
func extractResponseText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	msg := resp.Choices[0].Message
	if text := strings.TrimSpace(msg.Content); text != "" {
		return text
	}
	if text := strings.TrimSpace(msg.Refusal); text != "" {
		return text
	}
	return ""
}

func emptyResponseMessage(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return "model returned no choices"
	}
	switch resp.Choices[0].FinishReason {
	case openai.FinishReasonLength:
		return "model hit max_tokens before yielding visible output"
	case openai.FinishReasonContentFilter:
		return "model response blocked by provider content filter"
	default:
		return "model returned no usable text content"
	}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryable: 429 and 5xx retry; other statuses are terminal; status 0
// means the request never produced a response (transport failure), also
// retried unless the context itself is done.
func retryable(status int, err error) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	if status != 0 {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func classify(err error) error {
	status := statusCode(err)
	switch status {
	case http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Message: err.Error(), StatusCode: status}
	case http.StatusPaymentRequired, http.StatusForbidden:
		return &Error{Kind: KindBilling, Message: err.Error(), StatusCode: status}
	case http.StatusNotFound:
		return &Error{Kind: KindModelNotFound, Message: err.Error(), StatusCode: status}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Message: err.Error(), StatusCode: status}
	}
	return &Error{Kind: KindAPI, Message: err.Error(), StatusCode: status}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

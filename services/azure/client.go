package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the per-call timeout for chat completion requests
	DefaultTimeout = 120 * time.Second
	// DefaultAPIVersion is the Azure OpenAI API version used when none is configured
	DefaultAPIVersion = "2024-08-01-preview"
	// DefaultMaxTokens is the default completion budget
	DefaultMaxTokens = 4096
	// TruncationRetryMaxTokens caps the enlarged budget used when a response
	// was cut off by the token limit
	TruncationRetryMaxTokens = 16384
)

// RetryConfig holds retry configuration for failed requests
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts (default: 4)
	InitialBackoff time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 60s)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     4,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// Config holds configuration for the Azure OpenAI client
type Config struct {
	Endpoint          string // e.g. https://myresource.openai.azure.com
	APIKey            string
	Deployment        string // deployment (model) name
	APIVersion        string
	Timeout           time.Duration
	RetryConfig       *RetryConfig
	RateLimiterConfig *RateLimiterConfig
}

// Client issues chat completion requests against one Azure OpenAI deployment.
// It owns every retry concern: transient network errors, 429 budgets,
// truncated responses and empty content under the strict-JSON constraint.
type Client struct {
	endpoint    string
	apiKey      string
	deployment  string
	apiVersion  string
	httpClient  *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

// NewClient creates a new Azure OpenAI client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("azure openai endpoint is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("azure openai api key is required")
	}
	if config.Deployment == "" {
		return nil, fmt.Errorf("azure openai deployment is required")
	}
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	retryConfig := DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	rateLimiterConfig := DefaultRateLimiterConfig()
	if config.RateLimiterConfig != nil {
		rateLimiterConfig = *config.RateLimiterConfig
	}

	return &Client{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		apiKey:     config.APIKey,
		deployment: config.Deployment,
		apiVersion: config.APIVersion,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryConfig: retryConfig,
		rateLimiter: NewRateLimiter(rateLimiterConfig),
	}, nil
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// Completion is the normalized result of one chat completion call
type Completion struct {
	Content      string
	FinishReason string
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Option mutates the outgoing request
type Option func(*chatRequest)

// WithMaxTokens sets the completion token budget
func WithMaxTokens(tokens int) Option {
	return func(req *chatRequest) {
		req.MaxTokens = tokens
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(temp float64) Option {
	return func(req *chatRequest) {
		req.Temperature = temp
	}
}

// WithoutJSONFormat disables the strict JSON response format constraint
func WithoutJSONFormat() Option {
	return func(req *chatRequest) {
		req.ResponseFormat = nil
	}
}

// Complete sends a chat completion request and returns the normalized result.
//
// Retry behavior:
//   - transient network errors and 5xx: exponential backoff, bounded attempts
//   - 429: honors retry-after-ms (preferred) then retry-after, capped backoff
//   - finish_reason=length: one retry with a substantially larger token budget
//   - empty content under response_format=json_object: one retry without the constraint
//   - 401/403/404: fatal, surfaced immediately
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, options ...Option) (*Completion, error) {
	req := chatRequest{
		Messages:       ensureJSONKeyword(messages),
		Temperature:    0.2,
		MaxTokens:      DefaultMaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	for _, opt := range options {
		opt(&req)
	}

	var lastErr error
	budgetRaised := false
	formatDropped := false

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; {
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx, estimateTokens(req)); err != nil {
				return nil, &RequestError{Reason: ReasonNetwork, Message: "rate limiter wait cancelled", Err: err}
			}
		}

		resp, retryAfter, err := c.doOnce(ctx, req)
		if err != nil {
			var reqErr *RequestError
			if errors.As(err, &reqErr) {
				switch reqErr.Reason {
				case ReasonFatalConfig, ReasonPayloadTooLarge:
					return nil, err
				case ReasonRateLimited:
					if c.rateLimiter != nil {
						c.rateLimiter.SlowDown(2.0)
					}
				}
			}

			lastErr = err
			attempt++
			if attempt > c.retryConfig.MaxRetries {
				break
			}

			delay := c.backoff(attempt, retryAfter)
			log.Printf("[Azure] attempt %d failed, retrying in %v: %v", attempt, delay, err)
			select {
			case <-ctx.Done():
				return nil, &RequestError{Reason: ReasonNetwork, Message: "cancelled during backoff", Err: ctx.Err()}
			case <-time.After(delay):
			}
			continue
		}

		// Truncation recovery: retry once with a much larger budget before giving up
		if resp.FinishReason == "length" && !budgetRaised {
			budgetRaised = true
			larger := req.MaxTokens * 3
			if larger <= 0 || larger > TruncationRetryMaxTokens {
				larger = TruncationRetryMaxTokens
			}
			log.Printf("[Azure] response truncated at %d tokens, retrying with %d", req.MaxTokens, larger)
			req.MaxTokens = larger
			continue
		}

		// Some providers return nothing when the strict-JSON constraint cannot be
		// satisfied; retry once without it
		if resp.Content == "" && req.ResponseFormat != nil && !formatDropped {
			formatDropped = true
			log.Printf("[Azure] empty content with json_object format, retrying without constraint")
			req.ResponseFormat = nil
			continue
		}

		if resp.Content == "" {
			return nil, &RequestError{Reason: ReasonEmptyContent, Message: "provider returned empty content"}
		}

		return resp, nil
	}

	if lastErr != nil {
		var reqErr *RequestError
		if errors.As(lastErr, &reqErr) && reqErr.Reason == ReasonRateLimited {
			return nil, &RequestError{Reason: ReasonRateLimited, StatusCode: 429, Message: "rate limit exceeded after all retries", Err: lastErr}
		}
		return nil, &RequestError{Reason: ReasonNetwork, Message: "request failed after all retries", Err: lastErr}
	}
	return nil, &RequestError{Reason: ReasonUnknown, Message: "request failed"}
}

// doOnce performs a single HTTP round trip and classifies the outcome.
// The returned duration is a server-provided retry-after hint (0 when absent).
func (c *Client) doOnce(ctx context.Context, req chatRequest) (*Completion, time.Duration, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, 0, &RequestError{Reason: ReasonUnknown, Message: "failed to marshal request", Err: err}
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, c.deployment, c.apiVersion)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, 0, &RequestError{Reason: ReasonUnknown, Message: "failed to create request", Err: err}
	}

	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &RequestError{Reason: ReasonNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &RequestError{Reason: ReasonNetwork, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseRetryAfter(resp), c.classifyHTTPError(resp.StatusCode, respBody)
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, 0, &RequestError{Reason: ReasonUnknown, Message: "failed to decode response", Err: err}
	}
	if len(result.Choices) == 0 {
		return &Completion{}, 0, nil
	}

	return &Completion{
		Content:      result.Choices[0].Message.Content,
		FinishReason: result.Choices[0].FinishReason,
	}, 0, nil
}

// classifyHTTPError maps an HTTP failure to a typed RequestError
func (c *Client) classifyHTTPError(statusCode int, body []byte) error {
	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	message := apiErr.Error.Message
	if message == "" {
		message = string(body)
	}

	switch {
	case statusCode == 401 || statusCode == 403 || statusCode == 404:
		return &RequestError{Reason: ReasonFatalConfig, StatusCode: statusCode, Message: message}
	case statusCode == 429:
		return &RequestError{Reason: ReasonRateLimited, StatusCode: statusCode, Message: message}
	case statusCode == 413 || apiErr.Error.Code == "context_length_exceeded":
		return &RequestError{Reason: ReasonPayloadTooLarge, StatusCode: statusCode, Message: message}
	case statusCode >= 500 || statusCode == 408:
		return &RequestError{Reason: ReasonNetwork, StatusCode: statusCode, Message: message}
	default:
		return &RequestError{Reason: ReasonUnknown, StatusCode: statusCode, Message: message}
	}
}

// backoff computes the delay before the given retry attempt, preferring a
// server-provided retry-after hint
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.retryConfig.MaxBackoff {
			return c.retryConfig.MaxBackoff
		}
		return retryAfter
	}

	delay := c.retryConfig.InitialBackoff * time.Duration(1<<uint(attempt-1))
	if delay > c.retryConfig.MaxBackoff {
		return c.retryConfig.MaxBackoff
	}
	return delay
}

// parseRetryAfter extracts the retry-after hint from a response.
// retry-after-ms (milliseconds) takes precedence over retry-after (seconds).
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if ms := resp.Header.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}

	if sec := resp.Header.Get("Retry-After"); sec != "" {
		if v, err := strconv.Atoi(sec); err == nil && v > 0 {
			return time.Duration(v) * time.Second
		}
		if t, err := http.ParseTime(sec); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	return 0
}

// ensureJSONKeyword guarantees at least one message mentions JSON. The provider
// rejects response_format=json_object unless the conversation contains the word.
func ensureJSONKeyword(messages []ChatMessage) []ChatMessage {
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m.Content), "json") {
			return messages
		}
	}

	out := make([]ChatMessage, len(messages))
	copy(out, messages)

	instruction := "Respond in strict JSON only."
	if len(out) > 0 && out[0].Role == "system" {
		out[0].Content = out[0].Content + "\n\n" + instruction
		return out
	}
	return append([]ChatMessage{{Role: "system", Content: instruction}}, out...)
}

// estimateTokens gives a rough prompt+completion token count for budgeting
func estimateTokens(req chatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars/4 + req.MaxTokens
}

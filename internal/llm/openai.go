package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds the settings for the chat-completions client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string        // empty uses the provider default
	Model       string        // e.g. "gpt-4o-mini"
	Temperature float32
	Timeout     time.Duration // per-call ceiling
}

// OpenAIClient implements Provider over an OpenAI-compatible
// chat-completions API.
type OpenAIClient struct {
	api         *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewOpenAIClient builds a client with a bounded HTTP transport. The HTTP
// client timeout backstops the per-call context deadline applied in
// Complete.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIClient{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

// Complete issues one chat-completions call and returns the trimmed text of
// the first choice. Failures are classified: rate limits, timeouts, and
// server-side errors come back wrapped with Transient; request-shape and
// auth errors fail permanently.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ccReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		ccReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		ccReq.Temperature = req.Temperature
	}

	resp, err := c.api.CreateChatCompletion(callCtx, ccReq)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", Transient(ErrEmptyCompletion)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classifyOpenAIError maps provider failures onto the transient/permanent
// split consumed by BackoffPolicy.
func classifyOpenAIError(err error) error {
	// Caller cancellation is neither transient nor a provider fault.
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return Transient(fmt.Errorf("chat completion failed: %w", err))
		}
		return fmt.Errorf("chat completion failed: %w", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retryableStatus(reqErr.HTTPStatusCode) {
			return Transient(fmt.Errorf("chat completion failed: %w", err))
		}
		return fmt.Errorf("chat completion failed: %w", err)
	}

	// Transport-level failures (DNS, connection reset, client timeout) are
	// worth retrying.
	return Transient(fmt.Errorf("chat completion failed: %w", err))
}

// retryableStatus reports whether an HTTP status from the provider should
// be retried: timeouts, rate limits, and server errors.
func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

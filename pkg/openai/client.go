package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Message is one turn of a conversation
type Message struct {
	Role    string
	Content string
}

// Completion is the upstream answer together with the usage it reported
type Completion struct {
	Model            string
	Content          string
	PromptTokens     int64
	CompletionTokens int64
}

// Config describes one OpenAI-compatible provider
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client wraps the OpenAI client for a single provider
type Client struct {
	client openai.Client
}

// NewClient creates a client for the provider in cfg. Requests are not
// retried and carry the caller's trace context.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Client{client: openai.NewClient(opts...)}
}

// ChatCompletion sends messages to model and returns the first choice
func (c *Client) ChatCompletion(ctx context.Context, model string, messages []Message, maxTokens int64) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toParams(messages),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("upstream returned status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("upstream returned no choices")
	}

	return &Completion{
		Model:            resp.Model,
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

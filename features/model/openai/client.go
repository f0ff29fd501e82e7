// Package openai provides a judgment.ModelClient backed by the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by the client's Chat.Completions service.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Chat is the completions client. Required.
		Chat ChatClient
		// Model is the chat model identifier. Required.
		Model string
		// MaxTokens caps completions when a request does not set its own.
		// Defaults to 1024.
		MaxTokens int64
	}

	// Client implements judgment.ModelClient via OpenAI chat completions.
	Client struct {
		chat      ChatClient
		model     string
		maxTokens int64
	}
)

// New validates opts and builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errs.New(errs.KindInvalidInput, "openai chat client is required")
	}
	if opts.Model == "" {
		return nil, errs.New(errs.KindInvalidInput, "model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{chat: opts.Chat, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errs.New(errs.KindInvalidInput, "api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &oc.Chat.Completions, Model: model})
}

// Name identifies the backing model for evidence metadata.
func (c *Client) Name() string { return c.model }

// Complete issues a chat completion and returns the first choice. Transport
// failures classify as LLMUnavailable so fusion policies can fall back to
// rule-only results.
func (c *Client) Complete(ctx context.Context, req judgment.CompletionRequest) (judgment.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	start := time.Now()
	completion, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	if err != nil {
		return judgment.Completion{}, errs.Wrap(errs.KindLLMUnavailable, "openai chat.completions.new", err)
	}
	if len(completion.Choices) == 0 {
		return judgment.Completion{}, errs.New(errs.KindLLMUnavailable, "openai returned no choices")
	}
	return judgment.Completion{
		Text:         completion.Choices[0].Message.Content,
		Model:        completion.Model,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// Package anthropic provides a judgment.ModelClient backed by the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps completions when a request does not set its own.
		// Defaults to 1024.
		MaxTokens int64
	}

	// Client implements judgment.ModelClient on top of Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int64
	}
)

// New builds the adapter from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errs.New(errs.KindInvalidInput, "anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errs.New(errs.KindInvalidInput, "model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errs.New(errs.KindInvalidInput, "api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Name identifies the backing model for evidence metadata.
func (c *Client) Name() string { return c.model }

// Complete issues a non-streaming Messages.New request and returns the
// concatenated text blocks. Transport failures classify as LLMUnavailable so
// fusion policies can fall back to rule-only results.
func (c *Client) Complete(ctx context.Context, req judgment.CompletionRequest) (judgment.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return judgment.Completion{}, errs.Wrap(errs.KindLLMUnavailable, "anthropic messages.new", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return judgment.Completion{
		Text:         sb.String(),
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

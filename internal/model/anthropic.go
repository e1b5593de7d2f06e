package model

import (
	"context"
	"errors"
	"fmt"
	"iter"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicMessages is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService.
type AnthropicMessages interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient streams from the Claude Messages API.
type AnthropicClient struct {
	msg          AnthropicMessages
	defaultModel string
	maxTokens    int
}

// NewAnthropic wraps a Messages client.
func NewAnthropic(msg AnthropicMessages, defaultModel string, maxTokens int) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic default model is required")
	}
	return &AnthropicClient{msg: msg, defaultModel: defaultModel, maxTokens: maxTokens}, nil
}

// NewAnthropicFromAPIKey builds a client on the default HTTP transport.
func NewAnthropicFromAPIKey(apiKey, defaultModel string, maxTokens int) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&c.Messages, defaultModel, maxTokens)
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	params, err := c.params(req)
	if err != nil {
		return fail(err)
	}
	return func(yield func(string, error) bool) {
		stream := c.msg.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			ev, ok := stream.Current().AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !yield(delta.Text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("anthropic stream: %w", err))
		}
	}
}

func (c *AnthropicClient) params(req Request) (sdk.MessageNewParams, error) {
	if err := req.Validate(); err != nil {
		return sdk.MessageNewParams{}, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max tokens must be positive")
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

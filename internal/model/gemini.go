package model

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// GeminiModels is the subset of the genai SDK used here. It is satisfied by
// *genai.Models.
type GeminiModels interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiClient streams from the Gemini API.
type GeminiClient struct {
	models       GeminiModels
	defaultModel string
}

// NewGemini wraps a genai Models service.
func NewGemini(models GeminiModels, defaultModel string) (*GeminiClient, error) {
	if models == nil {
		return nil, errors.New("gemini models client is required")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.5-flash"
	}
	return &GeminiClient{models: models, defaultModel: defaultModel}, nil
}

// NewGeminiFromAPIKey builds a client for the Gemini developer API.
func NewGeminiFromAPIKey(ctx context.Context, apiKey, defaultModel string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return NewGemini(client.Models, defaultModel)
}

// Name implements Client.
func (c *GeminiClient) Name() string { return "gemini" }

// Stream implements Client.
func (c *GeminiClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	if err := req.Validate(); err != nil {
		return fail(err)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return func(yield func(string, error) bool) {
		for resp, err := range c.models.GenerateContentStream(ctx, modelID, contents, cfg) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

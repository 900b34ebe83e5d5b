package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/zhiquai/aigrading/internal/gateway"
)

type GeminiConfig struct {
	// Endpoint overrides the API base URL; empty uses the SDK default.
	Endpoint   string
	APIKey     string
	APIVersion string
	HTTPClient *http.Client
}

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    strings.TrimSpace(cfg.Endpoint),
			APIVersion: strings.TrimSpace(cfg.APIVersion),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Call(ctx context.Context, req gateway.ProviderRequest) (gateway.ProviderReply, error) {
	parts := []*genai.Part{{Text: req.UserPrompt}}
	for _, img := range req.Images {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img.Data, MIMEType: mime}})
	}

	temperature := float32(0)
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      &temperature,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, []*genai.Content{{Role: "user", Parts: parts}}, cfg)
	if err != nil {
		return gateway.ProviderReply{}, fmt.Errorf("generate content: %w", err)
	}

	var texts []string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			// Thought summaries are never the answer.
			if part == nil || part.Thought || strings.TrimSpace(part.Text) == "" {
				continue
			}
			texts = append(texts, part.Text)
		}
		if len(texts) > 0 {
			break
		}
	}
	if len(texts) == 0 {
		return gateway.ProviderReply{}, errors.New("gemini response has no text parts")
	}
	return gateway.ProviderReply{Parts: texts}, nil
}

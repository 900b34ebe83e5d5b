package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhiquai/aigrading/internal/gateway"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIConfig configures any backend speaking the OpenAI chat completions protocol.
type OpenAIConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// OpenAIProvider is a chat-completions client with JSON-object output mode.
type OpenAIProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultOpenAIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAIProvider{
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: cfg.HTTPClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Temperature    float64           `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          json.RawMessage `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Call(ctx context.Context, req gateway.ProviderRequest) (gateway.ProviderReply, error) {
	if p.apiKey == "" {
		return gateway.ProviderReply{}, errors.New("api key is required")
	}

	userParts := []chatContentPart{{Type: "text", Text: req.UserPrompt}}
	for _, img := range req.Images {
		userParts = append(userParts, chatContentPart{
			Type:     "image_url",
			ImageURL: &chatImageURL{URL: dataURL(img)},
		})
	}
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userParts})

	body, err := json.Marshal(chatRequest{
		Model:          req.Model,
		Messages:       messages,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return gateway.ProviderReply{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return gateway.ProviderReply{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.httpClient.Do(httpReq)
	if err != nil {
		return gateway.ProviderReply{}, fmt.Errorf("chat request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return gateway.ProviderReply{}, fmt.Errorf("chat request status %d", res.StatusCode)
		}
		return gateway.ProviderReply{}, fmt.Errorf("chat request status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return gateway.ProviderReply{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return gateway.ProviderReply{}, errors.New("chat response has no choices")
	}

	msg := decoded.Choices[0].Message
	parts := contentTexts(msg.Content)
	if len(parts) == 0 && strings.TrimSpace(msg.ReasoningContent) != "" {
		parts = append(parts, msg.ReasoningContent)
	}
	if len(parts) == 0 {
		return gateway.ProviderReply{}, errors.New("chat response content is empty")
	}
	return gateway.ProviderReply{Parts: parts}, nil
}

// contentTexts accepts both the string form and the array-of-parts form of message content.
func contentTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part.Text) != "" {
			out = append(out, part.Text)
		}
	}
	return out
}

func dataURL(img gateway.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Package providers adapts concrete model APIs to gateway.Provider.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zhiquai/aigrading/internal/gateway"
)

const (
	KindOpenAI = "openai"
	KindGemini = "gemini"
)

// Config describes one provider in fallback order.
type Config struct {
	Name       string
	Kind       string
	Endpoint   string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
	Models     map[string]string
}

// Build constructs gateway entries in configured order.
// Providers without an API key are skipped so partially configured environments still start.
func Build(ctx context.Context, logger *slog.Logger, cfgs []Config, httpClient *http.Client) ([]gateway.Entry, error) {
	entries := make([]gateway.Entry, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("provider name is required")
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("provider %q configured twice", name)
		}
		seen[key] = struct{}{}

		if strings.TrimSpace(cfg.APIKey) == "" {
			logger.WarnContext(ctx, "provider skipped: api key not set",
				"module", "providers",
				"layer", "adapter",
				"operation", "build_providers",
				"outcome", "skipped",
				"provider", name,
			)
			continue
		}

		var p gateway.Provider
		switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
		case KindOpenAI:
			p = NewOpenAIProvider(OpenAIConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, HTTPClient: httpClient})
		case KindGemini:
			g, err := NewGeminiProvider(ctx, GeminiConfig{
				Endpoint:   cfg.Endpoint,
				APIKey:     cfg.APIKey,
				APIVersion: cfg.APIVersion,
				HTTPClient: httpClient,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
			p = g
		default:
			return nil, fmt.Errorf("provider %q: unsupported kind %q", name, cfg.Kind)
		}

		entries = append(entries, gateway.Entry{
			Config: gateway.ProviderConfig{
				Name:    name,
				Timeout: cfg.Timeout,
				Models:  cfg.Models,
			},
			Provider: p,
		})
	}
	return entries, nil
}

// Package gateway calls interchangeable model providers with ordered fallback
// and extracts a structured JSON object from whatever they reply.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zhiquai/aigrading/internal/domain"
)

const defaultModelKey = "default"

// Image is an inline attachment sent with the user prompt.
type Image struct {
	Data     []byte
	MIMEType string
}

// ProviderRequest is a single chat-style call with JSON-object output requested.
type ProviderRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Images       []Image
}

// ProviderReply holds the text parts of a reply in provider order.
type ProviderReply struct {
	Parts []string
}

// Provider is one model backend. Implementations must honour ctx cancellation.
type Provider interface {
	Call(ctx context.Context, req ProviderRequest) (ProviderReply, error)
}

// ProviderConfig binds a provider to its fallback name, timeout and per-task models.
type ProviderConfig struct {
	Name    string
	Timeout time.Duration
	// Models maps a task name to a model id; the "default" entry covers unknown tasks.
	Models map[string]string
}

type Entry struct {
	Config   ProviderConfig
	Provider Provider
}

type JudgeRequest struct {
	Task         string
	SystemPrompt string
	UserPrompt   string
	Images       []Image
	// PreferredProviders moves the named providers to the front; unknown names are ignored.
	PreferredProviders []string
	// Accept, when set, rejects an extracted object. The next candidate in the same reply is
	// tried before falling back to the next provider.
	Accept func(json.RawMessage) error
}

type Judgment struct {
	Provider string
	Model    string
	RawText  string
	JSON     json.RawMessage
	Attempts []domain.ProviderAttempt
}

// Gateway owns no persistence. Providers are tried one at a time, never in parallel.
type Gateway struct {
	logger  *slog.Logger
	entries []Entry
}

func New(logger *slog.Logger, entries ...Entry) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger:  logger.With("module", "gateway", "layer", "domain_service"),
		entries: entries,
	}
}

// Providers lists configured provider names in default order.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.entries))
	for _, e := range g.entries {
		names = append(names, e.Config.Name)
	}
	return names
}

// Judge returns the first provider reply that yields an acceptable JSON object.
// When every provider fails it returns *domain.AllProvidersFailedError.
func (g *Gateway) Judge(ctx context.Context, req JudgeRequest) (Judgment, error) {
	attempts := make([]domain.ProviderAttempt, 0, len(g.entries))
	for _, entry := range g.order(req.PreferredProviders) {
		if err := ctx.Err(); err != nil {
			return Judgment{}, fmt.Errorf("judge: %w", err)
		}

		model := entry.Config.model(req.Task)
		if model == "" {
			attempts = append(attempts, g.failed(ctx, entry.Config.Name, "", fmt.Errorf("no model configured for task %q", req.Task), 0))
			continue
		}

		start := time.Now()
		judgment, err := g.try(ctx, entry, model, req)
		if err != nil {
			attempts = append(attempts, g.failed(ctx, entry.Config.Name, model, err, time.Since(start)))
			continue
		}
		judgment.Attempts = attempts
		g.logger.InfoContext(ctx, "provider judgment succeeded",
			"operation", "judge",
			"outcome", "success",
			"provider", entry.Config.Name,
			"model", model,
			"task", req.Task,
			"failed_attempts", len(attempts),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return judgment, nil
	}

	err := &domain.AllProvidersFailedError{Attempts: attempts}
	g.logger.ErrorContext(ctx, "all providers failed",
		"operation", "judge",
		"outcome", "failure",
		"task", req.Task,
		"attempts", attempts,
		"error", err,
	)
	return Judgment{}, err
}

func (g *Gateway) try(ctx context.Context, entry Entry, model string, req JudgeRequest) (Judgment, error) {
	callCtx := ctx
	if entry.Config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, entry.Config.Timeout)
		defer cancel()
	}

	reply, err := entry.Provider.Call(callCtx, ProviderRequest{
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Images:       req.Images,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Judgment{}, fmt.Errorf("timed out after %s: %w", entry.Config.Timeout, err)
		}
		return Judgment{}, err
	}

	obj, err := ExtractAcceptedObject(reply.Parts, req.Accept)
	if err != nil {
		return Judgment{}, err
	}
	return Judgment{
		Provider: entry.Config.Name,
		Model:    model,
		RawText:  strings.Join(reply.Parts, "\n"),
		JSON:     obj,
	}, nil
}

func (g *Gateway) failed(ctx context.Context, provider, model string, err error, elapsed time.Duration) domain.ProviderAttempt {
	g.logger.WarnContext(ctx, "provider attempt failed",
		"operation", "judge_attempt",
		"outcome", "failure",
		"provider", provider,
		"model", model,
		"duration_ms", elapsed.Milliseconds(),
		"error", err,
	)
	return domain.ProviderAttempt{Provider: provider, Model: model, Message: err.Error()}
}

// order applies caller preferences on top of the configured order.
func (g *Gateway) order(preferred []string) []Entry {
	if len(preferred) == 0 {
		return g.entries
	}
	byName := make(map[string]int, len(g.entries))
	for i, e := range g.entries {
		byName[strings.ToLower(e.Config.Name)] = i
	}
	used := make([]bool, len(g.entries))
	out := make([]Entry, 0, len(g.entries))
	for _, name := range preferred {
		idx, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok || used[idx] {
			continue
		}
		used[idx] = true
		out = append(out, g.entries[idx])
	}
	for i, e := range g.entries {
		if !used[i] {
			out = append(out, e)
		}
	}
	return out
}

func (c ProviderConfig) model(task string) string {
	if m := strings.TrimSpace(c.Models[task]); m != "" {
		return m
	}
	return strings.TrimSpace(c.Models[defaultModelKey])
}

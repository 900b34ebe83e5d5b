package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/gateway"
)

func TestOpenAIProviderSendsJSONModeAndImages(t *testing.T) {
	t.Parallel()

	var captured chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"breakdown\":[]}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{Endpoint: srv.URL, APIKey: "sk-test"})
	reply, err := p.Call(context.Background(), gateway.ProviderRequest{
		Model:        "gpt-test",
		SystemPrompt: "grade",
		UserPrompt:   "rubric",
		Images:       []gateway.Image{{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if captured.Model != "gpt-test" || captured.ResponseFormat["type"] != "json_object" {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("expected system + user messages, got %+v", captured.Messages)
	}
	userParts, ok := captured.Messages[1].Content.([]any)
	if !ok || len(userParts) != 2 {
		t.Fatalf("expected text + image parts, got %#v", captured.Messages[1].Content)
	}
	image, _ := userParts[1].(map[string]any)
	url, _ := image["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Fatalf("expected inline data url, got %q", url)
	}
	if len(reply.Parts) != 1 || reply.Parts[0] != `{"breakdown":[]}` {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestOpenAIProviderNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{Endpoint: srv.URL, APIKey: "k"})
	_, err := p.Call(context.Background(), gateway.ProviderRequest{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "upstream overloaded") {
		t.Fatalf("expected status error with body, got %v", err)
	}
}

func TestOpenAIProviderArrayContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"thinking..."},{"type":"text","text":"{\"a\":1}"}]}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{Endpoint: srv.URL, APIKey: "k"})
	reply, err := p.Call(context.Background(), gateway.ProviderRequest{Model: "m"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(reply.Parts) != 2 || reply.Parts[1] != `{"a":1}` {
		t.Fatalf("unexpected parts %+v", reply.Parts)
	}
}

// Gateway fallback across real HTTP providers: the first fails, the second
// answers with prose-wrapped JSON, the third is never called.
func TestGatewayFallbackOverHTTPProviders(t *testing.T) {
	t.Parallel()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer failing.Close()
	answering := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Here you go:\n` + "```json" + `\n{\"breakdown\":[{\"pointId\":\"p1\",\"matched\":true}]}\n` + "```" + `"}}]}`))
	}))
	defer answering.Close()
	called := false
	unused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	defer unused.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	entries, err := Build(context.Background(), logger, []Config{
		{Name: "first", Kind: KindOpenAI, Endpoint: failing.URL, APIKey: "k", Timeout: time.Second, Models: map[string]string{"default": "m1"}},
		{Name: "skipped", Kind: KindOpenAI, Endpoint: unused.URL, Models: map[string]string{"default": "m"}},
		{Name: "second", Kind: KindOpenAI, Endpoint: answering.URL, APIKey: "k", Timeout: time.Second, Models: map[string]string{"default": "m2"}},
		{Name: "third", Kind: KindOpenAI, Endpoint: unused.URL, APIKey: "k", Models: map[string]string{"default": "m3"}},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected keyless provider to be skipped, got %d entries", len(entries))
	}

	g := gateway.New(logger, entries...)
	j, err := g.Judge(context.Background(), gateway.JudgeRequest{Task: "grading"})
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if j.Provider != "second" || j.Model != "m2" {
		t.Fatalf("expected second/m2, got %s/%s", j.Provider, j.Model)
	}
	if called {
		t.Fatalf("third provider must not be called after a success")
	}
	v, err := domain.DecodeVerdict(j.JSON)
	if err != nil || len(v.Breakdown) != 1 {
		t.Fatalf("expected decodable verdict, got %+v %v", v, err)
	}
}

func TestGatewayAllHTTPProvidersFail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[1,2,3]"}}]}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	entries, err := Build(context.Background(), logger, []Config{
		{Name: "a", Kind: KindOpenAI, Endpoint: srv.URL, APIKey: "k", Models: map[string]string{"default": "m"}},
		{Name: "b", Kind: KindOpenAI, Endpoint: srv.URL, APIKey: "k", Models: map[string]string{"default": "m"}},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = gateway.New(logger, entries...).Judge(context.Background(), gateway.JudgeRequest{})
	var agg *domain.AllProvidersFailedError
	if !errors.As(err, &agg) || len(agg.Attempts) != 2 {
		t.Fatalf("expected two recorded attempts, got %v", err)
	}
}

func TestBuildRejectsUnknownKindAndDuplicates(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if _, err := Build(context.Background(), logger, []Config{{Name: "x", Kind: "smoke-signal", APIKey: "k"}}, nil); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := Build(context.Background(), logger, []Config{
		{Name: "x", Kind: KindOpenAI, APIKey: "k"},
		{Name: "X", Kind: KindOpenAI, APIKey: "k"},
	}, nil); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhiquai/aigrading/internal/gateway"
)

func TestGeminiProviderSkipsThoughtParts(t *testing.T) {
	t.Parallel()

	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[` +
			`{"text":"draft {\"x\":1}","thought":true},` +
			`{"text":"{\"breakdown\":[]}"}]}}]}`))
	}))
	defer srv.Close()

	p, err := NewGeminiProvider(context.Background(), GeminiConfig{
		Endpoint:   srv.URL + "/",
		APIKey:     "g-key",
		APIVersion: "v1beta",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	reply, err := p.Call(context.Background(), gateway.ProviderRequest{
		Model:        "gemini-test",
		SystemPrompt: "grade",
		UserPrompt:   "rubric",
		Images:       []gateway.Image{{Data: []byte("png"), MIMEType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(path, "gemini-test:generateContent") {
		t.Fatalf("unexpected request path %q", path)
	}
	if !strings.Contains(body, "application/json") || !strings.Contains(body, "image/png") {
		t.Fatalf("expected json mime type and inline image in request, got %s", body)
	}
	if len(reply.Parts) != 1 || reply.Parts[0] != `{"breakdown":[]}` {
		t.Fatalf("unexpected parts %+v", reply.Parts)
	}
}

func TestGeminiProviderRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := NewGeminiProvider(context.Background(), GeminiConfig{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

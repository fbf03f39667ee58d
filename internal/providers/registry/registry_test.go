package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/providers"
	"polychat/internal/providers/anthropic"
	"polychat/internal/providers/custom_http"
	"polychat/internal/providers/gemini"
	"polychat/internal/providers/openai"
)

func TestBuildResolvesAdapters(t *testing.T) {
	cases := map[string]any{
		"openai":     &openai.Client{},
		"deepseek":   &openai.Client{},
		"openrouter": &openai.Client{},
		"claude":     &anthropic.Client{},
		"gemini":     &gemini.Client{},
	}
	for kind, want := range cases {
		p, err := Build(BuildOptions{Kind: kind, APIKey: "k"})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if fmt.Sprintf("%T", p) != fmt.Sprintf("%T", want) {
			t.Fatalf("%s: expected %T, got %T", kind, want, p)
		}
	}

	p, err := Build(BuildOptions{Kind: "custom_http", BaseURL: "http://localhost:9000/generate"})
	if err != nil {
		t.Fatalf("custom_http: %v", err)
	}
	if _, ok := p.(*custom_http.Client); !ok {
		t.Fatalf("expected custom_http client, got %T", p)
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	if _, err := Build(BuildOptions{Kind: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := Build(BuildOptions{Kind: "custom_http"}); err == nil {
		t.Fatalf("expected error for custom_http without url")
	}
}

func TestBuildAppliesCatalogHeaders(t *testing.T) {
	var title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title = r.Header.Get("X-Title")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	p, err := Build(BuildOptions{Kind: "openrouter", BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := p.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: providers.RoleUser, Content: "x"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if title == "" {
		t.Fatalf("expected catalog X-Title header to be sent")
	}
}

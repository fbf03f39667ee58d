package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/providers"
)

func TestChatBuildsGeminiRequest(t *testing.T) {
	var got request
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hi "},{"text":"there"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1beta", APIKey: "g-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model: "gemini-1.5-flash",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "persona"},
			{Role: providers.RoleUser, Content: "hello"},
			{Role: providers.RoleAssistant, Content: "hey"},
		},
		Temperature: 0.3,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if path != "/v1beta/models/gemini-1.5-flash:generateContent" || key != "g-key" {
		t.Fatalf("unexpected path=%q key=%q", path, key)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "persona" {
		t.Fatalf("missing system instruction: %+v", got)
	}
	if len(got.Contents) != 3 || got.Contents[1].Role != "model" || got.Contents[2].Role != "user" {
		t.Fatalf("unexpected contents %+v", got.Contents)
	}
	if got.GenerationConfig.Temperature != 0.3 || got.GenerationConfig.MaxOutputTokens != 128 {
		t.Fatalf("unexpected generation config %+v", got.GenerationConfig)
	}
}

func TestChatStreamUsesAltSSE(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range []string{"Gem", "ini"} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\r\n\r\n", p)
		}
	}))
	defer srv.Close()

	var calls []string
	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "gemini-1.5-pro",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, func(text string, done bool) error {
		calls = append(calls, fmt.Sprintf("%s:%v", text, done))
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if query != "alt=sse" {
		t.Fatalf("unexpected query %q", query)
	}
	if resp.Text != "Gemini" || len(calls) != 3 || calls[2] != "Gemini:true" {
		t.Fatalf("unexpected stream result %q %v", resp.Text, calls)
	}
}

func TestBlockedPromptBecomesBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: providers.RoleUser, Content: "x"}}})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusBadRequest || perr.Message != "blocked: SAFETY" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestArrayErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `[{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}]`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.ChatStream(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: providers.RoleUser, Content: "x"}}}, nil)
	if got := providers.UserMessage(err); got != "Access denied by the provider: API key not valid" {
		t.Fatalf("unexpected user message %q", got)
	}
}

func TestStreamErrorChunkAfterTextIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Gem\"}]}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"error\":{\"code\":503,\"message\":\"The model is overloaded\",\"status\":\"UNAVAILABLE\"}}\r\n\r\n")
	}))
	defer srv.Close()

	var seen []string
	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: 1})
	_, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "m",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, func(text string, done bool) error {
		seen = append(seen, text)
		return nil
	})

	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected providers.Error, got %v", err)
	}
	if perr.Retryable || perr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error %+v", perr)
	}
	if calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls)
	}
	if len(seen) != 1 || seen[0] != "Gem" {
		t.Fatalf("unexpected callback sequence %v", seen)
	}
}

func TestStreamErrorChunkBeforeTextIsRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, "data: {\"error\":{\"code\":503,\"message\":\"busy\"}}\r\n\r\n")
			return
		}
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\r\n\r\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 1, BackoffBase: 1})
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}}, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Text != "ok" || calls != 2 {
		t.Fatalf("expected success after retry, text=%q calls=%d", resp.Text, calls)
	}
}

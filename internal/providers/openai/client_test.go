package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polychat/internal/providers"
)

type captured struct {
	Path   string
	Auth   string
	Title  string
	Body   map[string]any
	Stream bool
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, c captured)) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		c := captured{
			Path:  r.URL.Path,
			Auth:  r.Header.Get("Authorization"),
			Title: r.Header.Get("X-Title"),
			Body:  body,
		}
		c.Stream, _ = body["stream"].(bool)
		calls = append(calls, c)
		handler(w, c)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestChatSendsConversationAndParsesReply(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ captured) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
	})

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Headers: map[string]string{"X-Title": "polychat"}})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "sys"},
			{Role: providers.RoleUser, Content: "ping"},
			{Role: "model", Content: "earlier"},
		},
		Temperature: 5,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("unexpected text %q", resp.Text)
	}

	got := (*calls)[0]
	if got.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected path %q", got.Path)
	}
	if got.Auth != "Bearer sk-test" || got.Title != "polychat" {
		t.Fatalf("unexpected headers auth=%q title=%q", got.Auth, got.Title)
	}
	msgs, _ := got.Body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if role := msgs[2].(map[string]any)["role"]; role != "assistant" {
		t.Fatalf("expected normalized assistant role, got %v", role)
	}
	if temp := got.Body["temperature"]; temp != float64(2) {
		t.Fatalf("expected clamped temperature 2, got %v", temp)
	}
	if mt := got.Body["max_tokens"]; mt != float64(64) {
		t.Fatalf("expected max_tokens 64, got %v", mt)
	}
}

func TestChatStreamDeliversCumulativeText(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ captured) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	var seen []string
	var doneCalls int
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "m",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, func(text string, done bool) error {
		seen = append(seen, text)
		if done {
			doneCalls++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if doneCalls != 1 || seen[len(seen)-1] != "Hello world" || seen[0] != "Hel" {
		t.Fatalf("unexpected callback sequence %v (done=%d)", seen, doneCalls)
	}
	if !(*calls)[0].Stream {
		t.Fatalf("expected stream=true in request body")
	}
}

func TestChatMapsVendorErrors(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, _ captured) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	})

	c := New(Config{Name: "deepseek", BaseURL: srv.URL, APIKey: "bad"})
	_, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "m",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, nil)

	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected providers.Error, got %v", err)
	}
	if perr.StatusCode != http.StatusUnauthorized || perr.Provider != "deepseek" {
		t.Fatalf("unexpected error %+v", perr)
	}
	if !strings.Contains(perr.Message, "Incorrect API key") {
		t.Fatalf("vendor message lost: %q", perr.Message)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	attempt := 0
	srv, _ := newServer(t, func(w http.ResponseWriter, _ captured) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"busy"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	c := New(Config{BaseURL: srv.URL, MaxRetries: 1, BackoffBase: 1})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: providers.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "ok" || attempt != 2 {
		t.Fatalf("expected success after retry, text=%q attempts=%d", resp.Text, attempt)
	}
}

func TestEmptyKeyOmitsAuthorization(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ captured) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"local"}}]}`)
	})

	c := New(Config{Name: "ollama", BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{Model: "llama3.1", Messages: []providers.Message{{Role: providers.RoleUser, Content: "x"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if auth := (*calls)[0].Auth; auth != "" {
		t.Fatalf("expected no Authorization header, got %q", auth)
	}
}

func TestZeroTemperatureStaysInRequestBody(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ captured) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:       "m",
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		Temperature: 0,
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}

	temp, ok := (*calls)[0].Body["temperature"].(float64)
	if !ok {
		t.Fatalf("temperature missing from request body %v", (*calls)[0].Body)
	}
	if temp < 0 || temp > 1e-6 {
		t.Fatalf("expected temperature of effectively 0, got %v", temp)
	}
}

func TestStreamFailureAfterFirstDeltaIsNotRetried(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ captured) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: broken\n\n")
		flusher.Flush()
	})

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: 1})
	var seen []string
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
	if perr.Retryable {
		t.Fatalf("error after delivered text must not be retryable: %+v", perr)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected a single upstream call, got %d", len(*calls))
	}
	if len(seen) != 1 || seen[0] != "Hel" {
		t.Fatalf("unexpected callback sequence %v", seen)
	}
}

package custom_http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/providers"
)

func TestDefaultBodyCollapsesConversation(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"answer":"42"}`)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model: "local",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "sys"},
			{Role: providers.RoleUser, Content: "q"},
			{Role: providers.RoleAssistant, Content: "a"},
			{Role: providers.RoleUser, Content: "q2"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "42" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if got["system_prompt"] != "sys" || got["prompt"] != "User: q\n\nAssistant: a\n\nUser: q2" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestTemplateBodyAndSingleStreamCallback(t *testing.T) {
	var raw string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		auth = r.Header.Get("X-Key")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"}}]}`)
	}))
	defer srv.Close()

	c := New(Config{
		URL:          srv.URL,
		APIKey:       "secret",
		Headers:      map[string]string{"X-Key": "{{api_key}}"},
		BodyTemplate: `{"q":{{printf "%q" .UserPrompt}},"m":"{{.Model}}"}`,
	})
	var calls int
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "tiny",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hello"}},
	}, func(text string, done bool) error {
		calls++
		if !done || text != "done" {
			t.Errorf("unexpected callback %q %v", text, done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Text != "done" || calls != 1 {
		t.Fatalf("unexpected result %q calls=%d", resp.Text, calls)
	}
	if raw != `{"q":"hello","m":"tiny"}` || auth != "secret" {
		t.Fatalf("unexpected request body=%s auth=%q", raw, auth)
	}
}

func TestStatusErrorsAreTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"slow down"}`)
	}))
	defer srv.Close()

	_, err := New(Config{URL: srv.URL}).Chat(context.Background(), providers.ChatRequest{Messages: []providers.Message{{Role: providers.RoleUser, Content: "x"}}})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusTooManyRequests || !perr.Retryable {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBadTemplateFailsBeforeRequest(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", BodyTemplate: "{{.Broken"})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{}); err == nil {
		t.Fatalf("expected template error")
	}
}

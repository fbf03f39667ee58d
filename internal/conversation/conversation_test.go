package conversation

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"polychat/internal/crypto"
	"polychat/internal/providers"
	"polychat/internal/storage"
)

type fakeProvider struct {
	mu    sync.Mutex
	reqs  []providers.ChatRequest
	reply func(req providers.ChatRequest) (string, error)
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	text, err := f.reply(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error) {
	resp, err := f.Chat(ctx, req)
	if err != nil {
		return resp, err
	}
	half := len(resp.Text) / 2
	if half > 0 {
		if err := fn(resp.Text[:half], false); err != nil {
			return providers.ChatResponse{}, err
		}
	}
	if err := fn(resp.Text, true); err != nil {
		return providers.ChatResponse{}, err
	}
	return resp, nil
}

func (f *fakeProvider) requests() []providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.ChatRequest(nil), f.reqs...)
}

func lastUserText(req providers.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == providers.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

type testEnv struct {
	svc    *Service
	store  *storage.Store
	fake   *fakeProvider
	locker *LocalLocker
	keys   map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "chat.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	env := &testEnv{
		store:  st,
		locker: NewLocalLocker(),
		keys:   map[string]string{},
		fake: &fakeProvider{reply: func(req providers.ChatRequest) (string, error) {
			return "echo: " + lastUserText(req), nil
		}},
	}
	env.svc, err = New(Config{
		Store:   st,
		Secrets: mgr,
		Locker:  env.locker,
		Factory: func(m storage.ModelConfig, apiKey string) (providers.Provider, error) {
			env.keys[m.ID] = apiKey
			return env.fake, nil
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return env
}

func (e *testEnv) model(t *testing.T, owner int64, name string) storage.ModelConfig {
	t.Helper()
	key := "sk-" + name
	m, err := e.svc.CreateModel(context.Background(), owner, ModelInput{Name: name, Provider: "openai", APIKey: &key})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	return m
}

type streamEvent struct {
	step Step
	text string
	done bool
}

func recordStream(events *[]streamEvent) StreamFunc {
	return func(step Step, text string, done bool) error {
		*events = append(*events, streamEvent{step, text, done})
		return nil
	}
}

func TestCreateModelSealsKeyAndDefaults(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	m := env.model(t, 1, "gpt")
	if m.Model != "gpt-4o-mini" {
		t.Fatalf("expected catalog default model, got %q", m.Model)
	}
	if !m.HasAPIKey() || strings.Contains(*m.EncAPIKey, "sk-gpt") {
		t.Fatalf("api key must be stored sealed, got %v", m.EncAPIKey)
	}
	if m.Temperature != 0.7 || !m.Enabled {
		t.Fatalf("unexpected defaults %+v", m)
	}

	def, err := env.svc.DefaultModel(ctx, 1)
	if err != nil || def.ID != m.ID {
		t.Fatalf("first model must become the default: %+v (%v)", def, err)
	}

	if _, err := env.svc.CreateModel(ctx, 1, ModelInput{Name: "nokey", Provider: "anthropic"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing key, got %v", err)
	}
	if _, err := env.svc.CreateModel(ctx, 1, ModelInput{Name: "x", Provider: "nope"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown provider, got %v", err)
	}
	hot := 1.5
	key := "k"
	if _, err := env.svc.CreateModel(ctx, 1, ModelInput{Name: "claude", Provider: "anthropic", APIKey: &key, Temperature: &hot}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for temperature above the provider maximum, got %v", err)
	}
	if _, err := env.svc.CreateModel(ctx, 1, ModelInput{Name: "local", Provider: "custom_http"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("custom_http without a base url must be rejected, got %v", err)
	}
}

func TestZeroDefaultTemperatureIsKept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	zero := 0.0
	svc, err := New(Config{Store: env.store, Secrets: mgr, Locker: env.locker, DefaultTemperature: &zero, Factory: func(storage.ModelConfig, string) (providers.Provider, error) {
		return env.fake, nil
	}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	key := "sk"
	m, err := svc.CreateModel(ctx, 1, ModelInput{Name: "cold", Provider: "openai", APIKey: &key})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if m.Temperature != 0 {
		t.Fatalf("expected configured default temperature 0, got %v", m.Temperature)
	}
}

func TestStartPrimesWithArmoringThenSystem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	p, err := env.svc.CreatePreset(ctx, 1, PresetInput{Name: "pirate", Armoring: "stay in role", System: "you are a pirate"})
	if err != nil {
		t.Fatalf("create preset: %v", err)
	}

	var events []streamEvent
	tr, err := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID, PresetID: p.ID}, recordStream(&events))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tr.Conversation.Title != "pirate" {
		t.Fatalf("expected preset name as title, got %q", tr.Conversation.Title)
	}

	want := []struct {
		role    storage.Role
		content string
	}{
		{storage.RoleUser, "stay in role"},
		{storage.RoleAssistant, "echo: stay in role"},
		{storage.RoleUser, "you are a pirate"},
		{storage.RoleAssistant, "echo: you are a pirate"},
	}
	if len(tr.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), tr.Messages)
	}
	for i, w := range want {
		got := tr.Messages[i]
		if got.Role != w.role || got.Content != w.content || got.Seq != i+1 {
			t.Fatalf("message %d: got %+v, want %v %q", i, got, w.role, w.content)
		}
	}

	reqs := env.fake.requests()
	if len(reqs) != 2 || len(reqs[0].Messages) != 1 || len(reqs[1].Messages) != 3 {
		t.Fatalf("unexpected provider requests %+v", reqs)
	}
	if env.keys[m.ID] != "sk-gpt" {
		t.Fatalf("provider must receive the decrypted key, got %q", env.keys[m.ID])
	}

	var doneSteps []Step
	for _, ev := range events {
		if ev.done {
			doneSteps = append(doneSteps, ev.step)
		}
	}
	if len(doneSteps) != 2 || doneSteps[0] != StepArmoring || doneSteps[1] != StepSystem {
		t.Fatalf("expected one done per priming step in order, got %v", doneSteps)
	}

	sess, err := env.store.GetSession(ctx, 1)
	if err != nil || sess.ActiveConversationID == nil || *sess.ActiveConversationID != tr.Conversation.ID {
		t.Fatalf("new conversation must become active: %+v (%v)", sess, err)
	}
}

func TestStartStopsPrimingAfterFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	p, _ := env.svc.CreatePreset(ctx, 1, PresetInput{Name: "p", Armoring: "armor", System: "system"})

	env.fake.reply = func(req providers.ChatRequest) (string, error) {
		return "", &providers.Error{Provider: "openai", StatusCode: 401}
	}
	tr, err := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID, PresetID: p.ID}, nil)
	if err != nil {
		t.Fatalf("a failed priming reply must not fail Start: %v", err)
	}
	if len(tr.Messages) != 2 {
		t.Fatalf("expected priming to stop after the first failure, got %+v", tr.Messages)
	}
	last := tr.Messages[1]
	if !last.IsError || last.Role != storage.RoleAssistant || !strings.Contains(last.Content, "Authentication failed") {
		t.Fatalf("unexpected error reply %+v", last)
	}
	if len(env.fake.requests()) != 1 {
		t.Fatalf("system text must not be sent after a failed armoring reply")
	}

	env.fake.reply = func(req providers.ChatRequest) (string, error) { return "fine", nil }
	if _, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "hello", nil); err != nil {
		t.Fatalf("conversation must stay usable: %v", err)
	}
}

func TestStartWithoutPresetTitle(t *testing.T) {
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	tr, err := env.svc.Start(context.Background(), 1, StartParams{ModelConfigID: m.ID}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tr.Conversation.Title != "Chat with gpt" || len(tr.Messages) != 0 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if len(env.fake.requests()) != 0 {
		t.Fatalf("no provider call expected without a preset")
	}
}

func TestSendExcludesErrorRepliesFromContext(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	tr, _ := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID}, nil)

	env.fake.reply = func(req providers.ChatRequest) (string, error) {
		return "", &providers.Error{Provider: "openai", StatusCode: 503, Retryable: true}
	}
	msg, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "first", nil)
	if err != nil {
		t.Fatalf("provider failures must not be returned: %v", err)
	}
	if !msg.IsError || msg.Content != "The provider is temporarily unavailable (HTTP 503)." {
		t.Fatalf("unexpected error reply %+v", msg)
	}

	env.fake.reply = func(req providers.ChatRequest) (string, error) { return "answer", nil }
	var events []streamEvent
	msg, err = env.svc.Send(ctx, 1, tr.Conversation.ID, "second", recordStream(&events))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.IsError || msg.Content != "answer" || msg.Seq != 4 {
		t.Fatalf("unexpected reply %+v", msg)
	}

	reqs := env.fake.requests()
	last := reqs[len(reqs)-1]
	for _, pm := range last.Messages {
		if strings.Contains(pm.Content, "unavailable") {
			t.Fatalf("error replies must not reach the provider: %+v", last.Messages)
		}
	}
	if len(last.Messages) != 2 || last.Messages[0].Content != "first" || last.Messages[1].Content != "second" {
		t.Fatalf("unexpected context %+v", last.Messages)
	}
	if last.Temperature != 0.7 || last.Model != m.Model {
		t.Fatalf("request must carry the model config settings, got %+v", last)
	}

	if len(events) != 2 || events[0].text != "ans" || !events[1].done || events[1].text != "answer" {
		t.Fatalf("unexpected stream events %+v", events)
	}

	if _, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSendEmptyReplyIsStoredAsError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	tr, _ := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID}, nil)

	env.fake.reply = func(req providers.ChatRequest) (string, error) { return "  ", nil }
	msg, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !msg.IsError || msg.Content != emptyReplyText {
		t.Fatalf("unexpected reply %+v", msg)
	}
}

func TestRetryReplacesFailedReply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	tr, _ := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID}, nil)

	if _, err := env.svc.Retry(ctx, 1, tr.Conversation.ID, nil); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry on an empty conversation, got %v", err)
	}

	env.fake.reply = func(req providers.ChatRequest) (string, error) {
		return "", &providers.Error{Provider: "openai", StatusCode: 429, Retryable: true}
	}
	failed, _ := env.svc.Send(ctx, 1, tr.Conversation.ID, "question", nil)

	env.fake.reply = func(req providers.ChatRequest) (string, error) { return "echo: " + lastUserText(req), nil }
	msg, err := env.svc.Retry(ctx, 1, tr.Conversation.ID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if msg.ID != failed.ID || msg.IsError || msg.Content != "echo: question" {
		t.Fatalf("expected the failed reply to be replaced in place, got %+v", msg)
	}

	got, _ := env.svc.Get(ctx, 1, tr.Conversation.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("retry must not append messages, got %+v", got.Messages)
	}
	if _, err := env.svc.Retry(ctx, 1, tr.Conversation.ID, nil); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry after a good reply, got %v", err)
	}
}

func TestSendBusyAndDisabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	tr, _ := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID}, nil)

	release, ok, _ := env.locker.TryLock(ctx, "conversation:"+tr.Conversation.ID)
	if !ok {
		t.Fatalf("expected to take the lock")
	}
	if _, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "hi", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	release()

	enabled, err := env.svc.ToggleModel(ctx, 1, m.ID)
	if err != nil || enabled {
		t.Fatalf("expected model disabled: %v %v", enabled, err)
	}
	if _, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "hi", nil); !errors.Is(err, ErrModelDisabled) {
		t.Fatalf("expected ErrModelDisabled, got %v", err)
	}
	if _, err := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID}, nil); !errors.Is(err, ErrModelDisabled) {
		t.Fatalf("expected ErrModelDisabled on start, got %v", err)
	}

	if _, err := env.svc.Send(ctx, 2, tr.Conversation.ID, "hi", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("other owners must not reach the conversation, got %v", err)
	}
}

func TestChangeModelRebuildsProvider(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.model(t, 1, "a")
	b := env.model(t, 1, "b")
	tr, _ := env.svc.Start(ctx, 1, StartParams{ModelConfigID: a.ID}, nil)

	if err := env.svc.ChangeModel(ctx, 1, tr.Conversation.ID, b.ID); err != nil {
		t.Fatalf("change model: %v", err)
	}
	if _, err := env.svc.Send(ctx, 1, tr.Conversation.ID, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env.keys[b.ID] != "sk-b" {
		t.Fatalf("expected the provider of the new model, keys=%v", env.keys)
	}

	if err := env.svc.DeleteModel(ctx, 1, b.ID); !errors.Is(err, storage.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if err := env.svc.Rename(ctx, 1, tr.Conversation.ID, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty title, got %v", err)
	}
	if err := env.svc.Delete(ctx, 1, tr.Conversation.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.Active(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("deleted conversation must not stay active, got %v", err)
	}
	if err := env.svc.DeleteModel(ctx, 1, b.ID); err != nil {
		t.Fatalf("delete unused model: %v", err)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")
	tr, _ := env.svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID, Title: "Notes"}, nil)
	_, _ = env.svc.Send(ctx, 1, tr.Conversation.ID, "say **hi**", nil)

	md, ctype, err := env.svc.Export(ctx, 1, tr.Conversation.ID, FormatMarkdown)
	if err != nil {
		t.Fatalf("export md: %v", err)
	}
	if !strings.HasPrefix(ctype, "text/markdown") || !strings.Contains(string(md), "# Notes") || !strings.Contains(string(md), "## Assistant\n\necho: say **hi**") {
		t.Fatalf("unexpected markdown %q", md)
	}

	page, ctype, err := env.svc.Export(ctx, 1, tr.Conversation.ID, FormatHTML)
	if err != nil {
		t.Fatalf("export html: %v", err)
	}
	if !strings.HasPrefix(ctype, "text/html") || !strings.Contains(string(page), "<strong>hi</strong>") || !strings.Contains(string(page), "<title>Notes</title>") {
		t.Fatalf("unexpected html %q", page)
	}

	if _, _, err := env.svc.Export(ctx, 1, tr.Conversation.ID, "pdf"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown format, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens([]providers.Message{{Role: providers.RoleUser, Content: "hello world"}})
	if n < perMessageOverhead+1 {
		t.Fatalf("unexpected estimate %d", n)
	}
	if EstimateTokens(nil) != 0 {
		t.Fatalf("empty history must estimate to zero")
	}
}

func TestRotateKeys(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.model(t, 1, "gpt")

	rotatedMgr, err := crypto.NewManager("k2", map[string][]byte{
		"k1": bytes.Repeat([]byte{7}, 32),
		"k2": bytes.Repeat([]byte{9}, 32),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	svc, err := New(Config{Store: env.store, Secrets: rotatedMgr, Locker: env.locker, Factory: func(mc storage.ModelConfig, apiKey string) (providers.Provider, error) {
		env.keys[mc.ID] = apiKey
		return env.fake, nil
	}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	n, err := svc.RotateKeys(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one rotated key, got %d %v", n, err)
	}
	if n, _ := svc.RotateKeys(ctx); n != 0 {
		t.Fatalf("second rotation must be a no-op, rotated %d", n)
	}

	got, err := env.store.GetModelConfig(ctx, 1, m.ID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if rotatedMgr.NeedsRotation(*got.EncAPIKey) {
		t.Fatalf("key still sealed with the retired master key")
	}
	tr, err := svc.Start(ctx, 1, StartParams{ModelConfigID: m.ID}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Send(ctx, 1, tr.Conversation.ID, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env.keys[m.ID] != "sk-gpt" {
		t.Fatalf("provider got key %q after rotation", env.keys[m.ID])
	}
}

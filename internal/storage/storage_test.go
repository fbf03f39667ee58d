package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "polychat.db")
	st, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedModel(t *testing.T, st *Store, owner int64, name string) ModelConfig {
	t.Helper()
	key := `{"key_id":"k","nonce":"n","ciphertext":"c"}`
	m, err := st.CreateModelConfig(context.Background(), ModelConfig{
		OwnerID:     owner,
		Name:        name,
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		Enabled:     true,
		EncAPIKey:   &key,
		Options:     map[string]string{"method": "POST"},
	})
	if err != nil {
		t.Fatalf("create model config: %v", err)
	}
	return m
}

func TestModelConfigLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	m := seedModel(t, st, 1, "gpt")
	if _, err := st.CreateModelConfig(ctx, ModelConfig{OwnerID: 1, Name: "gpt", Provider: "openai", Model: "x"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate name, got %v", err)
	}
	if _, err := st.CreateModelConfig(ctx, ModelConfig{OwnerID: 2, Name: "gpt", Provider: "openai", Model: "x"}); err != nil {
		t.Fatalf("same name for another owner must be allowed: %v", err)
	}

	got, err := st.GetModelConfigByName(ctx, 1, "gpt")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != m.ID || !got.Enabled || !got.HasAPIKey() || got.Options["method"] != "POST" {
		t.Fatalf("unexpected model config %+v", got)
	}

	got.Model = "gpt-4o"
	got.EncAPIKey = nil
	updated, err := st.UpdateModelConfig(ctx, got)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Model != "gpt-4o" || !updated.HasAPIKey() {
		t.Fatalf("update lost fields: %+v", updated)
	}

	if err := st.SetModelConfigEnabled(ctx, 1, m.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got, _ := st.GetModelConfig(ctx, 1, m.ID); got.Enabled {
		t.Fatalf("expected model to be disabled")
	}
	if _, err := st.GetModelConfig(ctx, 2, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected owner scoping, got %v", err)
	}

	sealed, err := st.ListSealedModelConfigs(ctx)
	if err != nil || len(sealed) != 1 {
		t.Fatalf("expected one sealed config, got %d (%v)", len(sealed), err)
	}
}

func TestDeleteModelConfigInUse(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	m := seedModel(t, st, 1, "gpt")

	c, err := st.CreateConversation(ctx, Conversation{OwnerID: 1, Title: "t", ModelConfigID: m.ID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := st.DeleteModelConfig(ctx, 1, m.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if err := st.DeleteConversation(ctx, 1, c.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	if err := st.SetDefaultModel(ctx, 1, &m.ID); err != nil {
		t.Fatalf("set default model: %v", err)
	}
	if err := st.DeleteModelConfig(ctx, 1, m.ID); err != nil {
		t.Fatalf("delete model config: %v", err)
	}
	sess, err := st.GetSession(ctx, 1)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.DefaultModelConfigID != nil {
		t.Fatalf("expected default model to be cleared")
	}
}

func TestMessagesAppendOnly(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	m := seedModel(t, st, 1, "gpt")
	c, err := st.CreateConversation(ctx, Conversation{OwnerID: 1, ModelConfigID: m.ID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	first, err := st.AppendMessage(ctx, c.ID, RoleUser, "hi", false)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := st.AppendMessage(ctx, c.ID, RoleAssistant, "", false)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected seqs %d %d", first.Seq, second.Seq)
	}

	if _, err := st.UpdateMessageContent(ctx, c.ID, first.ID, "edited", false); !errors.Is(err, ErrNotLastMessage) {
		t.Fatalf("expected ErrNotLastMessage, got %v", err)
	}
	if _, err := st.UpdateMessageContent(ctx, c.ID, second.ID, "hello!", true); err != nil {
		t.Fatalf("update last: %v", err)
	}

	msgs, err := st.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello!" || !msgs[1].IsError || msgs[1].Role != RoleAssistant {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	if _, err := st.AppendMessage(ctx, "missing", RoleUser, "x", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown conversation, got %v", err)
	}
}

func TestConversationsOrderingAndRetention(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })

	m := seedModel(t, st, 1, "gpt")
	old, _ := st.CreateConversation(ctx, Conversation{OwnerID: 1, Title: "old", ModelConfigID: m.ID})
	if _, err := st.AppendMessage(ctx, old.ID, RoleUser, "x", false); err != nil {
		t.Fatalf("append: %v", err)
	}

	now = now.Add(48 * time.Hour)
	fresh, _ := st.CreateConversation(ctx, Conversation{OwnerID: 1, Title: "fresh", ModelConfigID: m.ID})
	if err := st.SetActiveConversation(ctx, 1, &old.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}

	list, err := st.ListConversations(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != fresh.ID {
		t.Fatalf("expected most recent first, got %+v", list)
	}

	n, err := st.DeleteConversationsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted conversation, got %d", n)
	}
	if _, err := st.GetConversation(ctx, 1, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old conversation to be gone, got %v", err)
	}
	if msgs, _ := st.ListMessages(ctx, old.ID); len(msgs) != 0 {
		t.Fatalf("expected messages to be deleted")
	}
	sess, _ := st.GetSession(ctx, 1)
	if sess.ActiveConversationID != nil {
		t.Fatalf("expected active conversation to be cleared")
	}
}

func TestDeletePresetDetachesConversations(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	m := seedModel(t, st, 1, "gpt")

	p, err := st.CreatePreset(ctx, Preset{OwnerID: 1, Name: "pirate", Armoring: "arr", System: "talk like a pirate"})
	if err != nil {
		t.Fatalf("create preset: %v", err)
	}
	if _, err := st.CreatePreset(ctx, Preset{OwnerID: 1, Name: "pirate"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	c, _ := st.CreateConversation(ctx, Conversation{OwnerID: 1, ModelConfigID: m.ID, PresetID: &p.ID})

	if err := st.DeletePreset(ctx, 1, p.ID); err != nil {
		t.Fatalf("delete preset: %v", err)
	}
	got, err := st.GetConversation(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.PresetID != nil {
		t.Fatalf("expected preset to be detached")
	}
	if err := st.DeletePreset(ctx, 1, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.LogAction(ctx, AuditEntry{OwnerID: 1, Action: "preset_delete", MetaJSON: "not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
}

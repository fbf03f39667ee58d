package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.Seal("sk-super-secret", "model-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(raw, "sk-super-secret") {
		t.Fatalf("plaintext leaked into envelope: %s", raw)
	}

	out, err := m.Open(raw, "model-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-super-secret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestOpenRejectsOtherRecord(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	raw, err := m.Seal("secret", "model-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := m.Open(raw, "model-2"); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.Seal("legacy", "m")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}
	if !rotated.NeedsRotation(oldCipher) {
		t.Fatalf("expected old envelope to need rotation")
	}

	resealed, err := rotated.ReSeal(oldCipher, "m")
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if rotated.NeedsRotation(resealed) {
		t.Fatalf("resealed envelope still uses the old key")
	}
	plain, err := rotated.Open(resealed, "m")
	if err != nil || plain != "legacy" {
		t.Fatalf("unexpected plaintext %q (%v)", plain, err)
	}
	if got := rotated.KeyIDs(); len(got) != 2 || got[0] != "new" {
		t.Fatalf("unexpected key ids %v", got)
	}
}

func TestNewManagerValidatesKeys(t *testing.T) {
	if _, err := NewManager("k", map[string][]byte{"k": []byte("short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewManager("missing", map[string][]byte{"k": make([]byte, 32)}); err == nil {
		t.Fatalf("expected error for unknown current key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}

package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogHasCoreProviders(t *testing.T) {
	c := Default()
	for _, id := range []string{"openai", "anthropic", "gemini", "custom_http", "deepseek"} {
		if _, ok := c.Lookup(id); !ok {
			t.Fatalf("expected %s in default catalog", id)
		}
	}
	e, ok := c.Lookup("claude")
	if !ok || e.ID != "anthropic" || e.DefaultMaxTokens != 4096 {
		t.Fatalf("alias lookup failed: %+v", e)
	}
	e, _ = c.Lookup("openai-compatible")
	if e.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("unexpected base url %q", e.BaseURL)
	}
}

func TestLoadOverrideExtendsAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	raw := `
providers:
  - id: openai
    adapter: openai
    base_url: https://proxy.internal/v1/
    default_model: gpt-4o
  - id: lmstudio
    name: LM Studio
    adapter: openai
    base_url: http://localhost:1234/v1
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, _ := c.Lookup("openai")
	if e.BaseURL != "https://proxy.internal/v1" || e.DefaultModel != "gpt-4o" {
		t.Fatalf("override not applied: %+v", e)
	}
	if _, ok := c.Lookup("lmstudio"); !ok {
		t.Fatalf("expected lmstudio entry")
	}
	if list := c.List(); list[0].ID != "openai" || list[len(list)-1].ID != "lmstudio" {
		t.Fatalf("unexpected order: first=%s last=%s", list[0].ID, list[len(list)-1].ID)
	}
}

func TestParseRejectsUnknownAdapter(t *testing.T) {
	_, err := Parse([]byte("providers:\n  - id: x\n    adapter: smoke-signals\n"))
	if err == nil {
		t.Fatalf("expected error for unknown adapter")
	}
}

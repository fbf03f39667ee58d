package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	AdapterOpenAI     = "openai"
	AdapterAnthropic  = "anthropic"
	AdapterGemini     = "gemini"
	AdapterCustomHTTP = "custom_http"
)

//go:embed catalog.yaml
var embedded []byte

// Entry describes one selectable provider kind.
type Entry struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Adapter          string            `yaml:"adapter" json:"adapter"`
	BaseURL          string            `yaml:"base_url" json:"base_url"`
	DefaultModel     string            `yaml:"default_model" json:"default_model"`
	MaxTemperature   float64           `yaml:"max_temperature" json:"max_temperature"`
	DefaultMaxTokens int               `yaml:"default_max_tokens" json:"default_max_tokens"`
	RequiresKey      bool              `yaml:"requires_key" json:"requires_key"`
	Headers          map[string]string `yaml:"headers" json:"-"`
	Models           []string          `yaml:"models" json:"models"`
}

type file struct {
	Providers []Entry `yaml:"providers"`
}

type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the catalog parsed from the embedded YAML.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(embedded)
		if err != nil {
			panic(fmt.Sprintf("embedded provider catalog: %v", err))
		}
		defaultCat = c
	})
	return defaultCat
}

func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode provider catalog: %w", err)
	}
	c := &Catalog{entries: map[string]Entry{}}
	for _, e := range f.Providers {
		if err := c.put(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Load returns the embedded catalog, extended or overridden by the YAML file at path when set.
func Load(path string) (*Catalog, error) {
	c, err := Parse(embedded)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog %q: %w", path, err)
	}
	override, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	for _, id := range override.order {
		if err := c.put(override.entries[id]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) put(e Entry) error {
	e.ID = normalizeID(e.ID)
	if e.ID == "" {
		return fmt.Errorf("provider catalog entry without id")
	}
	if e.Adapter == "" {
		e.Adapter = e.ID
	}
	switch e.Adapter {
	case AdapterOpenAI, AdapterAnthropic, AdapterGemini, AdapterCustomHTTP:
	default:
		return fmt.Errorf("provider %q: unsupported adapter %q", e.ID, e.Adapter)
	}
	if e.Name == "" {
		e.Name = e.ID
	}
	e.BaseURL = strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[e.ID]; !ok {
		c.order = append(c.order, e.ID)
	}
	c.entries[e.ID] = e
	return nil
}

// Lookup accepts the usual aliases ("openai-compatible", "claude", "google", ...).
func (c *Catalog) Lookup(kind string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[normalizeID(kind)]
	return e, ok
}

func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}

func normalizeID(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "-", "_")
	switch v {
	case "openai_compat", "openai_compatible", "chatgpt":
		return "openai"
	case "claude":
		return "anthropic"
	case "google", "google_gemini":
		return "gemini"
	case "custom":
		return "custom_http"
	}
	return v
}

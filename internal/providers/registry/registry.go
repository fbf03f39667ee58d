package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"polychat/internal/providers"
	"polychat/internal/providers/anthropic"
	"polychat/internal/providers/catalog"
	"polychat/internal/providers/custom_http"
	"polychat/internal/providers/gemini"
	"polychat/internal/providers/openai"
)

type BuildOptions struct {
	Kind    string
	BaseURL string
	APIKey  string
	Headers map[string]string
	// Config carries adapter specific options, e.g. body_template and method for custom_http.
	Config      map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	// Catalog defaults to catalog.Default().
	Catalog *catalog.Catalog
}

func Build(opts BuildOptions) (providers.Provider, error) {
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	entry, ok := cat.Lookup(opts.Kind)
	if !ok {
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
	if opts.Config == nil {
		opts.Config = map[string]string{}
	}

	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = entry.BaseURL
	}
	headers := mergeHeaders(entry.Headers, opts.Headers)

	switch entry.Adapter {
	case catalog.AdapterOpenAI:
		return openai.New(openai.Config{
			Name:           entry.ID,
			BaseURL:        baseURL,
			APIKey:         opts.APIKey,
			Headers:        headers,
			HTTPClient:     opts.HTTPClient,
			MaxRetries:     opts.MaxRetries,
			BackoffBase:    opts.BackoffBase,
			MaxTemperature: entry.MaxTemperature,
		}), nil

	case catalog.AdapterAnthropic:
		return anthropic.New(anthropic.Config{
			BaseURL:          baseURL,
			APIKey:           opts.APIKey,
			Headers:          headers,
			HTTPClient:       opts.HTTPClient,
			MaxRetries:       opts.MaxRetries,
			BackoffBase:      opts.BackoffBase,
			DefaultMaxTokens: entry.DefaultMaxTokens,
		}), nil

	case catalog.AdapterGemini:
		return gemini.New(gemini.Config{
			BaseURL:     baseURL,
			APIKey:      opts.APIKey,
			Headers:     headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case catalog.AdapterCustomHTTP:
		if baseURL == "" {
			return nil, fmt.Errorf("custom_http requires a base url")
		}
		return custom_http.New(custom_http.Config{
			URL:          baseURL,
			APIKey:       opts.APIKey,
			Headers:      headers,
			BodyTemplate: opts.Config["body_template"],
			Method:       strings.ToUpper(opts.Config["method"]),
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("provider %q: unsupported adapter %q", entry.ID, entry.Adapter)
	}
}

func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

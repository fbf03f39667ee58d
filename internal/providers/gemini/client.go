package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"polychat/internal/providers"
	"polychat/internal/providers/sse"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/models")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type request struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// text returns the first candidate's text, or a 400 error when the prompt was blocked.
func (r response) text() (string, error) {
	if r.Error != nil {
		status := r.Error.Code
		if status == 0 {
			status = http.StatusBadGateway
		}
		return "", providers.NewStatusError(providerName, status, r.Error.Message)
	}
	if len(r.Candidates) == 0 {
		if r.PromptFeedback.BlockReason != "" {
			return "", providers.NewStatusError(providerName, http.StatusBadRequest, "blocked: "+r.PromptFeedback.BlockReason)
		}
		return "", nil
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body := buildRequest(req)
	endpoint := c.endpoint(req.Model, "generateContent", false)

	var text string
	err := providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		resp, err := providers.PostJSON(ctx, c.cfg.HTTPClient, providerName, endpoint, c.headers(), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return providers.NewTransportError(providerName, fmt.Errorf("decode response: %w", err))
		}
		text, err = out.text()
		return err
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error) {
	body := buildRequest(req)
	endpoint := c.endpoint(req.Model, "streamGenerateContent", true)
	acc := providers.NewAccumulator(fn)

	err := providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		resp, err := providers.PostJSON(ctx, c.cfg.HTTPClient, providerName, endpoint, c.headers(), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		err = sse.Scan(resp.Body, func(_, data []byte) error {
			var chunk response
			if err := json.Unmarshal(data, &chunk); err != nil {
				return nil
			}
			delta, err := chunk.text()
			if err != nil {
				return err
			}
			return acc.Add(delta)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if acc.Started() {
			return providers.NoRetry(err)
		}
		var perr *providers.Error
		if errors.As(err, &perr) {
			return err
		}
		return providers.NewTransportError(providerName, err)
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return acc.Finish()
}

func buildRequest(req providers.ChatRequest) request {
	system, turns := providers.AlternatingTurns(req.Messages)
	out := request{
		Contents: make([]content, 0, len(turns)),
		GenerationConfig: generationConfig{
			Temperature:     providers.ClampTemperature(req.Temperature, 2),
			MaxOutputTokens: req.MaxTokens,
		},
	}
	for _, t := range turns {
		role := "user"
		if t.Role == providers.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}
	if system != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	return out
}

func (c *Client) endpoint(model, method string, stream bool) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	u := fmt.Sprintf("%s/models/%s:%s", c.cfg.BaseURL, url.PathEscape(model), method)
	if stream {
		u += "?alt=sse"
	}
	return u
}

func (c *Client) headers() map[string]string {
	h := map[string]string{}
	if c.cfg.APIKey != "" {
		h["x-goog-api-key"] = c.cfg.APIKey
	}
	for k, v := range c.cfg.Headers {
		h[k] = v
	}
	return h
}

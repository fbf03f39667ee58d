package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"polychat/internal/providers"
)

const providerName = "custom_http"

type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

// Client talks to single-turn endpoints: the conversation is collapsed into one prompt.
type Client struct {
	cfg Config
	tpl *template.Template
	err error
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		c.tpl, c.err = template.New("custom_http_body").Option("missingkey=zero").Parse(cfg.BodyTemplate)
		if c.err != nil {
			c.err = fmt.Errorf("parse body template: %w", c.err)
		}
	}
	return c
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var text string
	err = providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		var err error
		text, err = c.callOnce(ctx, body)
		return err
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

// ChatStream has no incremental endpoint to read from: the reply is delivered in one final callback.
func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error) {
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	if fn != nil {
		if err := fn(resp.Text, true); err != nil {
			return providers.ChatResponse{}, err
		}
	}
	return resp, nil
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	system, prompt := providers.CollapseSingleTurn(req.Messages)

	if c.tpl == nil {
		b, err := json.Marshal(map[string]any{
			"model":         req.Model,
			"system_prompt": system,
			"prompt":        prompt,
			"max_tokens":    req.MaxTokens,
			"temperature":   req.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": system,
		"UserPrompt":   prompt,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, body []byte) (string, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build custom request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" && len(c.cfg.Headers) == 0 {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", providers.NewTransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", providers.ErrorFromResponse(providerName, resp)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", providers.NewTransportError(providerName, fmt.Errorf("read custom response: %w", err))
	}
	return extractText(b)
}

func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", nil
	}

	for _, key := range []string{"text", "response", "answer", "output_text", "content", "completion"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	if out, ok := simple["output"].([]any); ok && len(out) > 0 {
		if o0, ok := out[0].(map[string]any); ok {
			if content, ok := o0["content"].([]any); ok && len(content) > 0 {
				if c0, ok := content[0].(map[string]any); ok {
					if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
						return text, nil
					}
				}
			}
		}
	}

	return "", providers.NewStatusError(providerName, http.StatusBadGateway, "response does not contain a text field")
}

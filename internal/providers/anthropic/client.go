package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"polychat/internal/providers"
	"polychat/internal/providers/sse"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	APIVersion       = "2023-06-01"
	DefaultMaxTokens = 4096
	providerName     = "anthropic"
)

type Config struct {
	BaseURL          string
	APIKey           string
	Headers          map[string]string
	HTTPClient       *http.Client
	MaxRetries       int
	BackoffBase      time.Duration
	DefaultMaxTokens int
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/messages")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body := c.buildRequest(req, false)

	var text string
	err := providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		resp, err := providers.PostJSON(ctx, c.cfg.HTTPClient, providerName, c.cfg.BaseURL+"/messages", c.headers(), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return providers.NewTransportError(providerName, fmt.Errorf("decode response: %w", err))
		}
		var b strings.Builder
		for _, block := range out.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		text = b.String()
		return nil
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error) {
	body := c.buildRequest(req, true)
	acc := providers.NewAccumulator(fn)

	err := providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		resp, err := providers.PostJSON(ctx, c.cfg.HTTPClient, providerName, c.cfg.BaseURL+"/messages", c.headers(), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		err = sse.Scan(resp.Body, func(_, data []byte) error {
			var ev streamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" {
					return acc.Add(ev.Delta.Text)
				}
			case "message_stop":
				return errStop
			case "error":
				perr := providers.NewStatusError(providerName, statusForErrorType(ev.Error.Type), ev.Error.Message)
				if acc.Started() {
					return providers.NoRetry(perr)
				}
				return perr
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		var perr *providers.Error
		if err != nil && !errors.As(err, &perr) && !acc.Started() {
			return providers.NewTransportError(providerName, err)
		}
		return err
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return acc.Finish()
}

var errStop = errors.New("message_stop")

func (c *Client) buildRequest(req providers.ChatRequest, stream bool) request {
	system, turns := providers.AlternatingTurns(req.Messages)
	msgs := make([]message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, message{Role: string(t.Role), Content: t.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.DefaultMaxTokens
	}
	return request{
		Model:       req.Model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: providers.ClampTemperature(req.Temperature, 1),
		Stream:      stream,
	}
}

func (c *Client) headers() map[string]string {
	h := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": APIVersion,
	}
	for k, v := range c.cfg.Headers {
		h[k] = v
	}
	return h
}

// statusForErrorType maps in-stream error events onto the HTTP statuses the API uses for them.
func statusForErrorType(t string) int {
	switch t {
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "not_found_error":
		return http.StatusNotFound
	case "request_too_large":
		return http.StatusRequestEntityTooLarge
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return 529
	default:
		return http.StatusInternalServerError
	}
}

package openai

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/sashabaranov/go-openai"

	"polychat/internal/providers"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	// Name labels errors and metrics; OpenAI-compatible vendors pass their catalog id.
	Name           string
	BaseURL        string
	APIKey         string
	Headers        map[string]string
	HTTPClient     *http.Client
	MaxRetries     int
	BackoffBase    time.Duration
	MaxTemperature float64
}

type Client struct {
	cfg    Config
	client *oai.Client
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/chat/completions")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	oaiCfg := oai.DefaultConfig(cfg.APIKey)
	oaiCfg.BaseURL = cfg.BaseURL
	oaiCfg.HTTPClient = &http.Client{
		Timeout: cfg.HTTPClient.Timeout,
		Transport: &headerTransport{
			base:    cfg.HTTPClient.Transport,
			headers: cfg.Headers,
			noAuth:  strings.TrimSpace(cfg.APIKey) == "",
		},
	}
	return &Client{cfg: cfg, client: oai.NewClientWithConfig(oaiCfg)}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	creq := c.buildRequest(req)

	var text string
	err := providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		resp, err := c.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			return c.wrapError(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return &providers.Error{Provider: c.cfg.Name, StatusCode: http.StatusBadGateway, Message: "empty choices in chat completion response"}
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, fn providers.StreamFunc) (providers.ChatResponse, error) {
	creq := c.buildRequest(req)
	creq.Stream = true
	acc := providers.NewAccumulator(fn)

	err := providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func(int) error {
		return c.stream(ctx, creq, acc)
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return acc.Finish()
}

func (c *Client) stream(ctx context.Context, creq oai.ChatCompletionRequest, acc *providers.Accumulator) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return c.wrapError(ctx, err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			werr := c.wrapError(ctx, err)
			if acc.Started() {
				return providers.NoRetry(werr)
			}
			return werr
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := acc.Add(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}

func (c *Client) buildRequest(req providers.ChatRequest) oai.ChatCompletionRequest {
	msgs := make([]oai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range providers.NormalizeRoles(req.Messages) {
		role := oai.ChatMessageRoleUser
		switch m.Role {
		case providers.RoleSystem:
			role = oai.ChatMessageRoleSystem
		case providers.RoleAssistant:
			role = oai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, oai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	maxTemp := c.cfg.MaxTemperature
	if maxTemp <= 0 {
		maxTemp = 2
	}
	temp := float32(providers.ClampTemperature(req.Temperature, maxTemp))
	if temp == 0 {
		// go-openai omits a zero temperature; vendors would then apply their own default.
		temp = math.SmallestNonzeroFloat32
	}
	creq := oai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: temp,
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}
	return creq
}

func (c *Client) wrapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *oai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewStatusError(c.cfg.Name, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *oai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		if reqErr.HTTPStatusCode == 0 {
			return providers.NewTransportError(c.cfg.Name, reqErr.Err)
		}
		return providers.NewStatusError(c.cfg.Name, reqErr.HTTPStatusCode, msg)
	}
	return providers.NewTransportError(c.cfg.Name, err)
}

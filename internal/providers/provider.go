package providers

import (
	"context"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps any role name onto the three generic roles. Unknown names become user.
func ParseRole(v string) Role {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "system", "developer":
		return RoleSystem
	case "assistant", "model", "ai", "bot":
		return RoleAssistant
	default:
		return RoleUser
	}
}

type Message struct {
	Role    Role
	Content string
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	// MaxTokens of 0 leaves the cap to the provider default.
	MaxTokens int
}

type ChatResponse struct {
	Text string
}

// StreamFunc receives the cumulative reply text after every event. done is true
// exactly once, on the last call, which carries the complete text.
type StreamFunc func(text string, done bool) error

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResponse, error)
}

// Accumulator turns vendor deltas into the cumulative text StreamFunc expects.
type Accumulator struct {
	fn      StreamFunc
	buf     strings.Builder
	started bool
}

func NewAccumulator(fn StreamFunc) *Accumulator {
	return &Accumulator{fn: fn}
}

func (a *Accumulator) Add(delta string) error {
	if delta == "" {
		return nil
	}
	a.started = true
	a.buf.WriteString(delta)
	if a.fn == nil {
		return nil
	}
	return a.fn(a.buf.String(), false)
}

// Started reports whether any text reached the callback.
func (a *Accumulator) Started() bool {
	return a.started
}

func (a *Accumulator) Text() string {
	return a.buf.String()
}

func (a *Accumulator) Finish() (ChatResponse, error) {
	text := a.buf.String()
	if a.fn != nil {
		if err := a.fn(text, true); err != nil {
			return ChatResponse{}, err
		}
	}
	return ChatResponse{Text: text}, nil
}

// ClampTemperature keeps t within [0, max]. A non-positive max disables the upper bound.
func ClampTemperature(t, max float64) float64 {
	if t < 0 {
		return 0
	}
	if max > 0 && t > max {
		return max
	}
	return t
}

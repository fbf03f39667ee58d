package httpapi

import (
	"time"

	"polychat/internal/conversation"
	"polychat/internal/storage"
)

// modelView never carries the API key, only whether one is stored.
type modelView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Provider    string            `json:"provider"`
	BaseURL     string            `json:"base_url,omitempty"`
	Model       string            `json:"model"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
	Enabled     bool              `json:"enabled"`
	HasAPIKey   bool              `json:"has_api_key"`
	Options     map[string]string `json:"options,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toModelView(m storage.ModelConfig) modelView {
	return modelView{
		ID:          m.ID,
		Name:        m.Name,
		Provider:    m.Provider,
		BaseURL:     m.BaseURL,
		Model:       m.Model,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Enabled:     m.Enabled,
		HasAPIKey:   m.HasAPIKey(),
		Options:     m.Options,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

type modelRequest struct {
	Name        string            `json:"name"`
	Provider    string            `json:"provider"`
	BaseURL     string            `json:"base_url"`
	Model       string            `json:"model"`
	APIKey      *string           `json:"api_key"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   *int              `json:"max_tokens"`
	Enabled     *bool             `json:"enabled"`
	Options     map[string]string `json:"options"`
}

func (r modelRequest) input() conversation.ModelInput {
	return conversation.ModelInput{
		Name:        r.Name,
		Provider:    r.Provider,
		BaseURL:     r.BaseURL,
		Model:       r.Model,
		APIKey:      r.APIKey,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Enabled:     r.Enabled,
		Options:     r.Options,
	}
}

type presetView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Armoring  string    `json:"armoring"`
	System    string    `json:"system"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toPresetView(p storage.Preset) presetView {
	return presetView{ID: p.ID, Name: p.Name, Armoring: p.Armoring, System: p.System, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
}

type presetRequest struct {
	Name     string `json:"name"`
	Armoring string `json:"armoring"`
	System   string `json:"system"`
}

type conversationView struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	ModelConfigID string        `json:"model_config_id"`
	PresetID      *string       `json:"preset_id"`
	Active        bool          `json:"active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Messages      []messageView `json:"messages,omitempty"`
}

func toConversationView(c storage.Conversation, activeID string) conversationView {
	return conversationView{
		ID:            c.ID,
		Title:         c.Title,
		ModelConfigID: c.ModelConfigID,
		PresetID:      c.PresetID,
		Active:        c.ID == activeID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

type messageView struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	IsError   bool      `json:"is_error"`
	CreatedAt time.Time `json:"created_at"`
}

func toMessageView(m storage.Message) messageView {
	return messageView{ID: m.ID, Seq: m.Seq, Role: string(m.Role), Content: m.Content, IsError: m.IsError, CreatedAt: m.CreatedAt}
}

func toMessageViews(msgs []storage.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageView(m))
	}
	return out
}

type startRequest struct {
	ModelConfigID string `json:"model_config_id"`
	PresetID      string `json:"preset_id"`
	Title         string `json:"title"`
}

type patchRequest struct {
	Title         *string `json:"title"`
	ModelConfigID *string `json:"model_config_id"`
	Active        *bool   `json:"active"`
}

type sendRequest struct {
	Text string `json:"text"`
}

// streamEvent is the data of one SSE update: the cumulative text of the reply for step.
type streamEvent struct {
	Step string `json:"step"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

package storage

import "time"

type ModelConfig struct {
	ID          string
	OwnerID     int64
	Name        string
	Provider    string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Enabled     bool
	// EncAPIKey is the sealed envelope JSON; nil when the provider needs no key.
	EncAPIKey *string
	// Options holds adapter specific settings such as custom_http's body_template.
	Options   map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m ModelConfig) HasAPIKey() bool {
	return m.EncAPIKey != nil && *m.EncAPIKey != ""
}

type Preset struct {
	ID        string
	OwnerID   int64
	Name      string
	Armoring  string
	System    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Conversation struct {
	ID            string
	OwnerID       int64
	Title         string
	ModelConfigID string
	PresetID      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID             string
	ConversationID string
	Seq            int
	Role           Role
	Content        string
	IsError        bool
	CreatedAt      time.Time
}

type Session struct {
	OwnerID              int64
	ActiveConversationID *string
	DefaultModelConfigID *string
}

type AuditEntry struct {
	OwnerID  int64
	Action   string
	MetaJSON string
}

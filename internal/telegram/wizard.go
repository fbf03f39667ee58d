package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"polychat/internal/providers/catalog"
)

const (
	flowModel  = "model"
	flowPreset = "preset"

	stepProvider    = "provider"
	stepName        = "name"
	stepBaseURL     = "base_url"
	stepModel       = "model"
	stepTemperature = "temperature"
	stepMaxTokens   = "max_tokens"
	stepTemplate    = "template"
	stepAPIKey      = "api_key"
	stepArmoring    = "armoring"
	stepSystem      = "system"
)

// wizardState is kept in redis between messages. The API key is the last answer of the
// model flow and is never stored here.
type wizardState struct {
	Flow         string   `json:"flow"`
	Step         string   `json:"step"`
	Provider     string   `json:"provider,omitempty"`
	Name         string   `json:"name,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	BodyTemplate string   `json:"body_template,omitempty"`
	Armoring     string   `json:"armoring,omitempty"`
	System       string   `json:"system,omitempty"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("polychat:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state wizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*wizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state wizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}

func skip(text string) bool {
	return strings.TrimSpace(text) == "-"
}

func providerPrompt(cat *catalog.Catalog) string {
	lines := []string{"Send the provider:"}
	for _, e := range cat.List() {
		lines = append(lines, fmt.Sprintf("- %s (%s)", e.ID, e.Name))
	}
	return strings.Join(lines, "\n")
}

// advance applies one answer to the wizard. It returns the next prompt, or the same
// question again when the answer is invalid. finished is true when text answers the
// last step; the caller then saves the result.
func advance(st *wizardState, text string, cat *catalog.Catalog) (prompt string, finished bool) {
	text = strings.TrimSpace(text)
	switch st.Flow {
	case flowPreset:
		return advancePreset(st, text)
	default:
		return advanceModel(st, text, cat)
	}
}

func advanceModel(st *wizardState, text string, cat *catalog.Catalog) (string, bool) {
	entry, known := cat.Lookup(st.Provider)

	switch st.Step {
	case stepProvider:
		e, ok := cat.Lookup(text)
		if !ok {
			return "Unknown provider.\n" + providerPrompt(cat), false
		}
		st.Provider = e.ID
		st.Step = stepName
		return "Send a name for this model (used in /model_use).", false

	case stepName:
		if !modelNameRegex.MatchString(text) {
			return "Invalid name. Use letters, digits, '.', '_' or '-', up to 64 characters.", false
		}
		st.Name = text
		st.Step = stepBaseURL
		if known && entry.Adapter == catalog.AdapterCustomHTTP {
			return "Send the endpoint URL.", false
		}
		return fmt.Sprintf("Send the base URL, or '-' for %s", orNone(entry.BaseURL)), false

	case stepBaseURL:
		if !skip(text) {
			if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
				return "The URL must start with http:// or https://", false
			}
			st.BaseURL = text
		} else if known && entry.Adapter == catalog.AdapterCustomHTTP {
			return "custom_http needs an endpoint URL.", false
		}
		st.Step = stepModel
		msg := fmt.Sprintf("Send the model name, or '-' for %s", orNone(entry.DefaultModel))
		if len(entry.Models) > 0 {
			msg += "\nKnown models: " + strings.Join(entry.Models, ", ")
		}
		return msg, false

	case stepModel:
		if !skip(text) {
			st.Model = text
		}
		st.Step = stepTemperature
		max := entry.MaxTemperature
		if max <= 0 {
			max = 2
		}
		return fmt.Sprintf("Send the temperature (0 to %g), or '-' for the default.", max), false

	case stepTemperature:
		if !skip(text) {
			v, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
			if err != nil || v < 0 || (entry.MaxTemperature > 0 && v > entry.MaxTemperature) {
				return "Invalid temperature. Send a number in range, or '-'.", false
			}
			st.Temperature = &v
		}
		st.Step = stepMaxTokens
		return "Send the max tokens per reply, or '-' for the provider default.", false

	case stepMaxTokens:
		if !skip(text) {
			v, err := strconv.Atoi(text)
			if err != nil || v < 0 {
				return "Invalid number. Send a positive integer, or '-'.", false
			}
			st.MaxTokens = &v
		}
		if known && entry.Adapter == catalog.AdapterCustomHTTP {
			st.Step = stepTemplate
			return "Send the request body template (Go template with .Model, .SystemPrompt, .UserPrompt, .MaxTokens, .Temperature), or '-' for the default JSON body.", false
		}
		st.Step = stepAPIKey
		return apiKeyPrompt(entry), false

	case stepTemplate:
		if !skip(text) {
			st.BodyTemplate = text
		}
		st.Step = stepAPIKey
		return apiKeyPrompt(entry), false

	case stepAPIKey:
		if skip(text) && entry.RequiresKey {
			return entry.Name + " requires an API key.", false
		}
		return "", true
	}
	return "", false
}

func advancePreset(st *wizardState, text string) (string, bool) {
	switch st.Step {
	case stepName:
		if !modelNameRegex.MatchString(text) {
			return "Invalid name. Use letters, digits, '.', '_' or '-', up to 64 characters.", false
		}
		st.Name = text
		st.Step = stepArmoring
		return "Send the armoring text (sent first in every new conversation), or '-' for none.", false
	case stepArmoring:
		if !skip(text) {
			st.Armoring = text
		}
		st.Step = stepSystem
		return "Send the system text (sent after the armoring text), or '-' for none.", false
	case stepSystem:
		if !skip(text) {
			st.System = text
		}
		return "", true
	}
	return "", false
}

func apiKeyPrompt(entry catalog.Entry) string {
	if entry.RequiresKey {
		return "Send the API key. The message is deleted right after it is read."
	}
	return "Send the API key, or '-' for none. The message is deleted right after it is read."
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"polychat/internal/providers/catalog"
	"polychat/internal/storage"
)

// ModelInput describes a model config to create or update. Nil pointers and empty
// strings leave the current value (or the catalog default) in place.
type ModelInput struct {
	Name        string
	Provider    string
	BaseURL     string
	Model       string
	APIKey      *string
	Temperature *float64
	MaxTokens   *int
	Enabled     *bool
	Options     map[string]string
}

func (s *Service) CreateModel(ctx context.Context, owner int64, in ModelInput) (storage.ModelConfig, error) {
	entry, ok := s.catalog.Lookup(in.Provider)
	if !ok {
		return storage.ModelConfig{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, in.Provider)
	}
	m := storage.ModelConfig{
		ID:          storage.NewID(),
		OwnerID:     owner,
		Name:        strings.TrimSpace(in.Name),
		Provider:    entry.ID,
		BaseURL:     strings.TrimRight(strings.TrimSpace(in.BaseURL), "/"),
		Model:       strings.TrimSpace(in.Model),
		Temperature: s.defTemp,
		Enabled:     true,
		Options:     in.Options,
	}
	if m.Model == "" {
		m.Model = entry.DefaultModel
	}
	if entry.MaxTemperature > 0 && m.Temperature > entry.MaxTemperature {
		m.Temperature = entry.MaxTemperature
	}
	if in.Temperature != nil {
		m.Temperature = *in.Temperature
	}
	if in.MaxTokens != nil {
		m.MaxTokens = *in.MaxTokens
	}
	if in.Enabled != nil {
		m.Enabled = *in.Enabled
	}

	key := ""
	if in.APIKey != nil {
		key = strings.TrimSpace(*in.APIKey)
	}
	if entry.RequiresKey && key == "" {
		return storage.ModelConfig{}, fmt.Errorf("%w: %s requires an API key", ErrInvalidInput, entry.Name)
	}
	if err := validateModel(m, entry); err != nil {
		return storage.ModelConfig{}, err
	}
	if key != "" {
		sealed, err := s.secrets.Seal(key, m.ID)
		if err != nil {
			return storage.ModelConfig{}, fmt.Errorf("seal api key: %w", err)
		}
		m.EncAPIKey = &sealed
	}

	m, err := s.store.CreateModelConfig(ctx, m)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("create model config: %w", err)
	}

	sess, err := s.store.GetSession(ctx, owner)
	if err == nil && sess.DefaultModelConfigID == nil {
		if err := s.store.SetDefaultModel(ctx, owner, &m.ID); err != nil {
			s.log.Warn().Err(err).Int64("owner_id", owner).Msg("set first model as default failed")
		}
	}
	s.audit(ctx, owner, "model_add", fmt.Sprintf(`{"id":%q,"provider":%q}`, m.ID, m.Provider))
	return m, nil
}

func (s *Service) UpdateModel(ctx context.Context, owner int64, id string, in ModelInput) (storage.ModelConfig, error) {
	m, err := s.store.GetModelConfig(ctx, owner, id)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("get model config: %w", err)
	}
	if strings.TrimSpace(in.Provider) != "" {
		m.Provider = in.Provider
	}
	entry, ok := s.catalog.Lookup(m.Provider)
	if !ok {
		return storage.ModelConfig{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, m.Provider)
	}
	m.Provider = entry.ID
	if v := strings.TrimSpace(in.Name); v != "" {
		m.Name = v
	}
	if v := strings.TrimSpace(in.BaseURL); v != "" {
		m.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(in.Model); v != "" {
		m.Model = v
	}
	if in.Temperature != nil {
		m.Temperature = *in.Temperature
	}
	if in.MaxTokens != nil {
		m.MaxTokens = *in.MaxTokens
	}
	if in.Enabled != nil {
		m.Enabled = *in.Enabled
	}
	if in.Options != nil {
		m.Options = in.Options
	}
	if err := validateModel(m, entry); err != nil {
		return storage.ModelConfig{}, err
	}

	m.EncAPIKey = nil
	if in.APIKey != nil {
		key := strings.TrimSpace(*in.APIKey)
		if key == "" {
			if entry.RequiresKey {
				return storage.ModelConfig{}, fmt.Errorf("%w: %s requires an API key", ErrInvalidInput, entry.Name)
			}
			if err := s.store.SetModelConfigKey(ctx, owner, id, nil); err != nil {
				return storage.ModelConfig{}, fmt.Errorf("clear api key: %w", err)
			}
		} else {
			sealed, err := s.secrets.Seal(key, m.ID)
			if err != nil {
				return storage.ModelConfig{}, fmt.Errorf("seal api key: %w", err)
			}
			m.EncAPIKey = &sealed
		}
	}

	out, err := s.store.UpdateModelConfig(ctx, m)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("update model config: %w", err)
	}
	s.audit(ctx, owner, "model_update", fmt.Sprintf(`{"id":%q}`, id))
	return out, nil
}

func validateModel(m storage.ModelConfig, entry catalog.Entry) error {
	switch {
	case m.Name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidInput)
	case m.Model == "" && entry.Adapter != catalog.AdapterCustomHTTP:
		return fmt.Errorf("%w: model is empty", ErrInvalidInput)
	case entry.Adapter == catalog.AdapterCustomHTTP && m.BaseURL == "":
		return fmt.Errorf("%w: custom_http requires a base url", ErrInvalidInput)
	case m.Temperature < 0:
		return fmt.Errorf("%w: temperature must not be negative", ErrInvalidInput)
	case entry.MaxTemperature > 0 && m.Temperature > entry.MaxTemperature:
		return fmt.Errorf("%w: temperature must be at most %g for %s", ErrInvalidInput, entry.MaxTemperature, entry.Name)
	case m.MaxTokens < 0:
		return fmt.Errorf("%w: max tokens must not be negative", ErrInvalidInput)
	}
	if m.BaseURL != "" && !strings.HasPrefix(m.BaseURL, "http://") && !strings.HasPrefix(m.BaseURL, "https://") {
		return fmt.Errorf("%w: base url must start with http:// or https://", ErrInvalidInput)
	}
	return nil
}

// ToggleModel flips the enabled flag and returns the new state.
func (s *Service) ToggleModel(ctx context.Context, owner int64, id string) (bool, error) {
	m, err := s.store.GetModelConfig(ctx, owner, id)
	if err != nil {
		return false, fmt.Errorf("get model config: %w", err)
	}
	if err := s.store.SetModelConfigEnabled(ctx, owner, id, !m.Enabled); err != nil {
		return false, fmt.Errorf("toggle model config: %w", err)
	}
	return !m.Enabled, nil
}

func (s *Service) DeleteModel(ctx context.Context, owner int64, id string) error {
	if err := s.store.DeleteModelConfig(ctx, owner, id); err != nil {
		return fmt.Errorf("delete model config: %w", err)
	}
	s.audit(ctx, owner, "model_delete", fmt.Sprintf(`{"id":%q}`, id))
	return nil
}

func (s *Service) GetModel(ctx context.Context, owner int64, id string) (storage.ModelConfig, error) {
	m, err := s.store.GetModelConfig(ctx, owner, id)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("get model config: %w", err)
	}
	return m, nil
}

func (s *Service) ModelByName(ctx context.Context, owner int64, name string) (storage.ModelConfig, error) {
	m, err := s.store.GetModelConfigByName(ctx, owner, name)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("get model config %q: %w", name, err)
	}
	return m, nil
}

func (s *Service) ListModels(ctx context.Context, owner int64) ([]storage.ModelConfig, error) {
	out, err := s.store.ListModelConfigs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	return out, nil
}

// UseModel makes id the default for conversations started without an explicit model.
func (s *Service) UseModel(ctx context.Context, owner int64, id string) error {
	m, err := s.store.GetModelConfig(ctx, owner, id)
	if err != nil {
		return fmt.Errorf("get model config: %w", err)
	}
	if !m.Enabled {
		return ErrModelDisabled
	}
	if err := s.store.SetDefaultModel(ctx, owner, &m.ID); err != nil {
		return fmt.Errorf("set default model: %w", err)
	}
	return nil
}

// DefaultModel returns the owner's default model, falling back to the first enabled one.
func (s *Service) DefaultModel(ctx context.Context, owner int64) (storage.ModelConfig, error) {
	sess, err := s.store.GetSession(ctx, owner)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("get session: %w", err)
	}
	if sess.DefaultModelConfigID != nil {
		m, err := s.store.GetModelConfig(ctx, owner, *sess.DefaultModelConfigID)
		if err == nil && m.Enabled {
			return m, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.ModelConfig{}, fmt.Errorf("get default model: %w", err)
		}
	}
	all, err := s.store.ListModelConfigs(ctx, owner)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("list model configs: %w", err)
	}
	for _, m := range all {
		if m.Enabled {
			return m, nil
		}
	}
	return storage.ModelConfig{}, storage.ErrNotFound
}

type PresetInput struct {
	Name     string
	Armoring string
	System   string
}

func (s *Service) CreatePreset(ctx context.Context, owner int64, in PresetInput) (storage.Preset, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return storage.Preset{}, fmt.Errorf("%w: name is empty", ErrInvalidInput)
	}
	p, err := s.store.CreatePreset(ctx, storage.Preset{
		OwnerID:  owner,
		Name:     name,
		Armoring: strings.TrimSpace(in.Armoring),
		System:   strings.TrimSpace(in.System),
	})
	if err != nil {
		return storage.Preset{}, fmt.Errorf("create preset: %w", err)
	}
	s.audit(ctx, owner, "preset_add", fmt.Sprintf(`{"id":%q}`, p.ID))
	return p, nil
}

func (s *Service) UpdatePreset(ctx context.Context, owner int64, id string, in PresetInput) (storage.Preset, error) {
	p, err := s.store.GetPreset(ctx, owner, id)
	if err != nil {
		return storage.Preset{}, fmt.Errorf("get preset: %w", err)
	}
	if v := strings.TrimSpace(in.Name); v != "" {
		p.Name = v
	}
	p.Armoring = strings.TrimSpace(in.Armoring)
	p.System = strings.TrimSpace(in.System)
	out, err := s.store.UpdatePreset(ctx, p)
	if err != nil {
		return storage.Preset{}, fmt.Errorf("update preset: %w", err)
	}
	return out, nil
}

func (s *Service) DeletePreset(ctx context.Context, owner int64, id string) error {
	if err := s.store.DeletePreset(ctx, owner, id); err != nil {
		return fmt.Errorf("delete preset: %w", err)
	}
	s.audit(ctx, owner, "preset_delete", fmt.Sprintf(`{"id":%q}`, id))
	return nil
}

func (s *Service) GetPreset(ctx context.Context, owner int64, id string) (storage.Preset, error) {
	p, err := s.store.GetPreset(ctx, owner, id)
	if err != nil {
		return storage.Preset{}, fmt.Errorf("get preset: %w", err)
	}
	return p, nil
}

func (s *Service) PresetByName(ctx context.Context, owner int64, name string) (storage.Preset, error) {
	p, err := s.store.GetPresetByName(ctx, owner, name)
	if err != nil {
		return storage.Preset{}, fmt.Errorf("get preset %q: %w", name, err)
	}
	return p, nil
}

func (s *Service) ListPresets(ctx context.Context, owner int64) ([]storage.Preset, error) {
	out, err := s.store.ListPresets(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	return out, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var modelConfigColumns = []string{
	"id", "owner_id", "name", "provider", "base_url", "model", "temperature", "max_tokens",
	"enabled", "enc_api_key", "options_json", "created_at", "updated_at",
}

// NewID returns a fresh record id. Callers that must seal data to an id before
// inserting (API keys) allocate it up front.
func NewID() string {
	return uuid.NewString()
}

func (s *Store) CreateModelConfig(ctx context.Context, m ModelConfig) (ModelConfig, error) {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.Name = strings.TrimSpace(m.Name)
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now

	opts, err := encodeOptions(m.Options)
	if err != nil {
		return ModelConfig{}, err
	}
	q := s.sql.Insert("model_configs").
		Columns(modelConfigColumns...).
		Values(m.ID, m.OwnerID, m.Name, m.Provider, m.BaseURL, m.Model, m.Temperature, m.MaxTokens,
			m.Enabled, m.EncAPIKey, opts, m.CreatedAt, m.UpdatedAt)
	if _, err := s.exec(ctx, s.db, q, "insert model config"); err != nil {
		return ModelConfig{}, err
	}
	return m, nil
}

// UpdateModelConfig rewrites every mutable field. A nil EncAPIKey keeps the stored key.
func (s *Store) UpdateModelConfig(ctx context.Context, m ModelConfig) (ModelConfig, error) {
	opts, err := encodeOptions(m.Options)
	if err != nil {
		return ModelConfig{}, err
	}
	m.UpdatedAt = s.now()
	q := s.sql.Update("model_configs").
		Set("name", strings.TrimSpace(m.Name)).
		Set("provider", m.Provider).
		Set("base_url", m.BaseURL).
		Set("model", m.Model).
		Set("temperature", m.Temperature).
		Set("max_tokens", m.MaxTokens).
		Set("enabled", m.Enabled).
		Set("options_json", opts).
		Set("updated_at", m.UpdatedAt).
		Where(sq.Eq{"id": m.ID, "owner_id": m.OwnerID})
	if m.EncAPIKey != nil {
		q = q.Set("enc_api_key", *m.EncAPIKey)
	}
	n, err := s.exec(ctx, s.db, q, "update model config")
	if err != nil {
		return ModelConfig{}, err
	}
	if n == 0 {
		return ModelConfig{}, ErrNotFound
	}
	return s.GetModelConfig(ctx, m.OwnerID, m.ID)
}

// SetModelConfigKey replaces the sealed API key without touching other fields. Used by key rotation.
func (s *Store) SetModelConfigKey(ctx context.Context, ownerID int64, id string, encAPIKey *string) error {
	q := s.sql.Update("model_configs").
		Set("enc_api_key", encAPIKey).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "owner_id": ownerID})
	n, err := s.exec(ctx, s.db, q, "set model config key")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetModelConfigEnabled(ctx context.Context, ownerID int64, id string, enabled bool) error {
	q := s.sql.Update("model_configs").
		Set("enabled", enabled).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "owner_id": ownerID})
	n, err := s.exec(ctx, s.db, q, "set model config enabled")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetModelConfig(ctx context.Context, ownerID int64, id string) (ModelConfig, error) {
	return s.getModelConfig(ctx, sq.Eq{"owner_id": ownerID, "id": id})
}

func (s *Store) GetModelConfigByName(ctx context.Context, ownerID int64, name string) (ModelConfig, error) {
	return s.getModelConfig(ctx, sq.Eq{"owner_id": ownerID, "name": strings.TrimSpace(name)})
}

func (s *Store) getModelConfig(ctx context.Context, where sq.Sqlizer) (ModelConfig, error) {
	query, args, err := s.sql.Select(modelConfigColumns...).From("model_configs").Where(where).ToSql()
	if err != nil {
		return ModelConfig{}, fmt.Errorf("build get model config query: %w", err)
	}
	m, err := scanModelConfig(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelConfig{}, ErrNotFound
		}
		return ModelConfig{}, fmt.Errorf("get model config: %w", err)
	}
	return m, nil
}

func (s *Store) ListModelConfigs(ctx context.Context, ownerID int64) ([]ModelConfig, error) {
	return s.listModelConfigs(ctx, sq.Eq{"owner_id": ownerID})
}

// ListSealedModelConfigs returns every model config with a stored API key, across owners.
func (s *Store) ListSealedModelConfigs(ctx context.Context) ([]ModelConfig, error) {
	return s.listModelConfigs(ctx, sq.NotEq{"enc_api_key": nil})
}

func (s *Store) listModelConfigs(ctx context.Context, where sq.Sqlizer) ([]ModelConfig, error) {
	query, args, err := s.sql.Select(modelConfigColumns...).
		From("model_configs").
		Where(where).
		OrderBy("created_at ASC", "name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list model configs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	out := make([]ModelConfig, 0)
	for rows.Next() {
		m, err := scanModelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model config row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model config rows: %w", err)
	}
	return out, nil
}

// DeleteModelConfig refuses with ErrInUse while conversations still point at the config.
func (s *Store) DeleteModelConfig(ctx context.Context, ownerID int64, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sql.Select("COUNT(*)").From("conversations").Where(sq.Eq{"model_config_id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build model config usage query: %w", err)
		}
		var refs int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&refs); err != nil {
			return fmt.Errorf("count model config usage: %w", err)
		}
		if refs > 0 {
			return ErrInUse
		}

		n, err := s.exec(ctx, tx, s.sql.Delete("model_configs").Where(sq.Eq{"id": id, "owner_id": ownerID}), "delete model config")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = s.exec(ctx, tx, s.sql.Update("sessions").
			Set("default_model_config_id", nil).
			Where(sq.Eq{"owner_id": ownerID, "default_model_config_id": id}), "clear default model")
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModelConfig(row rowScanner) (ModelConfig, error) {
	var m ModelConfig
	var encAPIKey sql.NullString
	var opts string
	if err := row.Scan(
		&m.ID,
		&m.OwnerID,
		&m.Name,
		&m.Provider,
		&m.BaseURL,
		&m.Model,
		&m.Temperature,
		&m.MaxTokens,
		&m.Enabled,
		&encAPIKey,
		&opts,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return ModelConfig{}, err
	}
	if encAPIKey.Valid && encAPIKey.String != "" {
		m.EncAPIKey = &encAPIKey.String
	}
	if opts != "" && opts != "{}" {
		if err := json.Unmarshal([]byte(opts), &m.Options); err != nil {
			return ModelConfig{}, fmt.Errorf("decode options: %w", err)
		}
	}
	return m, nil
}

func encodeOptions(opts map[string]string) (string, error) {
	if len(opts) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return string(b), nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var presetColumns = []string{"id", "owner_id", "name", "armoring", "system", "created_at", "updated_at"}

func (s *Store) CreatePreset(ctx context.Context, p Preset) (Preset, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	p.Name = strings.TrimSpace(p.Name)
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	q := s.sql.Insert("presets").
		Columns(presetColumns...).
		Values(p.ID, p.OwnerID, p.Name, p.Armoring, p.System, p.CreatedAt, p.UpdatedAt)
	if _, err := s.exec(ctx, s.db, q, "insert preset"); err != nil {
		return Preset{}, err
	}
	return p, nil
}

func (s *Store) UpdatePreset(ctx context.Context, p Preset) (Preset, error) {
	q := s.sql.Update("presets").
		Set("name", strings.TrimSpace(p.Name)).
		Set("armoring", p.Armoring).
		Set("system", p.System).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": p.ID, "owner_id": p.OwnerID})
	n, err := s.exec(ctx, s.db, q, "update preset")
	if err != nil {
		return Preset{}, err
	}
	if n == 0 {
		return Preset{}, ErrNotFound
	}
	return s.GetPreset(ctx, p.OwnerID, p.ID)
}

func (s *Store) GetPreset(ctx context.Context, ownerID int64, id string) (Preset, error) {
	return s.getPreset(ctx, sq.Eq{"owner_id": ownerID, "id": id})
}

func (s *Store) GetPresetByName(ctx context.Context, ownerID int64, name string) (Preset, error) {
	return s.getPreset(ctx, sq.Eq{"owner_id": ownerID, "name": strings.TrimSpace(name)})
}

func (s *Store) getPreset(ctx context.Context, where sq.Sqlizer) (Preset, error) {
	query, args, err := s.sql.Select(presetColumns...).From("presets").Where(where).ToSql()
	if err != nil {
		return Preset{}, fmt.Errorf("build get preset query: %w", err)
	}
	var p Preset
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.Armoring, &p.System, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Preset{}, ErrNotFound
		}
		return Preset{}, fmt.Errorf("get preset: %w", err)
	}
	return p, nil
}

func (s *Store) ListPresets(ctx context.Context, ownerID int64) ([]Preset, error) {
	query, args, err := s.sql.Select(presetColumns...).
		From("presets").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at ASC", "name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list presets query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	defer rows.Close()

	out := make([]Preset, 0)
	for rows.Next() {
		var p Preset
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Armoring, &p.System, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preset row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preset rows: %w", err)
	}
	return out, nil
}

// DeletePreset detaches the preset from its conversations; their messages stay.
func (s *Store) DeletePreset(ctx context.Context, ownerID int64, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, s.sql.Update("conversations").
			Set("preset_id", nil).
			Where(sq.Eq{"owner_id": ownerID, "preset_id": id}), "detach preset"); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, s.sql.Delete("presets").Where(sq.Eq{"id": id, "owner_id": ownerID}), "delete preset")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

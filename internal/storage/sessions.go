package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// GetSession returns the owner's session. A missing row yields an empty session, not ErrNotFound.
func (s *Store) GetSession(ctx context.Context, ownerID int64) (Session, error) {
	query, args, err := s.sql.Select("active_conversation_id", "default_model_config_id").
		From("sessions").
		Where(sq.Eq{"owner_id": ownerID}).
		ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}
	out := Session{OwnerID: ownerID}
	var active, model sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&active, &model); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if active.Valid && active.String != "" {
		out.ActiveConversationID = &active.String
	}
	if model.Valid && model.String != "" {
		out.DefaultModelConfigID = &model.String
	}
	return out, nil
}

// SetActiveConversation stores id as the owner's active conversation. nil clears it.
func (s *Store) SetActiveConversation(ctx context.Context, ownerID int64, id *string) error {
	return s.upsertSession(ctx, ownerID, "active_conversation_id", id)
}

func (s *Store) SetDefaultModel(ctx context.Context, ownerID int64, modelConfigID *string) error {
	return s.upsertSession(ctx, ownerID, "default_model_config_id", modelConfigID)
}

func (s *Store) upsertSession(ctx context.Context, ownerID int64, column string, value *string) error {
	q := s.sql.Insert("sessions").
		Columns("owner_id", column, "updated_at").
		Values(ownerID, value, s.now()).
		Suffix(fmt.Sprintf("ON CONFLICT(owner_id) DO UPDATE SET %s=excluded.%s, updated_at=excluded.updated_at", column, column))
	_, err := s.exec(ctx, s.db, q, "upsert session")
	return err
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	q := s.sql.Insert("audit_log").
		Columns("owner_id", "action", "meta_json", "created_at").
		Values(e.OwnerID, e.Action, e.MetaJSON, s.now())
	_, err := s.exec(ctx, s.db, q, "insert audit entry")
	return err
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var conversationColumns = []string{"id", "owner_id", "title", "model_config_id", "preset_id", "created_at", "updated_at"}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	q := s.sql.Insert("conversations").
		Columns(conversationColumns...).
		Values(c.ID, c.OwnerID, c.Title, c.ModelConfigID, c.PresetID, c.CreatedAt, c.UpdatedAt)
	if _, err := s.exec(ctx, s.db, q, "insert conversation"); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, ownerID int64, id string) (Conversation, error) {
	query, args, err := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"owner_id": ownerID, "id": id}).
		ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the most recently updated conversations first. limit <= 0 means no limit.
func (s *Store) ListConversations(ctx context.Context, ownerID int64, limit int) ([]Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("updated_at DESC", "created_at DESC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) RenameConversation(ctx context.Context, ownerID int64, id, title string) error {
	return s.updateConversation(ctx, ownerID, id, "rename conversation", map[string]any{"title": title})
}

func (s *Store) SetConversationModel(ctx context.Context, ownerID int64, id, modelConfigID string) error {
	return s.updateConversation(ctx, ownerID, id, "set conversation model", map[string]any{"model_config_id": modelConfigID})
}

func (s *Store) updateConversation(ctx context.Context, ownerID int64, id, what string, fields map[string]any) error {
	q := s.sql.Update("conversations").
		SetMap(fields).
		Set("updated_at", s.now()).
		Where(sq.Eq{"owner_id": ownerID, "id": id})
	n, err := s.exec(ctx, s.db, q, what)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation with its messages and clears it as the active one.
func (s *Store) DeleteConversation(ctx context.Context, ownerID int64, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.deleteConversations(ctx, tx, ownerID, []string{id}, true)
	})
}

// DeleteConversationsBefore removes every conversation, of any owner, untouched since cutoff.
func (s *Store) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sql.Select("id", "owner_id").
			From("conversations").
			Where(sq.Lt{"updated_at": cutoff.UTC()}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build stale conversations query: %w", err)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list stale conversations: %w", err)
		}
		byOwner := map[int64][]string{}
		for rows.Next() {
			var id string
			var owner int64
			if err := rows.Scan(&id, &owner); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale conversation: %w", err)
			}
			byOwner[owner] = append(byOwner[owner], id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close stale conversations: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale conversations: %w", err)
		}

		for owner, ids := range byOwner {
			if err := s.deleteConversations(ctx, tx, owner, ids, false); err != nil {
				return err
			}
			deleted += len(ids)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) deleteConversations(ctx context.Context, tx *sql.Tx, ownerID int64, ids []string, mustExist bool) error {
	n, err := s.exec(ctx, tx, s.sql.Delete("conversations").Where(sq.Eq{"owner_id": ownerID, "id": ids}), "delete conversation")
	if err != nil {
		return err
	}
	if n == 0 {
		if mustExist {
			return ErrNotFound
		}
		return nil
	}
	if _, err := s.exec(ctx, tx, s.sql.Delete("messages").Where(sq.Eq{"conversation_id": ids}), "delete messages"); err != nil {
		return err
	}
	_, err = s.exec(ctx, tx, s.sql.Update("sessions").
		Set("active_conversation_id", nil).
		Where(sq.Eq{"owner_id": ownerID, "active_conversation_id": ids}), "clear active conversation")
	return err
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var presetID sql.NullString
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.ModelConfigID, &presetID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	if presetID.Valid && presetID.String != "" {
		c.PresetID = &presetID.String
	}
	return c, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var messageColumns = []string{"id", "conversation_id", "seq", "role", "content", "is_error", "created_at"}

// AppendMessage adds a message at the end of the conversation and bumps its updated_at.
// Sequence numbers start at 1 and have no gaps.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string, isError bool) (Message, error) {
	m := Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		IsError:        isError,
		CreatedAt:      s.now(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touchConversation(ctx, tx, conversationID); err != nil {
			return err
		}

		query, args, err := s.sql.Select("COALESCE(MAX(seq), 0)").
			From("messages").
			Where(sq.Eq{"conversation_id": conversationID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build next seq query: %w", err)
		}
		var last int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
			return fmt.Errorf("read last seq: %w", err)
		}
		m.Seq = last + 1

		_, err = s.exec(ctx, tx, s.sql.Insert("messages").
			Columns(messageColumns...).
			Values(m.ID, m.ConversationID, m.Seq, string(m.Role), m.Content, m.IsError, m.CreatedAt), "insert message")
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// UpdateMessageContent rewrites the final message of a conversation. Any earlier message
// is immutable and yields ErrNotLastMessage.
func (s *Store) UpdateMessageContent(ctx context.Context, conversationID, messageID, content string, isError bool) (Message, error) {
	var out Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sql.Select(messageColumns...).
			From("messages").
			Where(sq.Eq{"conversation_id": conversationID}).
			OrderBy("seq DESC").
			Limit(1).
			ToSql()
		if err != nil {
			return fmt.Errorf("build last message query: %w", err)
		}
		last, err := scanMessage(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("get last message: %w", err)
		}
		if last.ID != messageID {
			return ErrNotLastMessage
		}

		if _, err := s.exec(ctx, tx, s.sql.Update("messages").
			Set("content", content).
			Set("is_error", isError).
			Where(sq.Eq{"id": messageID}), "update message"); err != nil {
			return err
		}
		if err := s.touchConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		last.Content, last.IsError = content, isError
		out = last
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query, args, err := s.sql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) touchConversation(ctx context.Context, q queryer, conversationID string) error {
	n, err := s.exec(ctx, q, s.sql.Update("conversations").
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": conversationID}), "touch conversation")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var role string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &m.IsError, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	return m, nil
}

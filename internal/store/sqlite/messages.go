package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// SQLiteMessageStore implements store.MessageStore.
type SQLiteMessageStore struct {
	db *sqlx.DB
}

func NewSQLiteMessageStore(db *sqlx.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{db: db}
}

const messageSelectCols = `id, whatsapp_id, from_number, group_id, body, is_from_me, conversation_id, user_id, timestamp`

func (s *SQLiteMessageStore) SaveMessage(ctx context.Context, msg *store.Message) (int64, error) {
	if msg.WhatsAppID == "" {
		return 0, fmt.Errorf("save message: empty whatsapp id")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}

	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO whatsapp_messages
			(whatsapp_id, from_number, group_id, body, is_from_me, conversation_id, user_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(whatsapp_id) DO NOTHING
		 RETURNING id`,
		msg.WhatsAppID, msg.FromNumber, msg.GroupID, msg.Body, msg.IsFromMe,
		msg.ConversationID, msg.UserID, ts.UTC(),
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("save message %s: %w", msg.WhatsAppID, err)
	}

	// Conflict: the key already exists, return the original row.
	err = s.db.GetContext(ctx, &id, `SELECT id FROM whatsapp_messages WHERE whatsapp_id = ?`, msg.WhatsAppID)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Error("store.dedup_invariant", "whatsapp_id", msg.WhatsAppID)
		return 0, fmt.Errorf("%w: whatsapp_id=%s", store.ErrDedupInvariant, msg.WhatsAppID)
	}
	if err != nil {
		return 0, fmt.Errorf("re-read message %s: %w", msg.WhatsAppID, err)
	}
	slog.Debug("store.duplicate_message", "whatsapp_id", msg.WhatsAppID, "id", id)
	return id, nil
}

func (s *SQLiteMessageStore) GetChatHistory(ctx context.Context, fromNumber string) ([]store.Message, error) {
	var msgs []store.Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT `+messageSelectCols+` FROM whatsapp_messages
		 WHERE from_number = ?
		 ORDER BY timestamp ASC, id ASC`, fromNumber)
	if err != nil {
		return nil, fmt.Errorf("chat history for %s: %w", fromNumber, err)
	}
	return msgs, nil
}

func (s *SQLiteMessageStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	var m store.Message
	err := s.db.GetContext(ctx, &m, `SELECT `+messageSelectCols+` FROM whatsapp_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return &m, nil
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const messageSelectCols = `id, whatsapp_id, from_number, group_id, body, is_from_me, conversation_id, user_id, timestamp`

// saveMessageSQL inserts unless the key exists and yields the id of the row
// holding the key in either case.
const saveMessageSQL = `
WITH inserted AS (
	INSERT INTO whatsapp_messages
		(whatsapp_id, from_number, group_id, body, is_from_me, conversation_id, user_id, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
	ON CONFLICT (whatsapp_id) DO NOTHING
	RETURNING id
)
SELECT id FROM inserted
UNION ALL
SELECT id FROM whatsapp_messages WHERE whatsapp_id = $1
LIMIT 1`

func (s *PGMessageStore) SaveMessage(ctx context.Context, msg *store.Message) (int64, error) {
	if msg.WhatsAppID == "" {
		return 0, fmt.Errorf("save message: empty whatsapp id")
	}
	var ts any
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp
	}

	var id int64
	err := s.db.QueryRowContext(ctx, saveMessageSQL,
		msg.WhatsAppID, msg.FromNumber, msg.GroupID, msg.Body, msg.IsFromMe,
		msg.ConversationID, msg.UserID, ts,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("save message %s: %w", msg.WhatsAppID, err)
	}

	// A concurrent insert committed after this statement's snapshot was
	// taken. A fresh statement sees it.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM whatsapp_messages WHERE whatsapp_id = $1`, msg.WhatsAppID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Error("store.dedup_invariant", "whatsapp_id", msg.WhatsAppID)
		return 0, fmt.Errorf("%w: whatsapp_id=%s", store.ErrDedupInvariant, msg.WhatsAppID)
	}
	if err != nil {
		return 0, fmt.Errorf("re-read message %s: %w", msg.WhatsAppID, err)
	}
	return id, nil
}

func (s *PGMessageStore) GetChatHistory(ctx context.Context, fromNumber string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageSelectCols+` FROM whatsapp_messages
		 WHERE from_number = $1
		 ORDER BY timestamp ASC, id ASC`, fromNumber)
	if err != nil {
		return nil, fmt.Errorf("chat history for %s: %w", fromNumber, err)
	}
	defer rows.Close()

	var result []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *PGMessageStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageSelectCols+` FROM whatsapp_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	err := row.Scan(&m.ID, &m.WhatsAppID, &m.FromNumber, &m.GroupID, &m.Body,
		&m.IsFromMe, &m.ConversationID, &m.UserID, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

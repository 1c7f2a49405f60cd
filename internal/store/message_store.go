package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDedupInvariant means a conditional insert neither inserted a row nor
	// found the existing one. It indicates a broken uniqueness constraint.
	ErrDedupInvariant = errors.New("store: conditional insert returned no row")
)

// Message is one inbound or outbound WhatsApp message.
// WhatsAppID is the platform message id and the dedup key: at most one row
// exists per WhatsAppID.
type Message struct {
	ID             int64     `json:"id"              db:"id"`
	WhatsAppID     string    `json:"whatsapp_id"     db:"whatsapp_id"`
	FromNumber     string    `json:"from_number"     db:"from_number"`
	GroupID        *string   `json:"group_id"        db:"group_id"`
	Body           string    `json:"body"            db:"body"`
	IsFromMe       bool      `json:"is_from_me"      db:"is_from_me"`
	ConversationID *int64    `json:"conversation_id" db:"conversation_id"`
	UserID         *int64    `json:"user_id"         db:"user_id"`
	Timestamp      time.Time `json:"timestamp"       db:"timestamp"`
}

// MessageStore persists messages idempotently and serves chat history.
type MessageStore interface {
	// SaveMessage inserts msg unless a row with the same WhatsAppID exists,
	// and returns the id of the row that holds the key. Concurrent callers
	// racing on one key all receive the same id; the original body is never
	// overwritten.
	SaveMessage(ctx context.Context, msg *Message) (int64, error)

	// GetChatHistory returns every message for fromNumber, oldest first.
	GetChatHistory(ctx context.Context, fromNumber string) ([]Message, error)

	// GetMessage returns one message by id or ErrNotFound.
	GetMessage(ctx context.Context, id int64) (*Message, error)
}

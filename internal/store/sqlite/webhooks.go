package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// SQLiteWebhookStore implements store.WebhookStore.
type SQLiteWebhookStore struct {
	db *sqlx.DB
}

func NewSQLiteWebhookStore(db *sqlx.DB) *SQLiteWebhookStore {
	return &SQLiteWebhookStore{db: db}
}

const webhookSelectCols = `id, url, retries, secret, is_active, created_at`

func (s *SQLiteWebhookStore) GetActiveWebhook(ctx context.Context) (*store.WebhookConfig, error) {
	var w store.WebhookConfig
	err := s.db.GetContext(ctx, &w,
		`SELECT `+webhookSelectCols+` FROM webhook_settings WHERE is_active = 1 ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active webhook: %w", err)
	}
	return &w, nil
}

func (s *SQLiteWebhookStore) ListWebhooks(ctx context.Context) ([]store.WebhookConfig, error) {
	hooks := []store.WebhookConfig{}
	err := s.db.SelectContext(ctx, &hooks,
		`SELECT `+webhookSelectCols+` FROM webhook_settings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

func (s *SQLiteWebhookStore) CreateWebhook(ctx context.Context, cfg *store.WebhookConfig) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE webhook_settings SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate webhooks: %w", err)
	}

	now := nowUTC()
	var id int64
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO webhook_settings (url, retries, secret, is_active, created_at)
		 VALUES (?, ?, ?, 1, ?) RETURNING id`,
		cfg.URL, cfg.Retries, cfg.Secret, now,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit webhook: %w", err)
	}

	cfg.ID = id
	cfg.IsActive = true
	cfg.CreatedAt = now
	return nil
}

func (s *SQLiteWebhookStore) DeleteWebhook(ctx context.Context, id int64) (*store.WebhookConfig, error) {
	var w store.WebhookConfig
	err := s.db.QueryRowxContext(ctx,
		`DELETE FROM webhook_settings WHERE id = ? RETURNING `+webhookSelectCols, id).StructScan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete webhook %d: %w", id, err)
	}
	return &w, nil
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// PGWebhookStore implements store.WebhookStore backed by Postgres.
type PGWebhookStore struct {
	db *sql.DB
}

func NewPGWebhookStore(db *sql.DB) *PGWebhookStore {
	return &PGWebhookStore{db: db}
}

const webhookSelectCols = `id, url, retries, secret, is_active, created_at`

func (s *PGWebhookStore) GetActiveWebhook(ctx context.Context) (*store.WebhookConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookSelectCols+` FROM webhook_settings WHERE is_active = true ORDER BY id DESC LIMIT 1`)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active webhook: %w", err)
	}
	return w, nil
}

func (s *PGWebhookStore) ListWebhooks(ctx context.Context) ([]store.WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookSelectCols+` FROM webhook_settings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	result := []store.WebhookConfig{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (s *PGWebhookStore) CreateWebhook(ctx context.Context, cfg *store.WebhookConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Serializes concurrent registrations so the deactivate below sees every
	// committed active row; readers are not blocked.
	if _, err := tx.ExecContext(ctx,
		`LOCK TABLE webhook_settings IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("lock webhooks: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE webhook_settings SET is_active = false WHERE is_active = true`); err != nil {
		return fmt.Errorf("deactivate webhooks: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO webhook_settings (url, retries, secret, is_active)
		 VALUES ($1, $2, $3, true)
		 RETURNING id, is_active, created_at`,
		cfg.URL, cfg.Retries, cfg.Secret,
	).Scan(&cfg.ID, &cfg.IsActive, &cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return tx.Commit()
}

func (s *PGWebhookStore) DeleteWebhook(ctx context.Context, id int64) (*store.WebhookConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM webhook_settings WHERE id = $1 RETURNING `+webhookSelectCols, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete webhook %d: %w", id, err)
	}
	return w, nil
}

func scanWebhook(row rowScanner) (*store.WebhookConfig, error) {
	var w store.WebhookConfig
	if err := row.Scan(&w.ID, &w.URL, &w.Retries, &w.Secret, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

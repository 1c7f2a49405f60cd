package store

import (
	"context"
	"time"
)

// DefaultWebhookRetries is applied when a webhook is registered without retries.
const DefaultWebhookRetries = 3

// WebhookConfig is a downstream notification target.
// At most one row is active at a time.
type WebhookConfig struct {
	ID        int64     `json:"id"         db:"id"`
	URL       string    `json:"url"        db:"url"`
	Retries   int       `json:"retries"    db:"retries"`
	Secret    string    `json:"secret"     db:"secret"`
	IsActive  bool      `json:"is_active"  db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WebhookStore manages webhook configuration rows.
type WebhookStore interface {
	// GetActiveWebhook returns the active config, or nil with no error when
	// none is active.
	GetActiveWebhook(ctx context.Context) (*WebhookConfig, error)

	// ListWebhooks returns every config, newest first.
	ListWebhooks(ctx context.Context) ([]WebhookConfig, error)

	// CreateWebhook inserts cfg as the active config and deactivates the
	// others. cfg.ID, cfg.IsActive and cfg.CreatedAt are filled in.
	CreateWebhook(ctx context.Context, cfg *WebhookConfig) error

	// DeleteWebhook removes a config and returns it, or ErrNotFound.
	DeleteWebhook(ctx context.Context, id int64) (*WebhookConfig, error)
}

package store

import "io"

// Stores is the top-level container for all storage backends.
// Both the Postgres and the SQLite implementations satisfy every interface.
type Stores struct {
	Messages MessageStore
	Webhooks WebhookStore

	closer io.Closer
}

// NewStores bundles stores that share one underlying connection pool.
func NewStores(messages MessageStore, webhooks WebhookStore, closer io.Closer) *Stores {
	return &Stores{Messages: messages, Webhooks: webhooks, closer: closer}
}

// Close releases the underlying connection pool.
func (s *Stores) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

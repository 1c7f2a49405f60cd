package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// WebhooksHandler manages the downstream webhook configuration.
type WebhooksHandler struct {
	store store.WebhookStore
	token string
}

// NewWebhooksHandler creates a handler for webhook configuration endpoints.
func NewWebhooksHandler(s store.WebhookStore, token string) *WebhooksHandler {
	return &WebhooksHandler{store: s, token: token}
}

// RegisterRoutes registers all webhook routes on the given mux.
func (h *WebhooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhooks", requireToken(h.token, h.handleList))
	mux.HandleFunc("POST /webhooks", requireToken(h.token, h.handleCreate))
	mux.HandleFunc("DELETE /webhooks/{id}", requireToken(h.token, h.handleDelete))
}

func (h *WebhooksHandler) handleList(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.store.ListWebhooks(r.Context())
	if err != nil {
		slog.Error("webhooks.list", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch webhooks")
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (h *WebhooksHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL     string `json:"url"`
		Retries *int   `json:"retries"`
		Secret  string `json:"secret"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	body.URL = strings.TrimSpace(body.URL)
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "Webhook URL is required")
		return
	}

	// Zero or omitted retries fall back to the default; a stored config always attempts delivery.
	cfg := &store.WebhookConfig{URL: body.URL, Retries: store.DefaultWebhookRetries, Secret: body.Secret}
	if body.Retries != nil {
		if *body.Retries < 0 {
			writeError(w, http.StatusBadRequest, "retries must be >= 0")
			return
		}
		if *body.Retries > 0 {
			cfg.Retries = *body.Retries
		}
	}

	if err := h.store.CreateWebhook(r.Context(), cfg); err != nil {
		slog.Error("webhooks.create", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to register webhook")
		return
	}

	slog.Info("webhooks.created", "id", cfg.ID, "url", cfg.URL, "retries", cfg.Retries)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Webhook registered successfully",
		"webhook": cfg,
	})
}

func (h *WebhooksHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}

	deleted, err := h.store.DeleteWebhook(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	if err != nil {
		slog.Error("webhooks.delete", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete webhook")
		return
	}

	slog.Info("webhooks.deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Webhook deleted successfully",
		"deleted": deleted,
	})
}

// Package webhook notifies the downstream processing service that a message
// was stored. Deliveries are signed with HMAC-SHA256 and retried a bounded
// number of times.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/tracing"
)

// SignatureHeader carries "sha256=<hex>" over the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// Result describes one delivery.
type Result struct {
	Attempts   int
	Delivered  bool
	StatusCode int   // status of the last attempt that got a response
	Err        error // error of the last failed attempt
}

// Dispatcher posts {"id": N} to the active webhook configuration.
type Dispatcher struct {
	webhooks store.WebhookStore
	baseURL  string
	client   *http.Client
}

// NewDispatcher creates a dispatcher resolving relative webhook URLs against baseURL.
func NewDispatcher(webhooks store.WebhookStore, baseURL string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// Payload returns the exact bytes that are sent and signed for messageID.
func Payload(messageID int64) []byte {
	b, _ := json.Marshal(struct {
		ID int64 `json:"id"`
	}{ID: messageID})
	return b
}

// Sign returns the SignatureHeader value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of payload.
func Verify(secret string, payload []byte, header string) bool {
	if header == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(header))
}

// TargetURL joins a stored webhook url onto the base URL. Absolute URLs are used as-is.
func (d *Dispatcher) TargetURL(cfg *store.WebhookConfig) string {
	if strings.HasPrefix(cfg.URL, "http://") || strings.HasPrefix(cfg.URL, "https://") {
		return cfg.URL
	}
	return d.baseURL + "/" + strings.TrimLeft(cfg.URL, "/")
}

// Notify delivers messageID to the active webhook, if any. Failures are
// logged and never returned.
func (d *Dispatcher) Notify(ctx context.Context, messageID int64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("webhook.panic", "message_id", messageID, "panic", r)
		}
	}()

	cfg, err := d.webhooks.GetActiveWebhook(ctx)
	if err != nil {
		slog.Error("webhook.config_failed", "message_id", messageID, "error", err)
		return
	}
	if cfg == nil {
		slog.Info("webhook.no_active_config", "message_id", messageID)
		return
	}

	res := d.Deliver(ctx, cfg, messageID)
	if !res.Delivered {
		slog.Error("webhook.final_retry_failed",
			"message_id", messageID, "webhook_id", cfg.ID, "attempts", res.Attempts, "error", res.Err)
	}
}

// Deliver posts the signed payload for messageID to cfg, trying at most
// cfg.Retries times without delay. Retries <= 0 makes no attempt.
func (d *Dispatcher) Deliver(ctx context.Context, cfg *store.WebhookConfig, messageID int64) Result {
	ctx, span := tracing.Tracer("webhook").Start(ctx, "webhook.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("message.id", messageID),
		attribute.Int64("webhook.id", cfg.ID),
		attribute.Int("webhook.retries", cfg.Retries),
	)

	payload := Payload(messageID)
	signature := Sign(cfg.Secret, payload)
	target := d.TargetURL(cfg)
	requestID := uuid.NewString()

	var res Result
	for res.Attempts < cfg.Retries {
		res.Attempts++
		status, err := d.post(ctx, target, payload, signature, requestID)
		if status != 0 {
			res.StatusCode = status
		}
		if err == nil {
			res.Delivered = true
			res.Err = nil
			slog.Info("webhook.sent", "message_id", messageID, "url", target, "attempt", res.Attempts)
			break
		}
		res.Err = err
		slog.Warn("webhook.attempt_failed",
			"message_id", messageID, "url", target, "attempt", res.Attempts, "error", err)
	}

	span.SetAttributes(attribute.Int("webhook.attempts", res.Attempts))
	if !res.Delivered && res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (d *Dispatcher) post(ctx context.Context, target string, payload []byte, signature, requestID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set("X-Request-ID", requestID)
	tracing.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

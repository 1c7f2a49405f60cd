// Package cloudapi implements the channel for the Meta WhatsApp Business
// Cloud API. Inbound messages arrive on an HTTP webhook mounted by the
// admin server; outbound messages go to the Graph API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channels"
	"github.com/nextlevelbuilder/wabridge/internal/webhook"
)

const (
	defaultAPIBase     = "https://graph.facebook.com/v21.0"
	defaultWebhookPath = "/webhook/whatsapp"
	maxWebhookBody     = 1 << 20
)

// Config configures the Cloud API channel.
type Config struct {
	APIBase       string
	PhoneNumberID string
	AccessToken   string
	AppSecret     string // when set, inbound POSTs must carry a valid X-Hub-Signature-256
	VerifyToken   string
	WebhookPath   string
	Timeout       time.Duration
}

// Channel implements channels.Channel for the Cloud API.
type Channel struct {
	*channels.BaseChannel
	cfg     Config
	client  *http.Client
	limiter *channels.WebhookRateLimiter
}

// New creates a Cloud API channel.
func New(cfg Config) (*Channel, error) {
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("cloud api phone_number_id and access token are required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = defaultWebhookPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("cloudapi"),
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     channels.NewWebhookRateLimiter(600, 100),
	}, nil
}

// Start marks the channel running. Delivery begins once WebhookPath is mounted.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("cloudapi.ready", "webhook", c.cfg.WebhookPath, "signed", c.cfg.AppSecret != "")
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// WebhookPath is where Handler must be mounted.
func (c *Channel) WebhookPath() string { return c.cfg.WebhookPath }

// Handler serves the verification challenge (GET) and event delivery (POST).
func (c *Channel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+c.cfg.WebhookPath, c.handleVerification)
	mux.HandleFunc("POST "+c.cfg.WebhookPath, c.handleIncoming)
	return mux
}

func (c *Channel) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	if mode == "subscribe" && c.cfg.VerifyToken != "" && q.Get("hub.verify_token") == c.cfg.VerifyToken {
		slog.Info("cloudapi.webhook_verified")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, html.EscapeString(q.Get("hub.challenge")))
		return
	}
	slog.Warn("cloudapi.verification_failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func (c *Channel) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(remoteHost(r)) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if c.cfg.AppSecret != "" && !webhook.Verify(c.cfg.AppSecret, body, r.Header.Get(webhook.SignatureHeader)) {
		slog.Warn("cloudapi.invalid_signature", "remote", remoteHost(r))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		slog.Warn("cloudapi.bad_payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	for _, ev := range p.events() {
		slog.Debug("cloudapi.message_received", "from", ev.ContactNumber, "id", ev.MessageID,
			"preview", channels.Truncate(ev.Body, 50))
		c.HandleMessage(ev)
	}
	w.WriteHeader(http.StatusOK)
}

// Send delivers a text message. Chat addresses are reduced to their number.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               channels.UserPart(msg.To),
		Type:             "text",
		Text:             textBody{Body: msg.Content},
	})
	if err != nil {
		return bus.SendResult{}, fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return bus.SendResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return bus.SendResult{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return bus.SendResult{}, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, channels.Truncate(string(respBody), 256))
	}

	var sr sendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return bus.SendResult{}, fmt.Errorf("decode send response: %w", err)
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return bus.SendResult{}, fmt.Errorf("whatsapp API returned no message id")
	}
	return bus.SendResult{MessageID: sr.Messages[0].ID}, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

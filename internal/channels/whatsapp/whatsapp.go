// Package whatsapp implements the channel that talks to a whatsapp-web.js
// style bridge over a WebSocket. The bridge handles the WhatsApp protocol;
// this channel exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channels"
)

const (
	defaultSendTimeout = 30 * time.Second
	maxBackoff         = 30 * time.Second
)

// ErrNotConnected is returned by Send while the bridge is unreachable.
var ErrNotConnected = errors.New("whatsapp bridge not connected")

// frame is the JSON envelope exchanged with the bridge.
//
//	inbound:  {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"..."}
//	outbound: {"type":"message","to":"...","content":"...","request_id":"..."}
//	reply:    {"type":"sent","request_id":"...","id":"..."} or {"type":"error","request_id":"...","error":"..."}
type frame struct {
	Type          string `json:"type"`
	From          string `json:"from,omitempty"`
	Chat          string `json:"chat,omitempty"`
	ContactNumber string `json:"contact_number,omitempty"`
	FromName      string `json:"from_name,omitempty"`
	Content       string `json:"content,omitempty"`
	ID            string `json:"id,omitempty"`
	To            string `json:"to,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Config configures the bridge channel.
type Config struct {
	BridgeURL   string
	SendTimeout time.Duration // how long Send waits for the bridge's "sent" reply
}

// Channel connects to a WhatsApp bridge via WebSocket.
type Channel struct {
	*channels.BaseChannel
	config Config

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan frame // request_id → reply

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new WhatsApp bridge channel.
func New(cfg Config) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp"),
		config:      cfg,
		pending:     make(map[string]chan frame),
	}, nil
}

// Start connects to the bridge and begins listening. A failed first
// connection is retried by the listen loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("whatsapp.starting", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		slog.Warn("whatsapp.initial_connect_failed", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the connection and waits for the listen loop to exit.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("whatsapp.stopping")

	if c.cancel != nil {
		c.cancel()
	}
	c.dropConn()
	c.SetRunning(false)

	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Send asks the bridge to deliver msg and waits for the platform message id.
// Bare numbers are addressed as contacts.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
	reqID := uuid.NewString()
	reply := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	out := frame{
		Type:      "message",
		To:        channels.ContactAddress(msg.To),
		Content:   msg.Content,
		RequestID: reqID,
	}
	if err := c.write(out); err != nil {
		return bus.SendResult{}, err
	}

	timer := time.NewTimer(c.config.SendTimeout)
	defer timer.Stop()

	select {
	case f := <-reply:
		if f.Type == "error" {
			return bus.SendResult{}, fmt.Errorf("whatsapp bridge: %s", f.Error)
		}
		slog.Debug("whatsapp.sent", "to", out.To, "id", f.ID)
		return bus.SendResult{MessageID: f.ID}, nil
	case <-timer.C:
		return bus.SendResult{}, fmt.Errorf("whatsapp bridge: no reply for request %s within %s", reqID, c.config.SendTimeout)
	case <-ctx.Done():
		return bus.SendResult{}, ctx.Err()
	}
}

func (c *Channel) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(c.ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp.connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// listenLoop reads frames from the bridge and reconnects with exponential
// backoff (1s doubling to 30s) whenever the connection drops.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("whatsapp.reconnecting", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp.reconnect_failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("whatsapp.read_failed", "error", err)
			}
			c.dropConn()
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("whatsapp.invalid_frame", "error", err)
			continue
		}

		switch f.Type {
		case "message":
			c.handleIncomingMessage(f)
		case "sent", "error":
			c.resolvePending(f)
		default:
			slog.Debug("whatsapp.ignored_frame", "type", f.Type)
		}
	}
}

func (c *Channel) resolvePending(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("whatsapp.unmatched_reply", "request_id", f.RequestID)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// handleIncomingMessage turns a bridge "message" frame into an inbound event.
// "from" is the sender, "chat" the chat address (a group for group messages).
func (c *Channel) handleIncomingMessage(f frame) {
	if f.From == "" || f.ID == "" {
		slog.Debug("whatsapp.incomplete_message", "from", f.From, "id", f.ID)
		return
	}

	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	contact := f.ContactNumber
	if contact == "" {
		contact = channels.UserPart(f.From)
	}

	slog.Debug("whatsapp.message_received",
		"from", f.From,
		"chat", chat,
		"preview", channels.Truncate(f.Content, 50),
	)

	c.HandleMessage(bus.InboundEvent{
		From:          chat,
		ContactNumber: contact,
		Body:          f.Content,
		MessageID:     f.ID,
		FromName:      f.FromName,
	})
}

// Package channels provides the channel abstraction for the WhatsApp transports.
// A channel delivers inbound events to a registered handler and accepts outbound
// sends. Concrete variants (WebSocket bridge, Cloud API) are chosen when the
// process is composed, see cmd/serve.go.
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

const (
	// ContactSuffix marks a direct chat address.
	ContactSuffix = "@c.us"
	// GroupSuffix marks a group chat address.
	GroupSuffix = "@g.us"

	// mobileDigits is how many trailing characters of a number identify a user.
	mobileDigits = 10
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "whatsapp", "cloudapi").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// OnMessage registers the handler that receives inbound events.
	OnMessage(handler bus.InboundHandler)

	// Send delivers an outbound message and returns the platform message id.
	Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error)

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	mu      sync.RWMutex
	handler bus.InboundHandler
	running bool
}

// NewBaseChannel creates a new BaseChannel with the given name.
func NewBaseChannel(name string) *BaseChannel {
	return &BaseChannel{name: name}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// OnMessage registers the inbound handler.
func (c *BaseChannel) OnMessage(handler bus.InboundHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// HandleMessage forwards an inbound event to the registered handler.
// Events arriving before a handler is registered are dropped.
func (c *BaseChannel) HandleMessage(ev bus.InboundEvent) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	if ev.Channel == "" {
		ev.Channel = c.name
	}
	h(ev)
}

// Sender is the normalized view of who sent an inbound event.
type Sender struct {
	MobileNumber string
	IsGroup      bool
	GroupAddress string // set only when IsGroup
}

// NormalizeSender derives the mobile number and group membership of an event.
// The group check looks at the raw chat address, never at the trimmed number.
func NormalizeSender(ev bus.InboundEvent) Sender {
	number := ev.ContactNumber
	if number == "" {
		number = UserPart(ev.From)
	}

	s := Sender{MobileNumber: TrimMobile(number)}
	if IsGroupAddress(ev.From) {
		s.IsGroup = true
		s.GroupAddress = ev.From
	}
	return s
}

// TrimMobile keeps the trailing ten characters of a number ("917229091491" → "7229091491").
func TrimMobile(number string) string {
	if len(number) > mobileDigits {
		return number[len(number)-mobileDigits:]
	}
	return number
}

// UserPart strips the "@server" suffix from a chat address.
func UserPart(address string) string {
	if idx := strings.IndexByte(address, '@'); idx >= 0 {
		return address[:idx]
	}
	return address
}

// IsGroupAddress reports whether a chat address is a WhatsApp group.
func IsGroupAddress(address string) bool {
	return strings.HasSuffix(address, GroupSuffix)
}

// ContactAddress formats a bare number as a direct chat address.
// Addresses that already carry a contact or group suffix pass through unchanged.
func ContactAddress(number string) string {
	if strings.Contains(number, ContactSuffix) || strings.Contains(number, GroupSuffix) {
		return number
	}
	return number + ContactSuffix
}

// GroupAddress formats a group id as a group chat address.
func GroupAddress(groupID string) string {
	if strings.Contains(groupID, "@") {
		return groupID
	}
	return groupID + GroupSuffix
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package bus

// InboundEvent represents a message received from a channel (bridge or Cloud API).
type InboundEvent struct {
	Channel       string `json:"channel"`
	From          string `json:"from"`                     // chat address: "<number>@c.us" or "<group>@g.us"
	ContactNumber string `json:"contact_number,omitempty"` // sender's bare number as reported by the channel
	Body          string `json:"body"`
	MessageID     string `json:"message_id"` // platform message id, used as the dedup key
	FromName      string `json:"from_name,omitempty"`
}

// OutboundMessage represents a message to be sent through a channel.
type OutboundMessage struct {
	To      string `json:"to"` // chat address or bare number
	Content string `json:"content"`
}

// SendResult is what a channel reports back after a successful send.
type SendResult struct {
	MessageID string `json:"message_id"` // platform message id of the sent message
}

// InboundHandler receives inbound events from a channel.
// Implementations must not block the channel's read loop.
type InboundHandler func(InboundEvent)

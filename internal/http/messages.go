package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channels"
	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// Sender is the outbound half of a channel.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error)
}

// MessagesHandler serves outbound sends and message history.
type MessagesHandler struct {
	messages store.MessageStore
	sender   Sender
	limiter  *rate.Limiter
	token    string
}

// NewMessagesHandler creates the handler. A nil limiter disables send rate limiting.
func NewMessagesHandler(messages store.MessageStore, sender Sender, limiter *rate.Limiter, token string) *MessagesHandler {
	return &MessagesHandler{messages: messages, sender: sender, limiter: limiter, token: token}
}

// RegisterRoutes registers the send and history routes on the given mux.
func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /send", requireToken(h.token, h.handleSend))
	mux.HandleFunc("GET /messages/history", requireToken(h.token, h.handleHistory))
	mux.HandleFunc("GET /messages/{id}", requireToken(h.token, h.handleGet))
}

type sendRequest struct {
	Number         string `json:"number"`
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversation_id"`
	GroupID        string `json:"group_id"`
}

func (h *MessagesHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	body.Number = strings.TrimSpace(body.Number)
	body.GroupID = strings.TrimSpace(body.GroupID)
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if body.Number == "" && body.GroupID == "" {
		writeError(w, http.StatusBadRequest, "number or group_id is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "send rate limit exceeded")
		return
	}

	var to string
	var groupID *string
	if body.GroupID != "" {
		to = channels.GroupAddress(body.GroupID)
		groupID = &to
	} else {
		to = channels.ContactAddress(body.Number)
	}

	res, err := h.sender.Send(r.Context(), bus.OutboundMessage{To: to, Content: body.Message})
	if err != nil {
		slog.Error("messages.send_failed", "to", to, "error", err)
		writeError(w, http.StatusBadGateway, "Failed to send message")
		return
	}

	from := body.Number
	if from != "" {
		from = channels.TrimMobile(channels.UserPart(from))
	}
	id, err := h.messages.SaveMessage(r.Context(), &store.Message{
		WhatsAppID:     res.MessageID,
		FromNumber:     from,
		GroupID:        groupID,
		Body:           body.Message,
		IsFromMe:       true,
		ConversationID: body.ConversationID,
	})
	if err != nil {
		slog.Error("messages.save_outbound_failed", "whatsapp_id", res.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Message sent but not stored")
		return
	}

	slog.Info("messages.sent", "to", to, "id", id, "whatsapp_id", res.MessageID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "sent",
		"id":          id,
		"whatsapp_id": res.MessageID,
	})
}

func (h *MessagesHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	msgs, err := h.messages.GetChatHistory(r.Context(), channels.TrimMobile(channels.UserPart(number)))
	if err != nil {
		slog.Error("messages.history", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch history")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessagesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	msg, err := h.messages.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		slog.Error("messages.get", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

type conversationList struct {
	Data []Conversation `json:"data"`
}

type conversationEnvelope struct {
	Data *Conversation `json:"data"`
}

type createConversationRequest struct {
	UserID int64  `json:"user_id"`
	Agent  string `json:"agent"`
	Title  string `json:"title"`
}

type updateConversationRequest struct {
	Agent string `json:"agent"`
}

// ResolveConversation returns the conversation for userID routed to the
// inquiry agent. An existing conversation on another agent is reassigned;
// one already on the inquiry agent is reused without a write; otherwise a
// new one is created.
func (r *Resolver) ResolveConversation(ctx context.Context, userID int64) (*Conversation, Action, error) {
	existing, err := r.latestConversation(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	if existing == nil {
		conv, err := r.createConversation(ctx, userID)
		if err != nil {
			return nil, "", err
		}
		slog.Info("resolver.conversation_created", "user_id", userID, "conversation_id", int64(conv.ID))
		return conv, ActionCreated, nil
	}

	if existing.Agent == InquiryAgent {
		return existing, ActionReused, nil
	}

	conv, err := r.updateConversationAgent(ctx, int64(existing.ID), InquiryAgent)
	if err != nil {
		return nil, "", err
	}
	slog.Info("resolver.conversation_reassigned", "user_id", userID,
		"conversation_id", int64(conv.ID), "previous_agent", existing.Agent)
	return conv, ActionReassigned, nil
}

func (r *Resolver) latestConversation(ctx context.Context, userID int64) (*Conversation, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("limit", "1")

	var resp conversationList
	if err := r.doJSON(ctx, "conversation", http.MethodGet, r.conversationURL+"/api/conversations?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return &resp.Data[0], nil
}

func (r *Resolver) createConversation(ctx context.Context, userID int64) (*Conversation, error) {
	body := createConversationRequest{UserID: userID, Agent: InquiryAgent, Title: InquiryTitle}

	var resp conversationEnvelope
	if err := r.doJSON(ctx, "conversation", http.MethodPost, r.conversationURL+"/api/conversations", body, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("conversation: create returned no data")
	}
	return resp.Data, nil
}

func (r *Resolver) updateConversationAgent(ctx context.Context, id int64, agent string) (*Conversation, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%d", r.conversationURL, id)

	var resp conversationEnvelope
	if err := r.doJSON(ctx, "conversation", http.MethodPut, endpoint, updateConversationRequest{Agent: agent}, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("conversation: update %d returned no data", id)
	}
	return resp.Data, nil
}

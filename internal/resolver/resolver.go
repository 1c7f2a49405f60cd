// Package resolver maps a mobile number to an identity-service POC and to
// the conversation that should receive the message, creating or
// reassigning the conversation as needed.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nextlevelbuilder/wabridge/internal/tracing"
)

// Resolver talks to the identity and conversation services.
// It performs no retries; callers decide what a failure means.
type Resolver struct {
	identityURL     string
	conversationURL string
	client          *http.Client
}

// New creates a Resolver. Both base URLs are used without a trailing slash.
func New(identityURL, conversationURL string, timeout time.Duration) *Resolver {
	return &Resolver{
		identityURL:     strings.TrimRight(identityURL, "/"),
		conversationURL: strings.TrimRight(conversationURL, "/"),
		client:          &http.Client{Timeout: timeout},
	}
}

// Resolve looks up the identity for mobile, then finds, reassigns or
// creates its conversation.
func (r *Resolver) Resolve(ctx context.Context, mobile string) (*Resolution, error) {
	ctx, span := tracing.Tracer("resolver").Start(ctx, "resolver.resolve")
	defer span.End()

	ident, err := r.LookupIdentity(ctx, mobile)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	conv, action, err := r.ResolveConversation(ctx, int64(ident.ID))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("user.id", int64(ident.ID)),
		attribute.Int64("conversation.id", int64(conv.ID)),
		attribute.String("conversation.action", string(action)),
	)
	return &Resolution{Identity: *ident, Conversation: *conv, Action: action}, nil
}

// doJSON sends body (when non-nil) as JSON and decodes a 2xx response into out.
func (r *Resolver) doJSON(ctx context.Context, service, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", service, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", service, err)
	}
	slog.Debug("resolver.http", "service", service, "method", method, "url", url,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Service: service, Status: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", service, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

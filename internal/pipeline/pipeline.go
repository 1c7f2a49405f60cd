// Package pipeline turns inbound channel events into stored, attributed
// messages and triggers the downstream webhook for each one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channels"
	"github.com/nextlevelbuilder/wabridge/internal/resolver"
	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/tracing"
)

// DefaultMaxConcurrent bounds in-flight runs when Config leaves it unset.
const DefaultMaxConcurrent = 32

// Outcome is the terminal state of one run.
type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeGroupRejected
	OutcomeNoIdentity
	OutcomeResolveFailed
	OutcomeStoreFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeGroupRejected:
		return "group_rejected"
	case OutcomeNoIdentity:
		return "no_identity"
	case OutcomeResolveFailed:
		return "resolve_failed"
	case OutcomeStoreFailed:
		return "store_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolver maps a mobile number to an identity and its conversation.
type Resolver interface {
	Resolve(ctx context.Context, mobile string) (*resolver.Resolution, error)
}

// Notifier is told about every newly stored message. It must not fail.
type Notifier interface {
	Notify(ctx context.Context, messageID int64)
}

// Config tunes a Pipeline.
type Config struct {
	AllowedGroups []string
	MaxConcurrent int
}

// Pipeline processes inbound events. Runs for different events proceed
// concurrently up to MaxConcurrent; there is no ordering between them.
type Pipeline struct {
	resolver Resolver
	messages store.MessageStore
	notifier Notifier

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	allowed atomic.Pointer[map[string]struct{}]
}

// New creates a Pipeline.
func New(cfg Config, r Resolver, messages store.MessageStore, n Notifier) *Pipeline {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	p := &Pipeline{
		resolver: r,
		messages: messages,
		notifier: n,
		sem:      semaphore.NewWeighted(int64(limit)),
	}
	p.SetAllowedGroups(cfg.AllowedGroups)
	return p
}

// SetAllowedGroups replaces the group allow-list. Runs already past the
// group check are unaffected.
func (p *Pipeline) SetAllowedGroups(groups []string) {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	p.allowed.Store(&set)
	slog.Info("pipeline.allowed_groups", "count", len(set))
}

func (p *Pipeline) groupAllowed(address string) bool {
	_, ok := (*p.allowed.Load())[address]
	return ok
}

// HandleInbound schedules ev for processing and returns immediately.
// It satisfies bus.InboundHandler.
func (p *Pipeline) HandleInbound(ev bus.InboundEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		p.Process(ctx, ev)
	}()
}

// Wait blocks until every scheduled run and its webhook delivery finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Process runs ev through the pipeline synchronously. Filtered events
// return a non-stored Outcome with a nil error; downstream failures return
// the error that aborted the run.
func (p *Pipeline) Process(ctx context.Context, ev bus.InboundEvent) (Outcome, error) {
	runID := uuid.NewString()
	log := slog.With("run_id", runID, "message_id", ev.MessageID, "channel", ev.Channel)

	ctx, span := tracing.Tracer("pipeline").Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("message.whatsapp_id", ev.MessageID),
		))
	defer span.End()

	outcome, err := p.process(ctx, log, ev)
	span.SetAttributes(attribute.String("pipeline.outcome", outcome.String()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, log *slog.Logger, ev bus.InboundEvent) (Outcome, error) {
	sender := channels.NormalizeSender(ev)
	log = log.With("mobile", sender.MobileNumber)

	if sender.IsGroup && !p.groupAllowed(sender.GroupAddress) {
		log.Info("pipeline.group_rejected", "group", sender.GroupAddress)
		return OutcomeGroupRejected, nil
	}

	res, err := p.resolver.Resolve(ctx, sender.MobileNumber)
	if errors.Is(err, resolver.ErrNoIdentity) {
		log.Warn("pipeline.no_identity")
		return OutcomeNoIdentity, nil
	}
	if err != nil {
		log.Error("pipeline.resolve_failed", "error", err)
		return OutcomeResolveFailed, fmt.Errorf("resolve %s: %w", sender.MobileNumber, err)
	}

	userID := int64(res.Identity.ID)
	convID := int64(res.Conversation.ID)
	msg := &store.Message{
		WhatsAppID:     ev.MessageID,
		FromNumber:     sender.MobileNumber,
		Body:           ev.Body,
		IsFromMe:       false,
		ConversationID: &convID,
		UserID:         &userID,
	}
	if sender.IsGroup {
		group := sender.GroupAddress
		msg.GroupID = &group
	}

	id, err := p.messages.SaveMessage(ctx, msg)
	if err != nil {
		// The conversation may already have been created or reassigned; that is left as is.
		log.Error("pipeline.store_failed", "conversation_id", convID, "user_id", userID, "error", err)
		return OutcomeStoreFailed, fmt.Errorf("save message %s: %w", ev.MessageID, err)
	}

	log.Info("pipeline.stored", "id", id, "user_id", userID,
		"conversation_id", convID, "conversation_action", string(res.Action), "group", sender.IsGroup)

	if p.notifier != nil {
		notifyCtx := context.WithoutCancel(ctx)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.notifier.Notify(notifyCtx, id)
		}()
	}
	return OutcomeStored, nil
}

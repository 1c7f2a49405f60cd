package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/resolver"
	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/wabridge/internal/webhook"
)

type fakeResolver struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*resolver.Resolution
	err     error

	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeResolver) Resolve(_ context.Context, mobile string) (*resolver.Resolution, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mobile)
	if f.err != nil {
		return nil, f.err
	}
	res, ok := f.results[mobile]
	if !ok {
		return nil, resolver.ErrNoIdentity
	}
	return res, nil
}

type fakeMessages struct {
	mu    sync.Mutex
	saved []store.Message
	err   error
}

func (f *fakeMessages) SaveMessage(_ context.Context, msg *store.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.saved = append(f.saved, *msg)
	return int64(len(f.saved)), nil
}

func (f *fakeMessages) GetChatHistory(context.Context, string) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeMessages) GetMessage(context.Context, int64) (*store.Message, error) {
	return nil, store.ErrNotFound
}

type fakeNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeNotifier) Notify(_ context.Context, id int64) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

func resolution(userID, convID int64) *resolver.Resolution {
	return &resolver.Resolution{
		Identity:     resolver.Identity{ID: resolver.ID(userID)},
		Conversation: resolver.Conversation{ID: resolver.ID(convID), UserID: resolver.ID(userID), Agent: resolver.InquiryAgent},
		Action:       resolver.ActionReused,
	}
}

func TestProcess_GroupRejectedNeverResolves(t *testing.T) {
	r := &fakeResolver{results: map[string]*resolver.Resolution{"7229091491": resolution(501, 9001)}}
	m := &fakeMessages{}
	n := &fakeNotifier{}
	p := New(Config{AllowedGroups: []string{"allowed@g.us"}}, r, m, n)

	outcome, err := p.Process(context.Background(), bus.InboundEvent{
		From: "120363000@g.us", ContactNumber: "917229091491", Body: "hi", MessageID: "G1",
	})
	p.Wait()

	if err != nil || outcome != OutcomeGroupRejected {
		t.Fatalf("expected group rejected, got %s %v", outcome, err)
	}
	if len(r.calls) != 0 || len(m.saved) != 0 || len(n.ids) != 0 {
		t.Fatalf("rejected group reached downstream: resolve=%d save=%d notify=%d", len(r.calls), len(m.saved), len(n.ids))
	}
}

func TestProcess_AllowedGroupStoresGroupID(t *testing.T) {
	r := &fakeResolver{results: map[string]*resolver.Resolution{"7229091491": resolution(501, 9001)}}
	m := &fakeMessages{}
	n := &fakeNotifier{}
	p := New(Config{AllowedGroups: []string{"120363000@g.us"}}, r, m, n)

	outcome, err := p.Process(context.Background(), bus.InboundEvent{
		From: "120363000@g.us", ContactNumber: "917229091491", Body: "hi", MessageID: "G2",
	})
	p.Wait()

	if err != nil || outcome != OutcomeStored {
		t.Fatalf("expected stored, got %s %v", outcome, err)
	}
	if len(m.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(m.saved))
	}
	got := m.saved[0]
	if got.GroupID == nil || *got.GroupID != "120363000@g.us" {
		t.Errorf("unexpected group id %v", got.GroupID)
	}
	if got.FromNumber != "7229091491" {
		t.Errorf("unexpected from number %q", got.FromNumber)
	}
	if len(n.ids) != 1 || n.ids[0] != 1 {
		t.Errorf("expected one notification for id 1, got %v", n.ids)
	}
}

func TestSetAllowedGroups_HotSwap(t *testing.T) {
	r := &fakeResolver{results: map[string]*resolver.Resolution{"7229091491": resolution(501, 9001)}}
	p := New(Config{}, r, &fakeMessages{}, nil)
	ev := bus.InboundEvent{From: "g1@g.us", ContactNumber: "7229091491", MessageID: "x"}

	if outcome, _ := p.Process(context.Background(), ev); outcome != OutcomeGroupRejected {
		t.Fatalf("expected rejection before allow-list update, got %s", outcome)
	}
	p.SetAllowedGroups([]string{"g1@g.us"})
	if outcome, _ := p.Process(context.Background(), ev); outcome != OutcomeStored {
		t.Fatalf("expected stored after allow-list update, got %s", outcome)
	}
}

func TestProcess_NoIdentityDrops(t *testing.T) {
	r := &fakeResolver{results: map[string]*resolver.Resolution{}}
	m := &fakeMessages{}
	p := New(Config{}, r, m, &fakeNotifier{})

	outcome, err := p.Process(context.Background(), bus.InboundEvent{From: "919999999999@c.us", MessageID: "N1"})
	if err != nil || outcome != OutcomeNoIdentity {
		t.Fatalf("expected no identity, got %s %v", outcome, err)
	}
	if len(r.calls) != 1 || r.calls[0] != "9999999999" {
		t.Errorf("expected lookup of trimmed number, got %v", r.calls)
	}
	if len(m.saved) != 0 {
		t.Errorf("expected nothing stored, got %d", len(m.saved))
	}
}

func TestProcess_ResolveFailureAborts(t *testing.T) {
	r := &fakeResolver{err: errors.New("connection refused")}
	m := &fakeMessages{}
	n := &fakeNotifier{}
	p := New(Config{}, r, m, n)

	outcome, err := p.Process(context.Background(), bus.InboundEvent{From: "917229091491@c.us", MessageID: "R1"})
	p.Wait()
	if outcome != OutcomeResolveFailed || err == nil {
		t.Fatalf("expected resolve failure, got %s %v", outcome, err)
	}
	if len(m.saved) != 0 || len(n.ids) != 0 {
		t.Error("nothing must be stored or dispatched after a resolve failure")
	}
}

func TestProcess_StoreFailureSkipsDispatch(t *testing.T) {
	r := &fakeResolver{results: map[string]*resolver.Resolution{"7229091491": resolution(501, 9001)}}
	m := &fakeMessages{err: errors.New("disk full")}
	n := &fakeNotifier{}
	p := New(Config{}, r, m, n)

	outcome, err := p.Process(context.Background(), bus.InboundEvent{From: "917229091491@c.us", MessageID: "S1"})
	p.Wait()
	if outcome != OutcomeStoreFailed || err == nil {
		t.Fatalf("expected store failure, got %s %v", outcome, err)
	}
	if len(n.ids) != 0 {
		t.Error("dispatch must not run after a store failure")
	}
}

func TestHandleInbound_ConcurrentRuns(t *testing.T) {
	r := &fakeResolver{
		results: map[string]*resolver.Resolution{"7229091491": resolution(501, 9001)},
		delay:   20 * time.Millisecond,
	}
	m := &fakeMessages{}
	n := &fakeNotifier{}
	p := New(Config{MaxConcurrent: 2}, r, m, n)

	for i := 0; i < 10; i++ {
		p.HandleInbound(bus.InboundEvent{From: "917229091491@c.us", MessageID: string(rune('a' + i))})
	}
	p.Wait()

	if len(m.saved) != 10 || len(n.ids) != 10 {
		t.Fatalf("expected 10 saves and notifications, got %d and %d", len(m.saved), len(n.ids))
	}
	if peak := r.peak.Load(); peak < 1 || peak > 2 {
		t.Fatalf("expected at most 2 concurrent resolutions, peak was %d", peak)
	}
}

// TestEndToEnd wires the real resolver, SQLite store and dispatcher against
// fake downstream services.
func TestEndToEnd(t *testing.T) {
	var (
		mu          sync.Mutex
		created     map[string]any
		webhookBody []byte
		webhookSig  string
	)
	delivered := make(chan struct{}, 1)

	services := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/v1/admin-service/poc-details/list":
			var req struct {
				Filter []struct{ Value string } `json:"filter"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if len(req.Filter) == 1 && req.Filter[0].Value == "7229091491" {
				w.Write([]byte(`{"data":{"pocs":[{"id":501,"name":"Asha"}]}}`))
				return
			}
			w.Write([]byte(`{"data":{"pocs":[]}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/conversations":
			w.Write([]byte(`{"data":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/conversations":
			json.NewDecoder(r.Body).Decode(&created)
			w.Write([]byte(`{"data":{"id":9001,"user_id":501,"agent":"inquiry","title":"WhatsApp Inquiry"}}`))
		case r.URL.Path == "/agent/webhook":
			webhookBody, _ = io.ReadAll(r.Body)
			webhookSig = r.Header.Get(webhook.SignatureHeader)
			delivered <- struct{}{}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer services.Close()

	stores, err := sqlite.NewSQLiteStores(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer stores.Close()
	ctx := context.Background()
	if err := stores.Webhooks.CreateWebhook(ctx, &store.WebhookConfig{URL: "agent/webhook", Retries: 3, Secret: "s3cret"}); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	res := resolver.New(services.URL+"/v1/admin-service", services.URL, 5*time.Second)
	disp := webhook.NewDispatcher(stores.Webhooks, services.URL, 5*time.Second)
	p := New(Config{}, res, stores.Messages, disp)

	p.HandleInbound(bus.InboundEvent{
		Channel:       "whatsapp",
		From:          "917229091491@c.us",
		ContactNumber: "917229091491",
		Body:          "Need 20 units of SKU-9",
		MessageID:     "wamid.E2E1",
	})
	p.Wait()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if created["agent"] != "inquiry" || created["title"] != "WhatsApp Inquiry" {
		t.Errorf("unexpected create body %v", created)
	}

	history, err := stores.Messages.GetChatHistory(ctx, "7229091491")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(history))
	}
	msg := history[0]
	if msg.IsFromMe || msg.WhatsAppID != "wamid.E2E1" || msg.GroupID != nil {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.ConversationID == nil || *msg.ConversationID != 9001 || msg.UserID == nil || *msg.UserID != 501 {
		t.Errorf("unexpected attribution %+v", msg)
	}

	if string(webhookBody) != string(webhook.Payload(msg.ID)) {
		t.Errorf("unexpected webhook body %s", webhookBody)
	}
	if !webhook.Verify("s3cret", webhookBody, webhookSig) {
		t.Errorf("webhook signature %q does not verify", webhookSig)
	}
}

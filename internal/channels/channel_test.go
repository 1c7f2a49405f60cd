package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

func TestNormalizeSender_DirectContact(t *testing.T) {
	s := NormalizeSender(bus.InboundEvent{From: "917229091491@c.us", ContactNumber: "917229091491"})
	if s.MobileNumber != "7229091491" {
		t.Fatalf("expected 7229091491, got %q", s.MobileNumber)
	}
	if s.IsGroup {
		t.Fatal("direct chat must not be a group")
	}
	if s.GroupAddress != "" {
		t.Fatalf("expected empty group address, got %q", s.GroupAddress)
	}
}

// TestNormalizeSender_FallsBackToAddress verifies that the user part of the
// chat address is used when the channel did not report a contact number.
func TestNormalizeSender_FallsBackToAddress(t *testing.T) {
	s := NormalizeSender(bus.InboundEvent{From: "917229091491@c.us"})
	if s.MobileNumber != "7229091491" {
		t.Fatalf("expected 7229091491, got %q", s.MobileNumber)
	}
}

func TestNormalizeSender_ShortNumberUnchanged(t *testing.T) {
	s := NormalizeSender(bus.InboundEvent{From: "12345@c.us", ContactNumber: "12345"})
	if s.MobileNumber != "12345" {
		t.Fatalf("expected 12345, got %q", s.MobileNumber)
	}
}

// TestNormalizeSender_Group verifies that group detection uses the raw chat
// address while the number comes from the contact.
func TestNormalizeSender_Group(t *testing.T) {
	s := NormalizeSender(bus.InboundEvent{From: "120363041234567890@g.us", ContactNumber: "919876543210"})
	if !s.IsGroup {
		t.Fatal("expected group")
	}
	if s.GroupAddress != "120363041234567890@g.us" {
		t.Fatalf("unexpected group address %q", s.GroupAddress)
	}
	if s.MobileNumber != "9876543210" {
		t.Fatalf("expected 9876543210, got %q", s.MobileNumber)
	}
}

func TestAddressFormatting(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"bare number", ContactAddress("917229091491"), "917229091491@c.us"},
		{"contact passthrough", ContactAddress("917229091491@c.us"), "917229091491@c.us"},
		{"group passthrough", ContactAddress("1203@g.us"), "1203@g.us"},
		{"bare group", GroupAddress("1203"), "1203@g.us"},
		{"full group", GroupAddress("1203@g.us"), "1203@g.us"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestBaseChannel_HandleMessage(t *testing.T) {
	c := NewBaseChannel("whatsapp")

	// No handler yet: must not panic.
	c.HandleMessage(bus.InboundEvent{From: "1@c.us"})

	var got bus.InboundEvent
	c.OnMessage(func(ev bus.InboundEvent) { got = ev })
	c.HandleMessage(bus.InboundEvent{From: "1@c.us", MessageID: "abc"})

	if got.MessageID != "abc" {
		t.Fatalf("handler not invoked, got %+v", got)
	}
	if got.Channel != "whatsapp" {
		t.Fatalf("expected channel name to be filled, got %q", got.Channel)
	}
}

func TestWebhookRateLimiter_PerKey(t *testing.T) {
	rl := NewWebhookRateLimiter(60, 2)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third immediate call should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other keys have their own bucket")
	}
}

type fakeChannel struct {
	*BaseChannel
	startErr error
	sent     []bus.OutboundMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name)}
}

func (f *fakeChannel) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.SetRunning(true)
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.SetRunning(false)
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
	f.sent = append(f.sent, msg)
	return bus.SendResult{MessageID: f.Name() + "-1"}, nil
}

func TestManager_LifecycleAndSend(t *testing.T) {
	m := NewManager()
	if _, err := m.Send(context.Background(), bus.OutboundMessage{To: "1@c.us"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}

	primary := newFakeChannel("whatsapp")
	secondary := newFakeChannel("cloudapi")
	m.RegisterChannel(primary)
	m.RegisterChannel(secondary)

	var got []string
	m.OnMessage(func(ev bus.InboundEvent) { got = append(got, ev.Channel) })
	primary.HandleMessage(bus.InboundEvent{From: "1@c.us"})
	secondary.HandleMessage(bus.InboundEvent{From: "2@c.us"})
	if len(got) != 2 {
		t.Fatalf("expected handler on both channels, got %v", got)
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := m.GetStatus()
	if !st["whatsapp"].Running || !st["whatsapp"].Primary || st["cloudapi"].Primary {
		t.Fatalf("unexpected status %+v", st)
	}

	res, err := m.Send(context.Background(), bus.OutboundMessage{To: "1@c.us", Content: "hi"})
	if err != nil || res.MessageID != "whatsapp-1" {
		t.Fatalf("expected send through primary, got %+v %v", res, err)
	}
	if len(secondary.sent) != 0 {
		t.Fatal("secondary channel must not send")
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.GetStatus()["whatsapp"].Running {
		t.Fatal("expected stopped")
	}
}

func TestManager_StartFailure(t *testing.T) {
	m := NewManager()
	ch := newFakeChannel("whatsapp")
	ch.startErr = errors.New("dial refused")
	m.RegisterChannel(ch)
	if err := m.StartAll(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
}

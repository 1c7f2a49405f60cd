package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

// fakeBridge accepts one WebSocket client, pushes inbound frames to it and
// answers every outbound message with a "sent" reply.
type fakeBridge struct {
	srv      *httptest.Server
	inbound  []frame
	outbound chan frame
	fail     bool
}

func newFakeBridge(t *testing.T, fail bool, inbound ...frame) *fakeBridge {
	t.Helper()
	b := &fakeBridge{inbound: inbound, outbound: make(chan frame, 8), fail: fail}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range b.inbound {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			b.outbound <- f
			reply := frame{Type: "sent", RequestID: f.RequestID, ID: "true_" + f.To + "_3EB0"}
			if b.fail {
				reply = frame{Type: "error", RequestID: f.RequestID, Error: "number not on whatsapp"}
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func startChannel(t *testing.T, url string) *Channel {
	t.Helper()
	ch, err := New(Config{BridgeURL: url, SendTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return ch
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bridge url")
	}
}

func TestChannel_InboundDirectAndGroup(t *testing.T) {
	b := newFakeBridge(t, false,
		frame{Type: "message", From: "917229091491@c.us", Content: "hello", ID: "m1", FromName: "Asha"},
		frame{Type: "message", From: "917229091491@c.us", Chat: "120363@g.us", Content: "team", ID: "m2"},
		frame{Type: "message", From: "", Content: "dropped", ID: "m3"},
	)
	ch := startChannel(t, b.url())

	events := make(chan bus.InboundEvent, 4)
	ch.OnMessage(func(ev bus.InboundEvent) { events <- ev })

	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ch.Stop(ctx)

	var got []bus.InboundEvent
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	direct := got[0]
	if direct.From != "917229091491@c.us" || direct.ContactNumber != "917229091491" || direct.MessageID != "m1" {
		t.Errorf("unexpected direct event %+v", direct)
	}
	if direct.Channel != "whatsapp" || direct.FromName != "Asha" {
		t.Errorf("unexpected direct metadata %+v", direct)
	}
	group := got[1]
	if group.From != "120363@g.us" || group.ContactNumber != "917229091491" {
		t.Errorf("unexpected group event %+v", group)
	}
}

func TestChannel_SendWaitsForReply(t *testing.T) {
	b := newFakeBridge(t, false)
	ch := startChannel(t, b.url())

	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ch.Stop(ctx)

	res, err := ch.Send(ctx, bus.OutboundMessage{To: "917229091491", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "true_917229091491@c.us_3EB0" {
		t.Errorf("unexpected message id %q", res.MessageID)
	}

	out := <-b.outbound
	if out.Type != "message" || out.To != "917229091491@c.us" || out.Content != "hi" || out.RequestID == "" {
		t.Errorf("unexpected outbound frame %+v", out)
	}
}

func TestChannel_SendBridgeError(t *testing.T) {
	b := newFakeBridge(t, true)
	ch := startChannel(t, b.url())

	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ch.Stop(ctx)

	if _, err := ch.Send(ctx, bus.OutboundMessage{To: "120363@g.us", Content: "hi"}); err == nil {
		t.Fatal("expected bridge error")
	}
}

func TestChannel_SendNotConnected(t *testing.T) {
	ch := startChannel(t, "ws://127.0.0.1:1")
	if _, err := ch.Send(context.Background(), bus.OutboundMessage{To: "1", Content: "x"}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestFrame_WireFormat(t *testing.T) {
	data, _ := json.Marshal(frame{Type: "message", To: "1@c.us", Content: "x", RequestID: "r"})
	want := `{"type":"message","content":"x","to":"1@c.us","request_id":"r"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

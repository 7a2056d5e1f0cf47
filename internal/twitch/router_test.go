package twitch

import (
	"encoding/json"
	"testing"

	"github.com/bryanveloso/landale/internal/bus"
)

func TestRouterDispatchesNotificationToHandlers(t *testing.T) {
	router := NewRouter()
	conn := NewConnectionWithURL("ws://127.0.0.1:1/unreachable", "client", "token", router, bus.New())

	var gotType string
	var gotEvent json.RawMessage
	router.OnNotification(func(eventType string, event json.RawMessage) {
		gotType = eventType
		gotEvent = event
	})

	notif, _ := json.Marshal(NotificationPayload{
		Subscription: Subscription{Type: "channel.follow"},
		Event:        json.RawMessage(`{"user_name":"alice"}`),
	})
	msg := Message{Metadata: Metadata{MessageType: MessageTypeNotification}, Payload: notif}

	router.Dispatch(conn, msg)

	if gotType != "channel.follow" {
		t.Fatalf("expected channel.follow, got %q", gotType)
	}
	if string(gotEvent) != `{"user_name":"alice"}` {
		t.Fatalf("unexpected event payload: %s", gotEvent)
	}
}

func TestRouterHandlesWelcomeBySettingConnectionReady(t *testing.T) {
	router := NewRouter()
	conn := NewConnectionWithURL("ws://127.0.0.1:1/unreachable", "client", "token", router, bus.New())

	welcome, _ := json.Marshal(WelcomePayload{Session: Session{ID: "sess-42", KeepaliveTimeoutSeconds: 10}})
	msg := Message{Metadata: Metadata{MessageType: MessageTypeWelcome}, Payload: welcome}

	router.Dispatch(conn, msg)

	if conn.State() != StateReady {
		t.Fatalf("expected StateReady after welcome, got %v", conn.State())
	}
	if conn.SessionID() != "sess-42" {
		t.Fatalf("expected sess-42, got %q", conn.SessionID())
	}
}

func TestRouterDropsUnknownMessageType(t *testing.T) {
	router := NewRouter()
	conn := NewConnectionWithURL("ws://127.0.0.1:1/unreachable", "client", "token", router, bus.New())

	called := false
	router.OnNotification(func(string, json.RawMessage) { called = true })

	msg := Message{Metadata: Metadata{MessageType: "something_new"}}
	router.Dispatch(conn, msg)

	if called {
		t.Fatal("unknown message type should not invoke notification handlers")
	}
}

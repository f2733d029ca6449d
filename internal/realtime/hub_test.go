package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskvine/jobcore/internal/app/domain/event"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	auth := StaticAuthenticator{
		"tok-a": {ActorID: "actor-a", Role: "customer"},
		"tok-b": {ActorID: "actor-b", Role: "provider"},
	}
	router := NewRouter(nil)
	hub := NewHub(auth, NewRegistry(), router, HubConfig{}, nil)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Stop(context.Background())
		router.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, topic event.Topic) {
	t.Helper()
	frame, _ := json.Marshal(map[string]string{"action": "subscribe", "topic": topic.String()})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) event.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	evt, err := event.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return evt
}

func TestHubRejectsBadCredential(t *testing.T) {
	_, url := newTestHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=nope", nil)
	if err == nil {
		t.Fatal("handshake accepted a bad credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHubFansOutToSubscribers(t *testing.T) {
	hub, url := newTestHub(t)
	topic := event.JobTopic("job-1")

	subscriber := dialHub(t, url, "tok-a")
	bystander := dialHub(t, url, "tok-b")
	subscribe(t, subscriber, topic)

	// Subscription frames are applied in arrival order on the session's
	// read pump; wait for the registry to reflect it.
	waitFor(t, func() bool { return len(hub.registry.SubscribersOf(topic)) == 1 })

	hub.Emit(event.Event{
		ID:        "evt-1",
		Kind:      event.KindProgressUpdated,
		Topic:     topic,
		ActorID:   "actor-b",
		Timestamp: time.Now().UTC(),
		Payload:   &event.ProgressPayload{JobID: "job-1", Stage: "in_progress"},
	})

	evt := readEvent(t, subscriber)
	if evt.ID != "evt-1" || evt.Kind != event.KindProgressUpdated {
		t.Fatalf("event = %+v", evt)
	}
	payload, ok := evt.Payload.(*event.ProgressPayload)
	if !ok || payload.JobID != "job-1" {
		t.Fatalf("payload = %#v", evt.Payload)
	}

	// The bystander never subscribed and must not see the event.
	_ = bystander.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := bystander.ReadMessage(); err == nil {
		t.Fatal("unsubscribed connection received the event")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub, url := newTestHub(t)
	topic := event.JobTopic("job-2")

	conn := dialHub(t, url, "tok-a")
	subscribe(t, conn, topic)
	waitFor(t, func() bool { return len(hub.registry.SubscribersOf(topic)) == 1 })

	frame, _ := json.Marshal(map[string]string{"action": "unsubscribe", "topic": topic.String()})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, func() bool { return len(hub.registry.SubscribersOf(topic)) == 0 })

	hub.Emit(event.Event{
		ID:      "evt-2",
		Kind:    event.KindProgressUpdated,
		Topic:   topic,
		Payload: &event.ProgressPayload{JobID: "job-2", Stage: "in_progress"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("delivery continued after unsubscribe")
	}
}

func TestHubPresenceEvents(t *testing.T) {
	hub, url := newTestHub(t)

	watcher := dialHub(t, url, "tok-a")
	subscribe(t, watcher, event.ActorStatusTopic("actor-b"))
	waitFor(t, func() bool {
		return len(hub.registry.SubscribersOf(event.ActorStatusTopic("actor-b"))) == 1
	})

	target := dialHub(t, url, "tok-b")

	evt := readEvent(t, watcher)
	if evt.Kind != event.KindActorOnline {
		t.Fatalf("kind = %s", evt.Kind)
	}
	presence, ok := evt.Payload.(*event.PresencePayload)
	if !ok || presence.ActorID != "actor-b" || !presence.Online {
		t.Fatalf("payload = %#v", evt.Payload)
	}

	_ = target.Close()

	evt = readEvent(t, watcher)
	if evt.Kind != event.KindActorOffline {
		t.Fatalf("kind = %s", evt.Kind)
	}
}

func TestHubSurvivesMalformedFrame(t *testing.T) {
	hub, url := newTestHub(t)
	topic := event.JobTopic("job-3")

	conn := dialHub(t, url, "tok-a")
	subscribe(t, conn, topic)
	waitFor(t, func() bool { return len(hub.registry.SubscribersOf(topic)) == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection stays up: a later event is still delivered.
	hub.Emit(event.Event{
		ID:      "evt-3",
		Kind:    event.KindProgressUpdated,
		Topic:   topic,
		Payload: &event.ProgressPayload{JobID: "job-3", Stage: "in_progress"},
	})
	if evt := readEvent(t, conn); evt.ID != "evt-3" {
		t.Fatalf("event = %+v", evt)
	}
}

package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskvine/jobcore/internal/app/domain/event"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRouterPerTopicOrdering(t *testing.T) {
	router := NewRouter(nil)
	defer router.Close()

	topic := event.JobTopic("j1")
	var mu sync.Mutex
	var seen []string
	router.On(topic, func(evt event.Event) {
		mu.Lock()
		seen = append(seen, evt.ID)
		mu.Unlock()
	})

	const n = 50
	for i := 0; i < n; i++ {
		router.Emit(event.Event{
			ID:    fmt.Sprintf("e%03d", i),
			Kind:  event.KindProgressUpdated,
			Topic: topic,
		})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("out of order at %d: %s after %s", i, seen[i], seen[i-1])
		}
	}
}

func TestRouterUnsubscribe(t *testing.T) {
	router := NewRouter(nil)
	defer router.Close()

	topic := event.JobTopic("j1")
	var mu sync.Mutex
	var count int
	off := router.On(topic, func(event.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	router.Emit(event.Event{ID: "e1", Kind: event.KindProgressUpdated, Topic: topic})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	off()
	off() // second call is a no-op

	router.Emit(event.Event{ID: "e2", Kind: event.KindProgressUpdated, Topic: topic})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("handler invoked after unsubscribe: %d", count)
	}
}

func TestRouterEmitWithoutSubscribersIsNoop(t *testing.T) {
	router := NewRouter(nil)
	defer router.Close()
	router.Emit(event.Event{ID: "e1", Kind: event.KindProgressUpdated, Topic: event.JobTopic("nobody")})
}

func TestDispatchMalformed(t *testing.T) {
	router := NewRouter(nil)
	defer router.Close()

	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{"no_kind":true}`),
		[]byte(`{"kind":"bogus.kind","topic":"job:1"}`),
		[]byte(`{"kind":"quote.accepted"}`),
	}
	for _, raw := range frames {
		_, err := router.Dispatch(raw)
		var malformed *event.MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("frame %q: want MalformedEventError, got %v", raw, err)
		}
	}
}

func TestDispatchDelivers(t *testing.T) {
	router := NewRouter(nil)
	defer router.Close()

	topic := event.JobTopic("j1")
	got := make(chan event.Event, 1)
	router.On(topic, func(evt event.Event) { got <- evt })

	frame := []byte(`{"kind":"job_progress.updated","topic":"job:j1","actor_id":"p1","payload":{"job_id":"j1","stage":"in_progress"}}`)
	evt, err := router.Dispatch(frame)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if evt.Kind != event.KindProgressUpdated {
		t.Fatalf("kind = %s", evt.Kind)
	}

	select {
	case delivered := <-got:
		payload, ok := delivered.Payload.(*event.ProgressPayload)
		if !ok || payload.JobID != "j1" {
			t.Fatalf("payload = %#v", delivered.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

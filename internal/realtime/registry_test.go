package realtime

import (
	"testing"

	"github.com/taskvine/jobcore/internal/app/domain/event"
)

func TestRegistryIdempotence(t *testing.T) {
	reg := NewRegistry()
	topic := event.JobTopic("j1")

	reg.Subscribe("c1", topic)
	reg.Subscribe("c1", topic)

	if subs := reg.SubscribersOf(topic); len(subs) != 1 || subs[0] != "c1" {
		t.Fatalf("subscribers = %v", subs)
	}

	reg.Unsubscribe("c1", topic)
	reg.Unsubscribe("c1", topic)
	if subs := reg.SubscribersOf(topic); len(subs) != 0 {
		t.Fatalf("subscribers after unsubscribe = %v", subs)
	}
}

func TestRegistryDropConnection(t *testing.T) {
	reg := NewRegistry()
	jobTopic := event.JobTopic("j1")
	statusTopic := event.ActorStatusTopic("p1")

	reg.Subscribe("c1", jobTopic)
	reg.Subscribe("c1", statusTopic)
	reg.Subscribe("c2", jobTopic)

	reg.DropConnection("c1")

	if topics := reg.TopicsOf("c1"); len(topics) != 0 {
		t.Fatalf("c1 still subscribed: %v", topics)
	}
	if subs := reg.SubscribersOf(jobTopic); len(subs) != 1 || subs[0] != "c2" {
		t.Fatalf("job subscribers = %v", subs)
	}
	if subs := reg.SubscribersOf(statusTopic); len(subs) != 0 {
		t.Fatalf("status subscribers = %v", subs)
	}
}

func TestRegistryIsSubscribed(t *testing.T) {
	reg := NewRegistry()
	topic := event.DisputeTopic("p1")

	if reg.IsSubscribed("c1", topic) {
		t.Fatal("unsubscribed pair reported subscribed")
	}
	reg.Subscribe("c1", topic)
	if !reg.IsSubscribed("c1", topic) {
		t.Fatal("subscribed pair not reported")
	}
}

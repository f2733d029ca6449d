// Package realtime carries events between connected actors and the
// lifecycle services: topic subscriptions, typed dispatch, the websocket hub
// on the server side, and a reconnecting client.
package realtime

import (
	"sync"

	"github.com/taskvine/jobcore/internal/app/domain/event"
)

// Registry tracks which topics each connection subscribed to. Subscribe and
// Unsubscribe are idempotent; dropping a connection removes all of its
// subscriptions in one critical section, so a concurrent SubscribersOf
// never observes a half-removed connection.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]map[event.Topic]struct{}
	byTopic map[event.Topic]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:  make(map[string]map[event.Topic]struct{}),
		byTopic: make(map[event.Topic]map[string]struct{}),
	}
}

// Subscribe records the (connection, topic) pair. Subscribing twice is a
// no-op.
func (r *Registry) Subscribe(connID string, topic event.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[event.Topic]struct{})
	}
	r.byConn[connID][topic] = struct{}{}

	if r.byTopic[topic] == nil {
		r.byTopic[topic] = make(map[string]struct{})
	}
	r.byTopic[topic][connID] = struct{}{}
}

// Unsubscribe removes the pair. Unsubscribing an absent pair is a no-op.
func (r *Registry) Unsubscribe(connID string, topic event.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID, topic)
}

// DropConnection removes every subscription of the connection atomically.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.byConn[connID] {
		r.removeLocked(connID, topic)
	}
}

func (r *Registry) removeLocked(connID string, topic event.Topic) {
	if topics, ok := r.byConn[connID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.byConn, connID)
		}
	}
	if conns, ok := r.byTopic[topic]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

// SubscribersOf returns the connection ids subscribed to the topic.
func (r *Registry) SubscribersOf(topic event.Topic) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]string, 0, len(r.byTopic[topic]))
	for id := range r.byTopic[topic] {
		conns = append(conns, id)
	}
	return conns
}

// TopicsOf returns the topics the connection subscribed to.
func (r *Registry) TopicsOf(connID string) []event.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]event.Topic, 0, len(r.byConn[connID]))
	for topic := range r.byConn[connID] {
		topics = append(topics, topic)
	}
	return topics
}

// IsSubscribed reports whether the pair exists.
func (r *Registry) IsSubscribed(connID string, topic event.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[connID][topic]
	return ok
}

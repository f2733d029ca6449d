package realtime

import (
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/taskvine/jobcore/internal/app/domain/event"
	"github.com/taskvine/jobcore/internal/app/metrics"
	"github.com/taskvine/jobcore/pkg/logger"
)

// Handler consumes one event. Handlers must return promptly; a handler that
// performs blocking work hands off to its own goroutine.
type Handler func(evt event.Event)

const topicQueueDepth = 256

// Router decodes inbound frames into typed events and fans committed events
// out to topic handlers. Events on one topic are delivered in enqueue order
// by a dedicated worker; distinct topics interleave freely.
type Router struct {
	log  *logger.Logger
	done chan struct{}

	mu       sync.Mutex
	nextID   int
	handlers map[event.Topic][]handlerEntry
	queues   map[event.Topic]chan event.Event
	wg       sync.WaitGroup
}

type handlerEntry struct {
	id int
	fn Handler
}

// NewRouter creates a router.
func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefault("router")
	}
	return &Router{
		log:      log,
		done:     make(chan struct{}),
		handlers: make(map[event.Topic][]handlerEntry),
		queues:   make(map[event.Topic]chan event.Event),
	}
}

// On registers a handler for a topic and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (r *Router) On(topic event.Topic, fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[topic] = append(r.handlers[topic], handlerEntry{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.handlers[topic]
		for i, entry := range entries {
			if entry.id == id {
				r.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(r.handlers[topic]) == 0 {
			delete(r.handlers, topic)
		}
	}
}

// Dispatch decodes a raw inbound frame and routes the event. A frame that
// cannot be decoded is dropped and reported; the connection stays alive.
func (r *Router) Dispatch(raw []byte) (event.Event, error) {
	// Reject junk before the full decode; a frame without a kind field is
	// never a valid event.
	if !gjson.ValidBytes(raw) || !gjson.GetBytes(raw, "kind").Exists() {
		metrics.RecordFrame("malformed")
		return event.Event{}, &event.MalformedEventError{Reason: "frame is not an event envelope"}
	}

	evt, err := event.Decode(raw)
	if err != nil {
		metrics.RecordFrame("malformed")
		r.log.WithError(err).Warn("dropping malformed frame")
		return event.Event{}, err
	}

	metrics.RecordFrame("dispatched")
	r.Emit(evt)
	return evt, nil
}

// Emit delivers the event to every handler currently registered for its
// topic, in enqueue order. With no handlers it is a no-op. After Close the
// event is dropped.
func (r *Router) Emit(evt event.Event) {
	select {
	case <-r.done:
		return
	default:
	}

	r.mu.Lock()
	queue, ok := r.queues[evt.Topic]
	if !ok {
		queue = make(chan event.Event, topicQueueDepth)
		r.queues[evt.Topic] = queue
		r.wg.Add(1)
		go r.drain(evt.Topic, queue)
	}
	r.mu.Unlock()

	select {
	case queue <- evt:
	case <-r.done:
	}
}

// drain is the per-topic worker. Handler invocation is sequential within
// the topic.
func (r *Router) drain(topic event.Topic, queue chan event.Event) {
	defer r.wg.Done()
	for {
		select {
		case evt := <-queue:
			start := time.Now()
			r.mu.Lock()
			entries := make([]handlerEntry, len(r.handlers[topic]))
			copy(entries, r.handlers[topic])
			r.mu.Unlock()

			for _, entry := range entries {
				entry.fn(evt)
			}
			metrics.ObserveDispatch(time.Since(start))
		case <-r.done:
			return
		}
	}
}

// Close stops the topic workers. Queued but undelivered events are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
}

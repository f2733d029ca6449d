package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/taskvine/jobcore/internal/app/domain/event"
	"github.com/taskvine/jobcore/pkg/logger"
)

// Broadcaster delivers an event to local subscribers. The hub satisfies it.
type Broadcaster interface {
	Emit(evt event.Event)
}

// Fanout bridges committed events across nodes through a Redis pub/sub
// channel. Each node publishes its own emissions and re-broadcasts foreign
// ones locally; the node id tag prevents echo loops. Redis pub/sub
// preserves per-publisher order, which matches the per-topic ordering
// guarantee as long as one topic's events originate from one node.
type Fanout struct {
	client  *redis.Client
	channel string
	nodeID  string
	local   Broadcaster
	log     *logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type fanoutFrame struct {
	Node  string          `json:"node"`
	Event json.RawMessage `json:"event"`
}

// NewFanout creates a bridge over the given channel.
func NewFanout(client *redis.Client, channel string, local Broadcaster, log *logger.Logger) *Fanout {
	if log == nil {
		log = logger.NewDefault("realtime-fanout")
	}
	if channel == "" {
		channel = "jobcore.events"
	}
	return &Fanout{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		local:   local,
		log:     log,
	}
}

// Emit broadcasts locally and publishes for the other nodes. Implements the
// services' emitter contract; wire this in front of the hub when running
// more than one node.
func (f *Fanout) Emit(evt event.Event) {
	f.local.Emit(evt)

	raw, err := event.Encode(evt)
	if err != nil {
		f.log.WithError(err).Warn("dropping unencodable event")
		return
	}
	frame, err := json.Marshal(fanoutFrame{Node: f.nodeID, Event: raw})
	if err != nil {
		return
	}
	if err := f.client.Publish(context.Background(), f.channel, frame).Err(); err != nil {
		f.log.WithError(err).Warn("publish failed; event delivered locally only")
	}
}

// Name implements the service lifecycle.
func (f *Fanout) Name() string { return "realtime-fanout" }

// Start subscribes to the channel and re-broadcasts foreign events.
func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := f.client.Subscribe(subCtx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}
	f.pubsub = pubsub
	f.cancel = cancel

	f.wg.Add(1)
	go f.consume(pubsub.Channel())
	return nil
}

// Stop closes the subscription.
func (f *Fanout) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pubsub == nil {
		return nil
	}
	f.cancel()
	err := f.pubsub.Close()
	f.pubsub = nil
	f.wg.Wait()
	return err
}

func (f *Fanout) consume(messages <-chan *redis.Message) {
	defer f.wg.Done()
	for msg := range messages {
		var frame fanoutFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			f.log.WithError(err).Warn("dropping malformed fan-out frame")
			continue
		}
		if frame.Node == f.nodeID {
			continue
		}
		evt, err := event.Decode(frame.Event)
		if err != nil {
			f.log.WithError(err).Warn("dropping malformed fan-out event")
			continue
		}
		f.local.Emit(evt)
	}
}

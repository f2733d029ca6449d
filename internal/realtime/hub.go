package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/taskvine/jobcore/internal/app/domain/event"
	"github.com/taskvine/jobcore/internal/app/metrics"
	"github.com/taskvine/jobcore/pkg/logger"
)

// HubConfig tunes the server side of the realtime channel.
type HubConfig struct {
	ReadLimit       int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	FramesPerSecond float64
	FrameBurst      int
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReadLimit:       64 << 10,
		PingInterval:    25 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		SendBuffer:      64,
		FramesPerSecond: 50,
		FrameBurst:      100,
	}
}

// Hub terminates websocket connections, enforces authentication and a
// per-connection frame budget, and fans committed events out to topic
// subscribers. It implements the runtime's service lifecycle.
type Hub struct {
	auth     Authenticator
	registry *Registry
	router   *Router
	cfg      HubConfig
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	running  bool
}

// NewHub creates a hub.
func NewHub(auth Authenticator, registry *Registry, router *Router, cfg HubConfig, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("realtime-hub")
	}
	def := DefaultHubConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = def.FramesPerSecond
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = def.FrameBurst
	}
	return &Hub{
		auth:     auth,
		registry: registry,
		router:   router,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Name implements the service lifecycle.
func (h *Hub) Name() string { return "realtime-hub" }

// Start implements the service lifecycle.
func (h *Hub) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	return nil
}

// Stop closes every session and stops accepting upgrades.
func (h *Hub) Stop(_ context.Context) error {
	h.mu.Lock()
	h.running = false
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// Emit routes a committed event to in-process handlers and to every
// connected subscriber of its topic. Implements the services' emitter
// contract.
func (h *Hub) Emit(evt event.Event) {
	if h.router != nil {
		h.router.Emit(evt)
	}

	raw, err := event.Encode(evt)
	if err != nil {
		h.log.WithError(err).Warn("dropping unencodable event")
		return
	}

	for _, connID := range h.registry.SubscribersOf(evt.Topic) {
		h.mu.Lock()
		s, ok := h.sessions[connID]
		h.mu.Unlock()
		if !ok {
			continue
		}
		s.enqueue(raw)
	}
}

// ServeHTTP upgrades one websocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	identity, err := h.auth.Authenticate(credentialFrom(r))
	if err != nil {
		h.log.WithError(err).Warn("rejected connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}

	s := &session{
		id:       uuid.NewString(),
		identity: identity,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.FramesPerSecond), h.cfg.FrameBurst),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	metrics.ConnectionOpened()
	h.log.Infof("actor %s connected (session %s)", identity.ActorID, s.id)

	h.emitPresence(identity.ActorID, true)

	go s.writePump()
	go s.readPump()
}

func (h *Hub) dropSession(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.registry.DropConnection(s.id)
	metrics.ConnectionClosed()
	h.log.Infof("actor %s disconnected (session %s)", s.identity.ActorID, s.id)
	h.emitPresence(s.identity.ActorID, false)
}

func (h *Hub) emitPresence(actorID string, online bool) {
	kind := event.KindActorOnline
	if !online {
		kind = event.KindActorOffline
	}
	h.Emit(event.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Topic:     event.ActorStatusTopic(actorID),
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
		Payload:   &event.PresencePayload{ActorID: actorID, Online: online},
	})
}

func credentialFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// session is one accepted connection with its read and write pumps.
type session struct {
	id       string
	identity Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	limiter  *rate.Limiter

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.hub.dropSession(s)
	})
}

// enqueue offers a frame to the writer. A subscriber that cannot keep up
// is disconnected rather than allowed to block the fan-out.
func (s *session) enqueue(raw []byte) {
	select {
	case s.send <- raw:
	case <-s.done:
	default:
		s.hub.log.Warnf("session %s cannot keep up; closing", s.id)
		s.close()
	}
}

// readPump consumes frames strictly in arrival order: subscription control
// frames mutate the registry, everything else goes through the router. A
// malformed frame is dropped; the connection survives.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(s.hub.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.Allow() {
			metrics.RecordFrame("throttled")
			continue
		}
		if action := gjson.GetBytes(raw, "action"); action.Exists() {
			s.handleControl(action.String(), raw)
			continue
		}
		_, _ = s.hub.router.Dispatch(raw)
	}
}

// handleControl applies a subscribe or unsubscribe frame.
func (s *session) handleControl(action string, raw []byte) {
	topicStr := gjson.GetBytes(raw, "topic").String()
	topic, err := event.ParseTopic(topicStr)
	if err != nil {
		metrics.RecordFrame("malformed")
		s.hub.log.WithError(err).Warnf("session %s sent bad control frame", s.id)
		return
	}
	switch action {
	case "subscribe":
		s.hub.registry.Subscribe(s.id, topic)
	case "unsubscribe":
		s.hub.registry.Unsubscribe(s.id, topic)
	default:
		metrics.RecordFrame("malformed")
		s.hub.log.Warnf("session %s sent unknown action %q", s.id, action)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

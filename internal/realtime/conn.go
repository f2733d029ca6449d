package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskvine/jobcore/pkg/logger"
)

// State is the client connection state.
type State int32

const (
	// StateIdle indicates no connection and no retry in flight.
	StateIdle State = iota

	// StateConnecting indicates the initial handshake is in flight.
	StateConnecting

	// StateConnected indicates a live connection.
	StateConnected

	// StateReconnecting indicates the transport dropped and backoff retries
	// are running.
	StateReconnecting

	// StateUnreachable indicates retries are exhausted; only an explicit
	// Connect leaves this state.
	StateUnreachable
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// NetworkError reports a transport-level failure. The client retries these
// automatically with backoff.
type NetworkError struct {
	Cause error
}

// Error implements error.
func (e *NetworkError) Error() string { return fmt.Sprintf("network: %v", e.Cause) }

// Unwrap exposes the underlying cause.
func (e *NetworkError) Unwrap() error { return e.Cause }

// Status is a snapshot of the connection.
type Status struct {
	State             State
	ReconnectAttempts int
	LastConnectedAt   time.Time
}

// Socket is the minimal transport surface the client drives. A gorilla
// websocket connection satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Transport dials one socket. Injected so tests can script failure
// patterns.
type Transport interface {
	Dial(ctx context.Context, credential string) (Socket, error)
}

// WebsocketTransport dials the hub over a websocket, carrying the
// credential as a bearer token.
type WebsocketTransport struct {
	URL string
}

var _ Transport = (*WebsocketTransport)(nil)

// Dial implements Transport.
func (t *WebsocketTransport) Dial(ctx context.Context, credential string) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthenticationError{Cause: err}
		}
		return nil, &NetworkError{Cause: err}
	}
	return conn, nil
}

// ClientConfig tunes the reconnect behavior.
type ClientConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

// DefaultClientConfig returns the production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		MaxAttempts: 5,
	}
}

// Client owns one long-lived connection to the hub: handshake, liveness,
// and reconnection with bounded jittered backoff. Inbound frames are handed
// to the router in arrival order.
type Client struct {
	transport Transport
	router    *Router
	cfg       ClientConfig
	log       *logger.Logger

	mu         sync.Mutex
	state      State
	attempts   int
	lastConn   time.Time
	credential string
	socket     Socket
	cancel     context.CancelFunc
	generation int

	listeners []func(State)
	notifyCh  chan State
	notifyWG  sync.WaitGroup
}

// NewClient creates a client. The router receives every decoded inbound
// frame.
func NewClient(transport Transport, router *Router, cfg ClientConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("realtime-client")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultClientConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultClientConfig().BackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultClientConfig().MaxAttempts
	}
	c := &Client{
		transport: transport,
		router:    router,
		cfg:       cfg,
		log:       log,
		notifyCh:  make(chan State, 64),
	}
	c.notifyWG.Add(1)
	go c.notifyLoop()
	return c
}

// OnStateChange registers a listener. Listeners observe every transition
// exactly once, in order, from a single notifier goroutine.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) notifyLoop() {
	defer c.notifyWG.Done()
	for state := range c.notifyCh {
		c.mu.Lock()
		listeners := make([]func(State), len(c.listeners))
		copy(listeners, c.listeners)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(state)
		}
	}
}

// setStateLocked transitions and queues exactly one notification. Callers
// hold c.mu.
func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.notifyCh <- state
}

// Status returns a snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastConnectedAt:   c.lastConn,
	}
}

// Connect performs the handshake. An authentication failure is fatal and
// leaves the client idle; a transport failure starts the backoff retries
// and is returned to the caller. A successful Connect clears the attempt
// counter.
func (c *Client) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return fmt.Errorf("connect: already %s", c.state)
	}
	c.credential = credential
	c.attempts = 0
	c.setStateLocked(StateConnecting)
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	socket, err := c.transport.Dial(ctx, credential)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			c.mu.Lock()
			c.cancelLocked()
			c.setStateLocked(StateIdle)
			c.mu.Unlock()
			return authErr
		}
		c.mu.Lock()
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		go c.reconnect(loopCtx, gen)
		return err
	}

	c.mu.Lock()
	c.socket = socket
	c.lastConn = time.Now().UTC()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(loopCtx, gen, socket)
	return nil
}

// Disconnect closes the connection and cancels any in-flight reconnection.
// Idempotent; always leaves the client idle with a cleared attempt counter.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()
	if c.socket != nil {
		_ = c.socket.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.socket.Close()
		c.socket = nil
	}
	c.attempts = 0
	c.generation++
	c.setStateLocked(StateIdle)
}

// Close releases the notifier. The client is unusable afterwards.
func (c *Client) Close() {
	c.Disconnect()
	close(c.notifyCh)
	c.notifyWG.Wait()
}

func (c *Client) cancelLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Send encodes and writes one frame.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	socket := c.socket
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || socket == nil {
		return &NetworkError{Cause: fmt.Errorf("not connected (state %s)", state)}
	}
	if err := socket.WriteMessage(websocket.TextMessage, data); err != nil {
		return &NetworkError{Cause: err}
	}
	return nil
}

// readLoop consumes inbound frames strictly in arrival order. A read error
// not caused by Disconnect moves the client to reconnecting.
func (c *Client) readLoop(ctx context.Context, gen int, socket Socket) {
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.generation != gen {
				// Disconnect already took over.
				c.mu.Unlock()
				return
			}
			c.socket = nil
			c.setStateLocked(StateReconnecting)
			c.mu.Unlock()
			go c.reconnect(ctx, gen)
			return
		}
		if c.router != nil {
			_, _ = c.router.Dispatch(raw)
		}
	}
}

// reconnect retries with exponential backoff plus jitter until it succeeds,
// the attempt budget is exhausted, or the credential is rejected. A
// successful reconnect keeps the attempt counter; only an explicit Connect
// or Disconnect clears it.
func (c *Client) reconnect(ctx context.Context, gen int) {
	for {
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxAttempts {
			c.cancelLocked()
			c.setStateLocked(StateUnreachable)
			c.mu.Unlock()
			c.log.Warnf("reconnect attempts exhausted after %d tries", c.cfg.MaxAttempts)
			return
		}
		c.attempts++
		attempt := c.attempts
		credential := c.credential
		c.mu.Unlock()

		delay := c.backoff(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		socket, err := c.transport.Dial(ctx, credential)
		if err != nil {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				// The credential went bad mid-session. Never redialed; the
				// caller must Connect again with a fresh one.
				c.mu.Lock()
				if c.generation == gen {
					c.cancelLocked()
					c.setStateLocked(StateUnreachable)
				}
				c.mu.Unlock()
				c.log.WithError(err).Warn("reconnect stopped: credential rejected")
				return
			}
			c.log.WithError(err).Warnf("reconnect attempt %d failed", attempt)
			continue
		}

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			_ = socket.Close()
			return
		}
		c.socket = socket
		c.lastConn = time.Now().UTC()
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

		go c.readLoop(ctx, gen, socket)
		return
	}
}

// backoff returns base * 2^(attempt-1), capped, with up to 25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.BackoffCap {
			delay = c.cfg.BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSocket blocks reads until failRead or Close is called.
type fakeSocket struct {
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errors.New("transport dropped")
}

func (s *fakeSocket) WriteMessage(int, []byte) error { return nil }

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) drop() { _ = s.Close() }

// fakeTransport replays a scripted sequence of dial outcomes and records
// the client's attempt counter at each dial.
type fakeTransport struct {
	mu             sync.Mutex
	script         []error
	dials          int
	sockets        []*fakeSocket
	attemptsAtDial []int
	status         func() Status
}

func newFakeTransport(script ...error) *fakeTransport {
	return &fakeTransport{script: script}
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != nil {
		t.attemptsAtDial = append(t.attemptsAtDial, t.status().ReconnectAttempts)
	}
	var outcome error
	if t.dials < len(t.script) {
		outcome = t.script[t.dials]
	}
	t.dials++

	if outcome != nil {
		return nil, outcome
	}
	socket := newFakeSocket()
	t.sockets = append(t.sockets, socket)
	return socket, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastSocket() *fakeSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sockets[len(t.sockets)-1]
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		MaxAttempts: 5,
	}
}

func collectStates(c *Client) func() []State {
	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		out := make([]State, len(states))
		copy(out, states)
		return out
	}
}

// Scenario: the transport drops mid-session and every reconnect attempt
// fails. The client must stop at the attempt budget, report unreachable,
// and never dial beyond the cap.
func TestReconnectExhaustion(t *testing.T) {
	network := errors.New("connection refused")
	transport := newFakeTransport(nil, network, network, network, network, network, network)
	client := NewClient(transport, nil, testClientConfig(), nil)
	defer client.Close()
	transport.status = client.Status
	states := collectStates(client)

	if err := client.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if client.Status().State != StateConnected {
		t.Fatalf("state = %s", client.Status().State)
	}

	transport.lastSocket().drop()

	waitFor(t, func() bool { return client.Status().State == StateUnreachable })

	status := client.Status()
	if status.ReconnectAttempts != 5 {
		t.Fatalf("attempts = %d, want 5", status.ReconnectAttempts)
	}
	if transport.dialCount() != 6 {
		t.Fatalf("dials = %d, want 1 + 5 retries", transport.dialCount())
	}

	// The counter advanced one per attempt: the third retry dialed with
	// three attempts recorded and the client still reconnecting.
	transport.mu.Lock()
	attempts := append([]int(nil), transport.attemptsAtDial...)
	transport.mu.Unlock()
	wantAttempts := []int{0, 1, 2, 3, 4, 5}
	if len(attempts) != len(wantAttempts) {
		t.Fatalf("attempt record = %v", attempts)
	}
	for i, want := range wantAttempts {
		if attempts[i] != want {
			t.Fatalf("attempt record = %v, want %v", attempts, wantAttempts)
		}
	}

	// Listeners saw each transition exactly once, in order.
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateUnreachable}
	waitFor(t, func() bool { return len(states()) >= len(want) })
	got := states()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}

	// Unreachable is sticky until an explicit Connect.
	time.Sleep(20 * time.Millisecond)
	if transport.dialCount() != 6 {
		t.Fatalf("client kept dialing after unreachable: %d", transport.dialCount())
	}
}

func TestReconnectRecovers(t *testing.T) {
	network := errors.New("connection refused")
	transport := newFakeTransport(nil, network, network, nil)
	client := NewClient(transport, nil, testClientConfig(), nil)
	defer client.Close()

	if err := client.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	transport.lastSocket().drop()

	waitFor(t, func() bool { return client.Status().State == StateConnected && transport.dialCount() == 4 })

	// A successful reconnect keeps the attempt counter.
	if got := client.Status().ReconnectAttempts; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	network := errors.New("connection refused")
	transport := newFakeTransport(network)
	cfg := testClientConfig()
	cfg.BackoffBase = 50 * time.Millisecond
	client := NewClient(transport, nil, cfg, nil)
	defer client.Close()

	if err := client.Connect(context.Background(), "tok"); err == nil {
		t.Fatal("connect should report the dial failure")
	}
	if client.Status().State != StateReconnecting {
		t.Fatalf("state = %s", client.Status().State)
	}

	client.Disconnect()
	status := client.Status()
	if status.State != StateIdle {
		t.Fatalf("state = %s", status.State)
	}
	if status.ReconnectAttempts != 0 {
		t.Fatalf("attempts not cleared: %d", status.ReconnectAttempts)
	}

	dials := transport.dialCount()
	time.Sleep(100 * time.Millisecond)
	if transport.dialCount() != dials {
		t.Fatal("reconnect loop survived Disconnect")
	}

	// Disconnect is idempotent.
	client.Disconnect()
}

// A credential that expires mid-session must not be redialed: the first
// rejected reconnect dial ends the retries.
func TestReconnectStopsOnAuthFailure(t *testing.T) {
	transport := newFakeTransport(nil, &AuthenticationError{Cause: fmt.Errorf("expired")})
	client := NewClient(transport, nil, testClientConfig(), nil)
	defer client.Close()
	states := collectStates(client)

	if err := client.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	transport.lastSocket().drop()

	waitFor(t, func() bool { return client.Status().State == StateUnreachable })

	if got := client.Status().ReconnectAttempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if transport.dialCount() != 2 {
		t.Fatalf("dials = %d, want initial + 1 rejected retry", transport.dialCount())
	}

	want := []State{StateConnecting, StateConnected, StateReconnecting, StateUnreachable}
	waitFor(t, func() bool { return len(states()) >= len(want) })
	got := states()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}

	// No further dials with the rejected credential.
	time.Sleep(20 * time.Millisecond)
	if transport.dialCount() != 2 {
		t.Fatalf("expired credential redialed: %d dials", transport.dialCount())
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	transport := newFakeTransport(&AuthenticationError{Cause: fmt.Errorf("expired")})
	client := NewClient(transport, nil, testClientConfig(), nil)
	defer client.Close()

	err := client.Connect(context.Background(), "bad")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthenticationError, got %v", err)
	}
	if client.Status().State != StateIdle {
		t.Fatalf("state = %s", client.Status().State)
	}

	time.Sleep(20 * time.Millisecond)
	if transport.dialCount() != 1 {
		t.Fatalf("auth failure retried: %d dials", transport.dialCount())
	}
}

// Package event defines the wire model for real-time events: kinds, topics,
// typed payloads, and the envelope codec. Events are JSON on the wire; the
// payload type is selected by the envelope's kind.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the event category and drives payload decoding.
type Kind string

// Service request events.
const (
	KindRequestCreated   Kind = "service_request.created"
	KindRequestUpdated   Kind = "service_request.updated"
	KindRequestCancelled Kind = "service_request.cancelled"
)

// Quote events.
const (
	KindQuoteReceived Kind = "quote.received"
	KindQuoteAccepted Kind = "quote.accepted"
	KindQuoteRejected Kind = "quote.rejected"
)

// Job progress events.
const (
	KindProgressUpdated   Kind = "job_progress.updated"
	KindMilestoneReached  Kind = "job_progress.milestone_reached"
	KindProgressCompleted Kind = "job_progress.completed"
)

// Payment events.
const (
	KindEscrowDeposited    Kind = "payment.escrow_deposited"
	KindPaymentReleased    Kind = "payment.released"
	KindCommissionDeducted Kind = "payment.commission_deducted"
)

// Presence and location events.
const (
	KindLocationUpdate Kind = "location.update"
	KindActorOnline    Kind = "actor.online"
	KindActorOffline   Kind = "actor.offline"
)

// Dispute events.
const (
	KindDisputeCreated  Kind = "dispute.created"
	KindDisputeUpdated  Kind = "dispute.updated"
	KindDisputeResolved Kind = "dispute.resolved"
)

// Topic is a routing key of the form "scope:id". Subscriptions match topics
// exactly; there is no wildcard matching.
type Topic struct {
	Scope string
	ID    string
}

// Topic scopes.
const (
	ScopeJob         = "job"
	ScopeRequest     = "request"
	ScopeActorStatus = "actor-status"
	ScopeDispute     = "dispute"
)

// JobTopic addresses all events of one job.
func JobTopic(jobID string) Topic { return Topic{Scope: ScopeJob, ID: jobID} }

// RequestTopic addresses all events of one service request.
func RequestTopic(requestID string) Topic { return Topic{Scope: ScopeRequest, ID: requestID} }

// ActorStatusTopic addresses an actor's presence and location stream.
func ActorStatusTopic(actorID string) Topic { return Topic{Scope: ScopeActorStatus, ID: actorID} }

// DisputeTopic addresses an actor's dispute notifications.
func DisputeTopic(actorID string) Topic { return Topic{Scope: ScopeDispute, ID: actorID} }

// String renders the wire form.
func (t Topic) String() string { return t.Scope + ":" + t.ID }

// IsZero reports an unset topic.
func (t Topic) IsZero() bool { return t.Scope == "" && t.ID == "" }

// MarshalJSON implements json.Marshaler.
func (t Topic) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (t *Topic) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTopic(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTopic parses the wire form "scope:id".
func ParseTopic(s string) (Topic, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Topic{}, fmt.Errorf("topic %q: want scope:id", s)
	}
	switch scope {
	case ScopeJob, ScopeRequest, ScopeActorStatus, ScopeDispute:
		return Topic{Scope: scope, ID: id}, nil
	default:
		return Topic{}, fmt.Errorf("topic %q: unknown scope %q", s, scope)
	}
}

// Payload is the kind-specific body of an event.
type Payload interface {
	payload()
}

// ServiceRequestPayload carries a service request change.
type ServiceRequestPayload struct {
	RequestID  string `json:"request_id"`
	CustomerID string `json:"customer_id"`
	Vertical   string `json:"vertical,omitempty"`
	Status     string `json:"status"`
}

// QuotePayload carries a provider quote or its acceptance.
type QuotePayload struct {
	RequestID  string `json:"request_id"`
	ProviderID string `json:"provider_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

// ProgressPayload carries a job stage or milestone change.
type ProgressPayload struct {
	JobID     string `json:"job_id"`
	Stage     string `json:"stage"`
	Milestone string `json:"milestone,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

// PaymentPayload carries an escrow or commission movement.
type PaymentPayload struct {
	JobID            string `json:"job_id"`
	TransactionID    string `json:"transaction_id"`
	GrossAmount      int64  `json:"gross_amount"`
	CommissionAmount int64  `json:"commission_amount"`
	NetAmount        int64  `json:"net_amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Reference        string `json:"reference,omitempty"`
}

// LocationPayload carries a provider position update.
type LocationPayload struct {
	ActorID   string  `json:"actor_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PresencePayload carries an actor's online state change.
type PresencePayload struct {
	ActorID string `json:"actor_id"`
	Online  bool   `json:"online"`
}

// DisputePayload carries a dispute lifecycle change.
type DisputePayload struct {
	JobID      string `json:"job_id"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
}

func (*ServiceRequestPayload) payload() {}
func (*QuotePayload) payload()          {}
func (*ProgressPayload) payload()       {}
func (*PaymentPayload) payload()        {}
func (*LocationPayload) payload()       {}
func (*PresencePayload) payload()       {}
func (*DisputePayload) payload()        {}

var payloadFactories = map[Kind]func() Payload{
	KindRequestCreated:     func() Payload { return &ServiceRequestPayload{} },
	KindRequestUpdated:     func() Payload { return &ServiceRequestPayload{} },
	KindRequestCancelled:   func() Payload { return &ServiceRequestPayload{} },
	KindQuoteReceived:      func() Payload { return &QuotePayload{} },
	KindQuoteAccepted:      func() Payload { return &QuotePayload{} },
	KindQuoteRejected:      func() Payload { return &QuotePayload{} },
	KindProgressUpdated:    func() Payload { return &ProgressPayload{} },
	KindMilestoneReached:   func() Payload { return &ProgressPayload{} },
	KindProgressCompleted:  func() Payload { return &ProgressPayload{} },
	KindEscrowDeposited:    func() Payload { return &PaymentPayload{} },
	KindPaymentReleased:    func() Payload { return &PaymentPayload{} },
	KindCommissionDeducted: func() Payload { return &PaymentPayload{} },
	KindLocationUpdate:     func() Payload { return &LocationPayload{} },
	KindActorOnline:        func() Payload { return &PresencePayload{} },
	KindActorOffline:       func() Payload { return &PresencePayload{} },
	KindDisputeCreated:     func() Payload { return &DisputePayload{} },
	KindDisputeUpdated:     func() Payload { return &DisputePayload{} },
	KindDisputeResolved:    func() Payload { return &DisputePayload{} },
}

// Known reports whether the kind has a registered payload type.
func (k Kind) Known() bool {
	_, ok := payloadFactories[k]
	return ok
}

// Event is the envelope carried over every transport.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Topic     Topic     `json:"topic"`
	ActorID   string    `json:"actor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// MalformedEventError reports a frame that could not be decoded. The router
// drops the frame and keeps the connection; it never unwinds dispatch.
type MalformedEventError struct {
	Reason string
	Cause  error
}

// Error implements error.
func (e *MalformedEventError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Cause)
	}
	return "malformed event: " + e.Reason
}

// Unwrap exposes the underlying cause.
func (e *MalformedEventError) Unwrap() error { return e.Cause }

type envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Topic     Topic           `json:"topic"`
	ActorID   string          `json:"actor_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses a wire frame into an Event. An unknown kind or an
// unparseable payload yields a MalformedEventError.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &MalformedEventError{Reason: "invalid envelope", Cause: err}
	}
	factory, ok := payloadFactories[env.Kind]
	if !ok {
		return Event{}, &MalformedEventError{Reason: fmt.Sprintf("unknown kind %q", env.Kind)}
	}
	if env.Topic.IsZero() {
		return Event{}, &MalformedEventError{Reason: "missing topic"}
	}
	payload := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Event{}, &MalformedEventError{Reason: "invalid payload", Cause: err}
		}
	}
	evt := Event{
		ID:        env.ID,
		Kind:      env.Kind,
		Topic:     env.Topic,
		ActorID:   env.ActorID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt, nil
}

// Encode renders an Event to its wire form.
func Encode(evt Event) ([]byte, error) {
	if !evt.Kind.Known() {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unknown kind %q", evt.Kind)}
	}
	return json.Marshal(evt)
}

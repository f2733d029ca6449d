// Package job defines the job lifecycle model: the stage enum, the legal
// transition graph, and the lifecycle record shared by the services and the
// stores.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage represents where a job sits in its lifecycle.
type Stage int32

const (
	// StageUnknown indicates an uninitialized or unknown stage.
	StageUnknown Stage = iota

	// StageContactRevealed indicates the parties are connected; no funds yet.
	StageContactRevealed

	// StageEscrowPending indicates a quote was accepted and the deposit is awaited.
	StageEscrowPending

	// StageEscrowDeposited indicates customer funds are held in escrow.
	StageEscrowDeposited

	// StageInProgress indicates the provider has started the work.
	StageInProgress

	// StagePendingCompletion indicates the provider claims completion and
	// awaits the customer's confirmation.
	StagePendingCompletion

	// StageCompleted indicates the customer confirmed and funds were released.
	StageCompleted

	// StageDisputed indicates a party opened a dispute; funds are frozen.
	StageDisputed

	// StageSettled indicates a dispute resolved in the provider's favor.
	StageSettled

	// StageRefunded indicates a dispute resolved by refunding the customer.
	StageRefunded
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageContactRevealed:
		return "contact_revealed"
	case StageEscrowPending:
		return "escrow_pending"
	case StageEscrowDeposited:
		return "escrow_deposited"
	case StageInProgress:
		return "in_progress"
	case StagePendingCompletion:
		return "pending_completion"
	case StageCompleted:
		return "completed"
	case StageDisputed:
		return "disputed"
	case StageSettled:
		return "settled"
	case StageRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("stage(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStage(str)
	return nil
}

// ParseStage converts a string to Stage.
func ParseStage(s string) Stage {
	switch s {
	case "contact_revealed":
		return StageContactRevealed
	case "escrow_pending":
		return StageEscrowPending
	case "escrow_deposited":
		return StageEscrowDeposited
	case "in_progress":
		return StageInProgress
	case "pending_completion":
		return StagePendingCompletion
	case "completed":
		return StageCompleted
	case "disputed":
		return StageDisputed
	case "settled":
		return StageSettled
	case "refunded":
		return StageRefunded
	default:
		return StageUnknown
	}
}

// IsTerminal returns true when no further transition exists from the stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageSettled || s == StageRefunded
}

// HoldsFunds returns true while customer money sits in escrow.
func (s Stage) HoldsFunds() bool {
	switch s {
	case StageEscrowDeposited, StageInProgress, StagePendingCompletion, StageDisputed:
		return true
	default:
		return false
	}
}

// ValidTransitions is the complete transition graph. A transition absent
// here is rejected regardless of who requests it.
var ValidTransitions = map[Stage][]Stage{
	StageContactRevealed:   {StageEscrowPending},
	StageEscrowPending:     {StageEscrowDeposited},
	StageEscrowDeposited:   {StageInProgress, StageDisputed},
	StageInProgress:        {StagePendingCompletion, StageDisputed},
	StagePendingCompletion: {StageCompleted, StageDisputed},
	StageDisputed:          {StageSettled, StageRefunded},
}

// CanTransition reports whether the graph allows moving from one stage to
// another.
func CanTransition(from, to Stage) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidStateError is returned when a requested transition is not in the
// graph, or when an operation requires a stage the job is not in.
type InvalidStateError struct {
	JobID string
	From  Stage
	To    Stage
}

// NewInvalidStateError builds an InvalidStateError.
func NewInvalidStateError(jobID string, from, to Stage) InvalidStateError {
	return InvalidStateError{JobID: jobID, From: from, To: to}
}

// Error implements error.
func (e InvalidStateError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// RatingRequiredError is returned when a completion confirmation arrives
// without a rating.
type RatingRequiredError struct {
	JobID string
}

// Error implements error.
func (e RatingRequiredError) Error() string {
	return fmt.Sprintf("job %s: completion confirmation requires a rating", e.JobID)
}

// Lifecycle is the persistent record of one engagement between a customer
// and a provider. Amounts are integer minor units of Currency.
type Lifecycle struct {
	ID           string               `json:"id"`
	RequestID    string               `json:"request_id"`
	CustomerID   string               `json:"customer_id"`
	ProviderID   string               `json:"provider_id"`
	Stage        Stage                `json:"stage"`
	EscrowAmount int64                `json:"escrow_amount"`
	Currency     string               `json:"currency"`
	Rating       int                  `json:"rating,omitempty"`
	StageTimes   map[string]time.Time `json:"stage_times,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// EnterStage records the transition and its timestamp. Callers validate the
// transition before mutating; EnterStage itself does not.
func (l *Lifecycle) EnterStage(stage Stage, at time.Time) {
	l.Stage = stage
	l.UpdatedAt = at
	if l.StageTimes == nil {
		l.StageTimes = make(map[string]time.Time)
	}
	l.StageTimes[stage.String()] = at
}

// Milestone is a provider-reported progress marker.
type Milestone struct {
	Label    string `json:"label"`
	Evidence string `json:"evidence,omitempty"`
}

// Resolution outcomes for a disputed job.
const (
	ResolutionSettle = "settle"
	ResolutionRefund = "refund"
)

// Resolution is a human decision closing a dispute. Amount zero means the
// full escrowed amount.
type Resolution struct {
	Outcome    string `json:"outcome"`
	Amount     int64  `json:"amount,omitempty"`
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note,omitempty"`
}

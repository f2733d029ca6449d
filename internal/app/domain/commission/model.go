// Package commission defines the commission transaction model: the status
// enum and its transition graph, the deterministic amount breakdown, and the
// per-actor summary aggregate.
package commission

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the settlement status of a commission transaction.
type Status int32

const (
	// StatusUnknown indicates an uninitialized or unknown status.
	StatusUnknown Status = iota

	// StatusCalculated indicates the breakdown exists but no money moved.
	StatusCalculated

	// StatusDeducted indicates the platform's share has been taken.
	StatusDeducted

	// StatusPaidOut indicates the provider's net share was released.
	StatusPaidOut

	// StatusDisputed indicates the transaction is frozen pending resolution.
	StatusDisputed

	// StatusRefunded indicates funds were returned to the customer.
	StatusRefunded
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCalculated:
		return "calculated"
	case StatusDeducted:
		return "deducted"
	case StatusPaidOut:
		return "paid_out"
	case StatusDisputed:
		return "disputed"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "calculated":
		return StatusCalculated
	case "deducted":
		return StatusDeducted
	case "paid_out":
		return StatusPaidOut
	case "disputed":
		return StatusDisputed
	case "refunded":
		return StatusRefunded
	default:
		return StatusUnknown
	}
}

// IsTerminal returns true when no further transition exists from the status.
func (s Status) IsTerminal() bool {
	return s == StatusRefunded
}

// ValidTransitions is the complete status transition graph. Disputed can be
// entered from any money-bearing status and exits only via a human
// resolution.
var ValidTransitions = map[Status][]Status{
	StatusCalculated: {StatusDeducted, StatusDisputed},
	StatusDeducted:   {StatusPaidOut, StatusDisputed},
	StatusPaidOut:    {StatusDisputed},
	StatusDisputed:   {StatusDeducted, StatusPaidOut, StatusRefunded},
}

// CanTransition reports whether the graph allows moving between statuses.
func CanTransition(from, to Status) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidStateError is returned when a requested status transition is not
// in the graph, or when an operation requires a status the transaction is
// not in.
type InvalidStateError struct {
	TransactionID string
	From          Status
	To            Status
}

// Error implements error.
func (e InvalidStateError) Error() string {
	return fmt.Sprintf("transaction %s: invalid transition %s -> %s", e.TransactionID, e.From, e.To)
}

// CommissionFor computes the platform's share of a gross amount at a rate
// expressed in basis points. Integer math with half-up rounding, so the
// result is identical on every node and across reruns.
func CommissionFor(gross, rateBps int64) int64 {
	return (gross*rateBps + 5000) / 10000
}

// Rate is the commission rate effective for an actor at calculation time.
type Rate struct {
	Bps  int64  `json:"bps"`
	Tier string `json:"tier,omitempty"`
}

// Transaction records one commission settlement. Amounts are integer minor
// units of Currency and always satisfy
// GrossAmount = CommissionAmount + NetAmount.
type Transaction struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	ActorID          string    `json:"actor_id"`
	GrossAmount      int64     `json:"gross_amount"`
	RateBps          int64     `json:"rate_bps"`
	Tier             string    `json:"tier,omitempty"`
	CommissionAmount int64     `json:"commission_amount"`
	NetAmount        int64     `json:"net_amount"`
	Currency         string    `json:"currency"`
	Status           Status    `json:"status"`
	Version          int       `json:"version"`
	PayoutReference  string    `json:"payout_reference,omitempty"`
	DisputeID        string    `json:"dispute_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Apply recomputes CommissionAmount and NetAmount from GrossAmount and
// RateBps.
func (t *Transaction) Apply() {
	t.CommissionAmount = CommissionFor(t.GrossAmount, t.RateBps)
	t.NetAmount = t.GrossAmount - t.CommissionAmount
}

// CheckBreakdown verifies the amount invariant.
func (t Transaction) CheckBreakdown() error {
	if t.CommissionAmount+t.NetAmount != t.GrossAmount {
		return fmt.Errorf("transaction %s: breakdown %d + %d does not sum to gross %d",
			t.ID, t.CommissionAmount, t.NetAmount, t.GrossAmount)
	}
	return nil
}

// Summary aggregates an actor's transactions over a closed time range.
type Summary struct {
	ActorID         string    `json:"actor_id"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Count           int       `json:"count"`
	GrossTotal      int64     `json:"gross_total"`
	CommissionTotal int64     `json:"commission_total"`
	NetTotal        int64     `json:"net_total"`
	AverageRateBps  int64     `json:"average_rate_bps"`
}

// Fold accumulates one transaction into the summary.
func (s *Summary) Fold(t Transaction) {
	s.Count++
	s.GrossTotal += t.GrossAmount
	s.CommissionTotal += t.CommissionAmount
	s.NetTotal += t.NetAmount
	if s.GrossTotal > 0 {
		s.AverageRateBps = (s.CommissionTotal*10000 + s.GrossTotal/2) / s.GrossTotal
	}
}

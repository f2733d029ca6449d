// Package audit defines the append-only trail recorded alongside every job
// and commission state change.
package audit

import (
	"encoding/json"
	"time"
)

// Action identifies what an audit entry records.
type Action string

// Job lifecycle actions.
const (
	ActionJobCreated          Action = "job.created"
	ActionQuoteAccepted       Action = "job.quote_accepted"
	ActionEscrowDeposited     Action = "job.escrow_deposited"
	ActionProgressRecorded    Action = "job.progress_recorded"
	ActionCompletionRequested Action = "job.completion_requested"
	ActionCompletionConfirmed Action = "job.completion_confirmed"
	ActionDisputeOpened       Action = "job.dispute_opened"
	ActionDisputeResolved     Action = "job.dispute_resolved"
)

// Commission transaction actions.
const (
	ActionCommissionCalculated Action = "commission.calculated"
	ActionCommissionDeducted   Action = "commission.deducted"
	ActionCommissionPaidOut    Action = "commission.paid_out"
	ActionCommissionDisputed   Action = "commission.disputed"
	ActionCommissionRefunded   Action = "commission.refunded"
	ActionCommissionRecomputed Action = "commission.recomputed"
)

// Entry is one immutable audit record. The store assigns Sequence at commit
// time; within one entity the sequence totally orders the trail.
type Entry struct {
	ID        string          `json:"id"`
	EntityID  string          `json:"entity_id"`
	Action    Action          `json:"action"`
	ActorID   string          `json:"actor_id"`
	Automated bool            `json:"automated"`
	PrevState json.RawMessage `json:"prev_state,omitempty"`
	NewState  json.RawMessage `json:"new_state,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Snapshot serializes a state value for a PrevState or NewState field. A
// value that cannot marshal is recorded as null rather than failing the
// mutation that carries it.
func Snapshot(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

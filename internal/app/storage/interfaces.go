package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/job"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a persistence failure. When it is returned from an
// audited mutation the caller must treat the mutation as not committed.
type StorageError struct {
	Op    string
	Cause error
}

// Error implements error.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *StorageError) Unwrap() error { return e.Cause }

// Mutation bundles a state change with its audit entries. Stores persist the
// whole bundle atomically: either every non-nil element is recorded, or none
// is. Audit entries are assigned their sequence numbers on commit.
type Mutation struct {
	Job         *job.Lifecycle
	Transaction *commission.Transaction
	Entries     []audit.Entry
}

// JobStore persists job lifecycles. Lifecycles are archived, never deleted.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Lifecycle) (job.Lifecycle, error)
	GetJob(ctx context.Context, id string) (job.Lifecycle, error)
	ListJobsByActor(ctx context.Context, actorID string) ([]job.Lifecycle, error)
}

// CommissionStore persists commission transactions.
type CommissionStore interface {
	GetTransaction(ctx context.Context, id string) (commission.Transaction, error)
	GetTransactionByJob(ctx context.Context, jobID string) (commission.Transaction, error)
	// ListTransactions returns an actor's transactions created within the
	// closed range [from, to], ordered by creation time.
	ListTransactions(ctx context.Context, actorID string, from, to time.Time) ([]commission.Transaction, error)
	// ListTransactionActors returns the distinct actors with transactions
	// created within the closed range [from, to].
	ListTransactionActors(ctx context.Context, from, to time.Time) ([]string, error)
}

// AuditStore persists the append-only trail. Entries are write-once; no
// update or delete exists.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	// ListAuditEntries returns every entry for the entity ordered by
	// timestamp then sequence. Re-reading yields the same prefix plus any
	// new suffix.
	ListAuditEntries(ctx context.Context, entityID string) ([]audit.Entry, error)
}

// MutationStore applies state mutations together with their audit entries.
type MutationStore interface {
	Apply(ctx context.Context, m Mutation) (Mutation, error)
}

// Store is the full persistence surface the services wire against.
type Store interface {
	JobStore
	CommissionStore
	AuditStore
	MutationStore
}

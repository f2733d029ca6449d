package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/storage"
)

// ReplayResult is the state reconstructed from the audit trail alone.
type ReplayResult struct {
	Job         job.Lifecycle
	Transaction *commission.Transaction
	Entries     int
}

// Replay rebuilds the job (and, when one exists, its commission transaction)
// from the audit trail, without reading the live records. Support tooling
// uses this to verify that the trail and the stores agree.
func (s *Service) Replay(ctx context.Context, jobID string) (ReplayResult, error) {
	jobEntries, err := s.store.ListAuditEntries(ctx, jobID)
	if err != nil {
		return ReplayResult{}, err
	}
	if len(jobEntries) == 0 {
		return ReplayResult{}, storage.ErrNotFound
	}

	var result ReplayResult
	for _, entry := range jobEntries {
		var snapshot job.Lifecycle
		if err := json.Unmarshal(entry.NewState, &snapshot); err != nil {
			return ReplayResult{}, errors.New("audit entry " + entry.ID + " holds an unreadable job snapshot")
		}
		result.Job = snapshot
	}
	result.Entries = len(jobEntries)

	tx, err := s.store.GetTransactionByJob(ctx, jobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return result, nil
	case err != nil:
		return ReplayResult{}, err
	}

	txEntries, err := s.store.ListAuditEntries(ctx, tx.ID)
	if err != nil {
		return ReplayResult{}, err
	}
	sort.SliceStable(txEntries, func(i, k int) bool { return txEntries[i].Sequence < txEntries[k].Sequence })
	var replayed commission.Transaction
	for _, entry := range txEntries {
		var snapshot commission.Transaction
		if err := json.Unmarshal(entry.NewState, &snapshot); err != nil {
			return ReplayResult{}, errors.New("audit entry " + entry.ID + " holds an unreadable transaction snapshot")
		}
		replayed = snapshot
	}
	if len(txEntries) > 0 {
		result.Transaction = &replayed
		result.Entries += len(txEntries)
	}
	return result, nil
}

// Trail returns the raw audit entries for a job, ordered as written.
func (s *Service) Trail(ctx context.Context, jobID string) ([]audit.Entry, error) {
	return s.store.ListAuditEntries(ctx, jobID)
}

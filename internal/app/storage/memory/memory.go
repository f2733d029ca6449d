package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu                sync.RWMutex
	nextID            int64
	nextSeq           int64
	jobs              map[string]job.Lifecycle
	transactions      map[string]commission.Transaction
	transactionsByJob map[string]string
	auditEntries      map[string][]audit.Entry
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:            1,
		jobs:              make(map[string]job.Lifecycle),
		transactions:      make(map[string]commission.Transaction),
		transactionsByJob: make(map[string]string),
		auditEntries:      make(map[string][]audit.Entry),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// JobStore implementation ----------------------------------------------------

func (s *Store) CreateJob(_ context.Context, j job.Lifecycle) (job.Lifecycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = s.nextIDLocked()
	} else if _, exists := s.jobs[j.ID]; exists {
		return job.Lifecycle{}, &storage.StorageError{Op: "create job", Cause: fmt.Errorf("job %s already exists", j.ID)}
	}

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.StageTimes = cloneTimes(j.StageTimes)

	s.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Lifecycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Lifecycle{}, storage.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobsByActor(_ context.Context, actorID string) ([]job.Lifecycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []job.Lifecycle
	for _, j := range s.jobs {
		if j.CustomerID == actorID || j.ProviderID == actorID {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

// CommissionStore implementation ---------------------------------------------

func (s *Store) GetTransaction(_ context.Context, id string) (commission.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return commission.Transaction{}, storage.ErrNotFound
	}
	return tx, nil
}

func (s *Store) GetTransactionByJob(_ context.Context, jobID string) (commission.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionsByJob[jobID]
	if !ok {
		return commission.Transaction{}, storage.ErrNotFound
	}
	return s.transactions[id], nil
}

func (s *Store) ListTransactions(_ context.Context, actorID string, from, to time.Time) ([]commission.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []commission.Transaction
	for _, tx := range s.transactions {
		if tx.ActorID != actorID {
			continue
		}
		if tx.CreatedAt.Before(from) || tx.CreatedAt.After(to) {
			continue
		}
		result = append(result, tx)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

func (s *Store) ListTransactionActors(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, tx := range s.transactions {
		if tx.CreatedAt.Before(from) || tx.CreatedAt.After(to) {
			continue
		}
		seen[tx.ActorID] = true
	}
	actors := make([]string, 0, len(seen))
	for actorID := range seen {
		actors = append(actors, actorID)
	}
	sort.Strings(actors)
	return actors, nil
}

// AuditStore implementation --------------------------------------------------

func (s *Store) AppendAuditEntry(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditLocked(entry), nil
}

func (s *Store) ListAuditEntries(_ context.Context, entityID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.auditEntries[entityID]
	result := make([]audit.Entry, len(entries))
	copy(result, entries)
	return result, nil
}

func (s *Store) appendAuditLocked(entry audit.Entry) audit.Entry {
	s.nextSeq++
	entry.Sequence = s.nextSeq
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("audit-%d", s.nextSeq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.auditEntries[entry.EntityID] = append(s.auditEntries[entry.EntityID], entry)
	return entry
}

// MutationStore implementation -----------------------------------------------

// Apply commits the whole mutation under one lock so concurrent readers
// never observe a half-applied state change.
func (s *Store) Apply(_ context.Context, m storage.Mutation) (storage.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Job != nil {
		if _, ok := s.jobs[m.Job.ID]; !ok {
			return storage.Mutation{}, &storage.StorageError{Op: "apply mutation", Cause: fmt.Errorf("job %s not found", m.Job.ID)}
		}
	}

	now := time.Now().UTC()
	if m.Job != nil {
		j := *m.Job
		j.UpdatedAt = now
		j.StageTimes = cloneTimes(j.StageTimes)
		s.jobs[j.ID] = j
		updated := cloneJob(j)
		m.Job = &updated
	}
	if m.Transaction != nil {
		tx := *m.Transaction
		if tx.ID == "" {
			tx.ID = s.nextIDLocked()
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.UpdatedAt = now
		s.transactions[tx.ID] = tx
		s.transactionsByJob[tx.JobID] = tx.ID
		m.Transaction = &tx
	}
	for i := range m.Entries {
		m.Entries[i] = s.appendAuditLocked(m.Entries[i])
	}
	return m, nil
}

func cloneJob(j job.Lifecycle) job.Lifecycle {
	j.StageTimes = cloneTimes(j.StageTimes)
	return j
}

func cloneTimes(src map[string]time.Time) map[string]time.Time {
	if src == nil {
		return nil
	}
	dst := make(map[string]time.Time, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/storage"
)

func TestJobStore(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateJob(ctx, job.Lifecycle{
		CustomerID: "c1",
		ProviderID: "p1",
		Stage:      job.StageContactRevealed,
		Currency:   "USD",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if created.ID == "" {
		t.Fatal("id not assigned")
	}

	got, err := store.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.CustomerID != "c1" || got.Stage != job.StageContactRevealed {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	// Mutating the returned copy must not touch the stored record.
	got.Stage = job.StageCompleted
	again, _ := store.GetJob(ctx, created.ID)
	if again.Stage != job.StageContactRevealed {
		t.Fatal("store returned a shared reference")
	}

	byActor, err := store.ListJobsByActor(ctx, "p1")
	if err != nil || len(byActor) != 1 {
		t.Fatalf("list by actor: %v (%d jobs)", err, len(byActor))
	}
}

func TestApplyIsAtomic(t *testing.T) {
	store := New()
	ctx := context.Background()

	j, err := store.CreateJob(ctx, job.Lifecycle{CustomerID: "c1", ProviderID: "p1", Stage: job.StageEscrowPending})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	j.Stage = job.StageEscrowDeposited
	tx := commission.Transaction{JobID: j.ID, ActorID: "p1", GrossAmount: 15000, RateBps: 1000, Status: commission.StatusCalculated}
	tx.Apply()

	applied, err := store.Apply(ctx, storage.Mutation{
		Job:         &j,
		Transaction: &tx,
		Entries: []audit.Entry{
			{EntityID: j.ID, Action: audit.ActionEscrowDeposited, ActorID: "c1"},
			{EntityID: "pending", Action: audit.ActionCommissionCalculated, ActorID: "system", Automated: true},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.Transaction.ID == "" {
		t.Fatal("transaction id not assigned")
	}
	if applied.Entries[0].Sequence == 0 || applied.Entries[1].Sequence <= applied.Entries[0].Sequence {
		t.Fatalf("sequences not monotonic: %d, %d", applied.Entries[0].Sequence, applied.Entries[1].Sequence)
	}

	byJob, err := store.GetTransactionByJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get transaction by job: %v", err)
	}
	if byJob.GrossAmount != 15000 {
		t.Fatalf("gross = %d", byJob.GrossAmount)
	}

	// A mutation against a missing job commits nothing.
	bogus := job.Lifecycle{ID: "missing", Stage: job.StageInProgress}
	_, err = store.Apply(ctx, storage.Mutation{
		Job:     &bogus,
		Entries: []audit.Entry{{EntityID: "missing", Action: audit.ActionProgressRecorded}},
	})
	var storageErr *storage.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("want StorageError, got %v", err)
	}
	entries, _ := store.ListAuditEntries(ctx, "missing")
	if len(entries) != 0 {
		t.Fatal("audit entry committed for a failed mutation")
	}
}

func TestAuditTrailOrdering(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.AppendAuditEntry(ctx, audit.Entry{EntityID: "e1", Action: audit.ActionProgressRecorded}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, err := store.ListAuditEntries(ctx, "e1")
	if err != nil || len(first) != 5 {
		t.Fatalf("list: %v (%d entries)", err, len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i].Sequence <= first[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}

	// Re-reading yields the same prefix plus the new suffix.
	if _, err := store.AppendAuditEntry(ctx, audit.Entry{EntityID: "e1", Action: audit.ActionProgressRecorded}); err != nil {
		t.Fatalf("append: %v", err)
	}
	second, _ := store.ListAuditEntries(ctx, "e1")
	if len(second) != 6 {
		t.Fatalf("want 6 entries, got %d", len(second))
	}
	for i := range first {
		if second[i].ID != first[i].ID {
			t.Fatalf("prefix changed at %d", i)
		}
	}
}

func TestListTransactions(t *testing.T) {
	store := New()
	ctx := context.Background()

	j, _ := store.CreateJob(ctx, job.Lifecycle{CustomerID: "c1", ProviderID: "p1", Stage: job.StageEscrowPending})
	tx := commission.Transaction{JobID: j.ID, ActorID: "p1", GrossAmount: 1000, RateBps: 500, Status: commission.StatusCalculated}
	tx.Apply()
	if _, err := store.Apply(ctx, storage.Mutation{Transaction: &tx}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	from := time.Now().Add(-time.Minute)
	to := time.Now().Add(time.Minute)
	txs, err := store.ListTransactions(ctx, "p1", from, to)
	if err != nil || len(txs) != 1 {
		t.Fatalf("list transactions: %v (%d)", err, len(txs))
	}

	actors, err := store.ListTransactionActors(ctx, from, to)
	if err != nil || len(actors) != 1 || actors[0] != "p1" {
		t.Fatalf("list actors: %v (%v)", err, actors)
	}

	if txs, _ := store.ListTransactions(ctx, "p1", to, to.Add(time.Hour)); len(txs) != 0 {
		t.Fatal("range filter not applied")
	}
}

package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/storage"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	created, err := store.CreateJob(ctx, job.Lifecycle{
		RequestID:  "req-int-1",
		CustomerID: "cust-int-1",
		ProviderID: "prov-int-1",
		Stage:      job.StageContactRevealed,
		Currency:   "USD",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Job update, transaction insert, and audit append land in one
	// transaction through Apply.
	funded := created
	funded.Stage = job.StageEscrowDeposited
	funded.EscrowAmount = 15000
	tx := commission.Transaction{
		JobID:            created.ID,
		ActorID:          "prov-int-1",
		GrossAmount:      15000,
		RateBps:          1000,
		Tier:             "standard",
		CommissionAmount: 1500,
		NetAmount:        13500,
		Currency:         "USD",
		Status:           commission.StatusCalculated,
		Version:          1,
	}
	committed, err := store.Apply(ctx, storage.Mutation{
		Job:         &funded,
		Transaction: &tx,
		Entries: []audit.Entry{{
			EntityID:  created.ID,
			Action:    audit.ActionEscrowDeposited,
			ActorID:   "cust-int-1",
			Timestamp: time.Now().UTC(),
		}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if committed.Entries[0].Sequence == 0 {
		t.Fatal("audit sequence not assigned")
	}

	got, err := store.GetTransactionByJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if got.NetAmount != 13500 || got.Status != commission.StatusCalculated {
		t.Fatalf("transaction = %+v", got)
	}

	jobs, err := store.ListJobsByActor(ctx, "cust-int-1")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) == 0 || jobs[len(jobs)-1].Stage != job.StageEscrowDeposited {
		t.Fatalf("jobs = %+v", jobs)
	}

	entries, err := store.ListAuditEntries(ctx, created.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries")
	}
}

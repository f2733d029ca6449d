package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables if they do not exist. Audit entries get a
// BIGSERIAL sequence so the trail has a total order even within one
// timestamp tick.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			request_id    TEXT NOT NULL DEFAULT '',
			customer_id   TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			stage         TEXT NOT NULL,
			escrow_amount BIGINT NOT NULL DEFAULT 0,
			currency      TEXT NOT NULL DEFAULT '',
			rating        INT NOT NULL DEFAULT 0,
			stage_times   JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS commission_transactions (
			id                TEXT PRIMARY KEY,
			job_id            TEXT NOT NULL REFERENCES jobs(id),
			actor_id          TEXT NOT NULL,
			gross_amount      BIGINT NOT NULL,
			rate_bps          BIGINT NOT NULL,
			tier              TEXT NOT NULL DEFAULT '',
			commission_amount BIGINT NOT NULL,
			net_amount        BIGINT NOT NULL,
			currency          TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			version           INT NOT NULL DEFAULT 1,
			payout_reference  TEXT NOT NULL DEFAULT '',
			dispute_id        TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS commission_transactions_job_idx
			ON commission_transactions (job_id);
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			action     TEXT NOT NULL,
			actor_id   TEXT NOT NULL,
			automated  BOOLEAN NOT NULL,
			prev_state JSONB,
			new_state  JSONB,
			reason     TEXT NOT NULL DEFAULT '',
			ts         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS audit_entries_entity_idx
			ON audit_entries (entity_id, ts, seq);
	`)
	return err
}

// --- JobStore ---------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Lifecycle) (job.Lifecycle, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	stageTimes, err := json.Marshal(j.StageTimes)
	if err != nil {
		return job.Lifecycle{}, &storage.StorageError{Op: "create job", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, request_id, customer_id, provider_id, stage, escrow_amount, currency, rating, stage_times, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ID, j.RequestID, j.CustomerID, j.ProviderID, j.Stage.String(), j.EscrowAmount, j.Currency, j.Rating, stageTimes, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return job.Lifecycle{}, &storage.StorageError{Op: "create job", Cause: err}
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Lifecycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, customer_id, provider_id, stage, escrow_amount, currency, rating, stage_times, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`, id)
	return scanJob(row)
}

func (s *Store) ListJobsByActor(ctx context.Context, actorID string) ([]job.Lifecycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, customer_id, provider_id, stage, escrow_amount, currency, rating, stage_times, created_at, updated_at
		FROM jobs
		WHERE customer_id = $1 OR provider_id = $1
		ORDER BY created_at
	`, actorID)
	if err != nil {
		return nil, &storage.StorageError{Op: "list jobs", Cause: err}
	}
	defer rows.Close()

	var result []job.Lifecycle
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Lifecycle, error) {
	var (
		j        job.Lifecycle
		stage    string
		timesRaw []byte
	)
	err := row.Scan(&j.ID, &j.RequestID, &j.CustomerID, &j.ProviderID, &stage, &j.EscrowAmount, &j.Currency, &j.Rating, &timesRaw, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Lifecycle{}, storage.ErrNotFound
	}
	if err != nil {
		return job.Lifecycle{}, &storage.StorageError{Op: "scan job", Cause: err}
	}
	j.Stage = job.ParseStage(stage)
	if len(timesRaw) > 0 {
		_ = json.Unmarshal(timesRaw, &j.StageTimes)
	}
	return j, nil
}

// --- CommissionStore --------------------------------------------------------

const txColumns = `id, job_id, actor_id, gross_amount, rate_bps, tier, commission_amount, net_amount, currency, status, version, payout_reference, dispute_id, created_at, updated_at`

func (s *Store) GetTransaction(ctx context.Context, id string) (commission.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM commission_transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (s *Store) GetTransactionByJob(ctx context.Context, jobID string) (commission.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM commission_transactions WHERE job_id = $1
	`, jobID)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, actorID string, from, to time.Time) ([]commission.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM commission_transactions
		WHERE actor_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at
	`, actorID, from, to)
	if err != nil {
		return nil, &storage.StorageError{Op: "list transactions", Cause: err}
	}
	defer rows.Close()

	var result []commission.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) ListTransactionActors(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT actor_id
		FROM commission_transactions
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY actor_id
	`, from, to)
	if err != nil {
		return nil, &storage.StorageError{Op: "list transaction actors", Cause: err}
	}
	defer rows.Close()

	var actors []string
	for rows.Next() {
		var actorID string
		if err := rows.Scan(&actorID); err != nil {
			return nil, &storage.StorageError{Op: "scan transaction actor", Cause: err}
		}
		actors = append(actors, actorID)
	}
	return actors, rows.Err()
}

func scanTransaction(row rowScanner) (commission.Transaction, error) {
	var (
		tx     commission.Transaction
		status string
	)
	err := row.Scan(&tx.ID, &tx.JobID, &tx.ActorID, &tx.GrossAmount, &tx.RateBps, &tx.Tier, &tx.CommissionAmount, &tx.NetAmount, &tx.Currency, &status, &tx.Version, &tx.PayoutReference, &tx.DisputeID, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return commission.Transaction{}, storage.ErrNotFound
	}
	if err != nil {
		return commission.Transaction{}, &storage.StorageError{Op: "scan transaction", Cause: err}
	}
	tx.Status = commission.ParseStatus(status)
	return tx, nil
}

// --- AuditStore -------------------------------------------------------------

func (s *Store) AppendAuditEntry(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	var err error
	entry, err = appendAudit(ctx, s.db, entry)
	if err != nil {
		return audit.Entry{}, &storage.StorageError{Op: "append audit entry", Cause: err}
	}
	return entry, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, entityID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, entity_id, action, actor_id, automated, prev_state, new_state, reason, ts
		FROM audit_entries
		WHERE entity_id = $1
		ORDER BY ts, seq
	`, entityID)
	if err != nil {
		return nil, &storage.StorageError{Op: "list audit entries", Cause: err}
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			entry  audit.Entry
			action string
		)
		if err := rows.Scan(&entry.Sequence, &entry.ID, &entry.EntityID, &action, &entry.ActorID, &entry.Automated, &entry.PrevState, &entry.NewState, &entry.Reason, &entry.Timestamp); err != nil {
			return nil, &storage.StorageError{Op: "scan audit entry", Cause: err}
		}
		entry.Action = audit.Action(action)
		result = append(result, entry)
	}
	return result, rows.Err()
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendAudit(ctx context.Context, db execer, entry audit.Entry) (audit.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (id, entity_id, action, actor_id, automated, prev_state, new_state, reason, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, entry.ID, entry.EntityID, string(entry.Action), entry.ActorID, entry.Automated, nullableJSON(entry.PrevState), nullableJSON(entry.NewState), entry.Reason, entry.Timestamp).Scan(&entry.Sequence)
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- MutationStore ----------------------------------------------------------

// Apply commits the job update, the transaction upsert, and the audit
// entries in one database transaction. A failure anywhere rolls the whole
// mutation back.
func (s *Store) Apply(ctx context.Context, m storage.Mutation) (storage.Mutation, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Mutation{}, &storage.StorageError{Op: "begin mutation", Cause: err}
	}
	defer dbtx.Rollback()

	now := time.Now().UTC()

	if m.Job != nil {
		j := *m.Job
		j.UpdatedAt = now
		stageTimes, err := json.Marshal(j.StageTimes)
		if err != nil {
			return storage.Mutation{}, &storage.StorageError{Op: "apply mutation", Cause: err}
		}
		result, err := dbtx.ExecContext(ctx, `
			UPDATE jobs
			SET stage = $2, escrow_amount = $3, rating = $4, stage_times = $5, updated_at = $6
			WHERE id = $1
		`, j.ID, j.Stage.String(), j.EscrowAmount, j.Rating, stageTimes, j.UpdatedAt)
		if err != nil {
			return storage.Mutation{}, &storage.StorageError{Op: "apply mutation: job", Cause: err}
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.Mutation{}, &storage.StorageError{Op: "apply mutation: job", Cause: storage.ErrNotFound}
		}
		m.Job = &j
	}

	if m.Transaction != nil {
		tx := *m.Transaction
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.UpdatedAt = now
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO commission_transactions (`+txColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE
			SET gross_amount = EXCLUDED.gross_amount,
			    rate_bps = EXCLUDED.rate_bps,
			    tier = EXCLUDED.tier,
			    commission_amount = EXCLUDED.commission_amount,
			    net_amount = EXCLUDED.net_amount,
			    status = EXCLUDED.status,
			    version = EXCLUDED.version,
			    payout_reference = EXCLUDED.payout_reference,
			    dispute_id = EXCLUDED.dispute_id,
			    updated_at = EXCLUDED.updated_at
		`, tx.ID, tx.JobID, tx.ActorID, tx.GrossAmount, tx.RateBps, tx.Tier, tx.CommissionAmount, tx.NetAmount, tx.Currency, tx.Status.String(), tx.Version, tx.PayoutReference, tx.DisputeID, tx.CreatedAt, tx.UpdatedAt)
		if err != nil {
			return storage.Mutation{}, &storage.StorageError{Op: "apply mutation: transaction", Cause: err}
		}
		m.Transaction = &tx
	}

	for i := range m.Entries {
		entry, err := appendAudit(ctx, dbtx, m.Entries[i])
		if err != nil {
			return storage.Mutation{}, &storage.StorageError{Op: "apply mutation: audit", Cause: err}
		}
		m.Entries[i] = entry
	}

	if err := dbtx.Commit(); err != nil {
		return storage.Mutation{}, &storage.StorageError{Op: "commit mutation", Cause: err}
	}
	return m, nil
}

// Package commission implements the commission engine: calculation,
// deduction, payout, dispute handling, and per-actor summaries. Every status
// transition commits together with exactly one audit entry, and gateway
// failures leave the transaction status unchanged so callers can retry.
package commission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/event"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/metrics"
	"github.com/taskvine/jobcore/internal/app/storage"
	"github.com/taskvine/jobcore/pkg/logger"
)

// RatePolicy supplies the currently effective commission rate for an actor.
// It is an external collaborator; this core trusts its answer at calculation
// time and never re-reads it for an existing transaction.
type RatePolicy interface {
	RateFor(ctx context.Context, actorID, actorType string) (commission.Rate, error)
}

// PaymentGateway performs the actual funds movement. Operations are
// idempotent by transaction id, so a retry after an ambiguous failure is
// safe.
type PaymentGateway interface {
	Deduct(ctx context.Context, transactionID string, amount int64, currency string) error
	Payout(ctx context.Context, transactionID, target string, amount int64, currency string) (reference string, err error)
	Refund(ctx context.Context, transactionID, target string, amount int64, currency string) (reference string, err error)
}

// GatewayError wraps a payment-gateway failure or timeout. The transaction's
// status is unchanged when it is returned; the caller can retry with the
// same transaction id.
type GatewayError struct {
	TransactionID string
	Status        commission.Status
	Cause         error
}

// Error implements error.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: transaction %s (status %s): %v", e.TransactionID, e.Status, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *GatewayError) Unwrap() error { return e.Cause }

// Emitter re-broadcasts committed payment events to topic subscribers.
type Emitter interface {
	Emit(evt event.Event)
}

// Service is the commission engine.
type Service struct {
	store   storage.Store
	rates   RatePolicy
	gateway PaymentGateway
	emitter Emitter
	log     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a commission engine.
func New(store storage.Store, rates RatePolicy, gateway PaymentGateway, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("commission")
	}
	return &Service{
		store:   store,
		rates:   rates,
		gateway: gateway,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// AttachEmitter wires the outbound event emitter. Call before serving.
func (s *Service) AttachEmitter(emitter Emitter) {
	s.emitter = emitter
}

// lockTransaction serializes status transitions per transaction id.
func (s *Service) lockTransaction(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// CalculationInput describes a payable event awaiting commission.
type CalculationInput struct {
	JobID       string
	ActorID     string
	ActorType   string
	GrossAmount int64
	Currency    string
}

// Calculate computes a new transaction in calculated status. It looks up the
// rate but does not persist; the caller commits the transaction atomically
// with the state change that made it payable. Deterministic given the gross
// amount and rate: the amounts of a transaction id are computed exactly once.
func (s *Service) Calculate(ctx context.Context, in CalculationInput) (commission.Transaction, error) {
	if in.GrossAmount <= 0 {
		return commission.Transaction{}, fmt.Errorf("gross amount must be positive, got %d", in.GrossAmount)
	}
	rate, err := s.rates.RateFor(ctx, in.ActorID, in.ActorType)
	if err != nil {
		return commission.Transaction{}, fmt.Errorf("rate lookup for %s: %w", in.ActorID, err)
	}

	tx := commission.Transaction{
		ID:          uuid.NewString(),
		JobID:       in.JobID,
		ActorID:     in.ActorID,
		GrossAmount: in.GrossAmount,
		RateBps:     rate.Bps,
		Tier:        rate.Tier,
		Currency:    in.Currency,
		Status:      commission.StatusCalculated,
		Version:     1,
	}
	tx.Apply()
	return tx, nil
}

// Deduct takes the platform's share from the gross amount. Valid only while
// the transaction is in calculated status. The gateway call happens first;
// only a successful call commits the status change, so a gateway failure or
// timeout is always safe to retry.
func (s *Service) Deduct(ctx context.Context, transactionID string) (int64, error) {
	lock := s.lockTransaction(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return 0, err
	}
	if tx.Status != commission.StatusCalculated {
		return 0, commission.InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: commission.StatusDeducted}
	}

	if err := s.gateway.Deduct(ctx, tx.ID, tx.CommissionAmount, tx.Currency); err != nil {
		return 0, &GatewayError{TransactionID: tx.ID, Status: tx.Status, Cause: err}
	}

	prev := tx
	tx.Status = commission.StatusDeducted
	if err := s.commit(ctx, prev, tx, audit.ActionCommissionDeducted, "system", true, ""); err != nil {
		return 0, err
	}

	metrics.RecordCommissionTransition(commission.StatusDeducted.String())
	s.emitPayment(event.KindCommissionDeducted, tx, "")
	s.log.Infof("transaction %s deducted: commission %d, net %d", tx.ID, tx.CommissionAmount, tx.NetAmount)
	return tx.NetAmount, nil
}

// Payout releases the net amount to the payout target. Valid only from
// deducted status.
func (s *Service) Payout(ctx context.Context, transactionID, payoutTarget string) (string, error) {
	lock := s.lockTransaction(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if tx.Status != commission.StatusDeducted {
		return "", commission.InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: commission.StatusPaidOut}
	}

	ref, err := s.gateway.Payout(ctx, tx.ID, payoutTarget, tx.NetAmount, tx.Currency)
	if err != nil {
		return "", &GatewayError{TransactionID: tx.ID, Status: tx.Status, Cause: err}
	}

	prev := tx
	tx.Status = commission.StatusPaidOut
	tx.PayoutReference = ref
	if err := s.commit(ctx, prev, tx, audit.ActionCommissionPaidOut, "system", true, ""); err != nil {
		return "", err
	}

	metrics.RecordCommissionTransition(commission.StatusPaidOut.String())
	s.emitPayment(event.KindPaymentReleased, tx, ref)
	s.log.Infof("transaction %s paid out: net %d, ref %s", tx.ID, tx.NetAmount, ref)
	return ref, nil
}

// Dispute freezes the transaction so no further automatic deduction or
// payout occurs. Reachable from calculated, deducted, or paid_out.
func (s *Service) Dispute(ctx context.Context, transactionID, actorID, reason string) (string, error) {
	lock := s.lockTransaction(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if !commission.CanTransition(tx.Status, commission.StatusDisputed) {
		return "", commission.InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: commission.StatusDisputed}
	}

	prev := tx
	tx.Status = commission.StatusDisputed
	tx.DisputeID = uuid.NewString()
	if err := s.commit(ctx, prev, tx, audit.ActionCommissionDisputed, actorID, false, reason); err != nil {
		return "", err
	}

	metrics.RecordCommissionTransition(commission.StatusDisputed.String())
	s.log.Warnf("transaction %s frozen by dispute %s: %s", tx.ID, tx.DisputeID, reason)
	return tx.DisputeID, nil
}

// Freeze prepares the dispute freeze without committing it. The returned
// transaction and audit entry are meant to be applied atomically with the
// state change that opened the dispute; Dispute commits the same freeze on
// its own when no surrounding mutation exists.
func (s *Service) Freeze(ctx context.Context, transactionID, actorID, reason string) (commission.Transaction, audit.Entry, error) {
	lock := s.lockTransaction(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return commission.Transaction{}, audit.Entry{}, err
	}
	if !commission.CanTransition(tx.Status, commission.StatusDisputed) {
		return commission.Transaction{}, audit.Entry{}, commission.InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: commission.StatusDisputed}
	}

	prev := tx
	tx.Status = commission.StatusDisputed
	tx.DisputeID = uuid.NewString()
	return tx, audit.Entry{
		EntityID:  tx.ID,
		Action:    audit.ActionCommissionDisputed,
		ActorID:   actorID,
		PrevState: audit.Snapshot(prev),
		NewState:  audit.Snapshot(tx),
		Reason:    reason,
	}, nil
}

// Resolve applies a human dispute resolution: a settlement resumes the
// payout of the provider's share, a refund returns funds to the customer.
// The moved amount must not exceed the transaction's original gross amount.
func (s *Service) Resolve(ctx context.Context, transactionID string, resolution job.Resolution) (string, error) {
	lock := s.lockTransaction(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if tx.Status != commission.StatusDisputed {
		return "", commission.InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: commission.StatusRefunded}
	}
	if resolution.ResolvedBy == "" {
		return "", fmt.Errorf("transaction %s: dispute resolution requires a human resolver", tx.ID)
	}
	amount := resolution.Amount
	if amount == 0 {
		amount = tx.GrossAmount
	}
	if amount > tx.GrossAmount {
		return "", fmt.Errorf("transaction %s: resolution amount %d exceeds original gross %d", tx.ID, amount, tx.GrossAmount)
	}

	prev := tx
	var ref string
	switch resolution.Outcome {
	case job.ResolutionSettle:
		ref, err = s.gateway.Payout(ctx, tx.ID, tx.ActorID, tx.NetAmount, tx.Currency)
		if err != nil {
			return "", &GatewayError{TransactionID: tx.ID, Status: tx.Status, Cause: err}
		}
		tx.Status = commission.StatusPaidOut
		tx.PayoutReference = ref
	case job.ResolutionRefund:
		ref, err = s.gateway.Refund(ctx, tx.ID, tx.ActorID, amount, tx.Currency)
		if err != nil {
			return "", &GatewayError{TransactionID: tx.ID, Status: tx.Status, Cause: err}
		}
		tx.Status = commission.StatusRefunded
		tx.PayoutReference = ref
	default:
		return "", fmt.Errorf("transaction %s: unknown resolution outcome %q", tx.ID, resolution.Outcome)
	}

	action := audit.ActionCommissionPaidOut
	if tx.Status == commission.StatusRefunded {
		action = audit.ActionCommissionRefunded
	}
	if err := s.commit(ctx, prev, tx, action, resolution.ResolvedBy, false, resolution.Note); err != nil {
		return "", err
	}

	metrics.RecordCommissionTransition(tx.Status.String())
	s.log.Infof("transaction %s dispute resolved as %s by %s", tx.ID, resolution.Outcome, resolution.ResolvedBy)
	return ref, nil
}

// Recompute recalculates a transaction's amounts under a new rate. It is the
// only path that changes amounts after calculation, and it is explicitly
// versioned: the previous breakdown stays in the audit trail.
func (s *Service) Recompute(ctx context.Context, transactionID string, rate commission.Rate, requestedBy, reason string) (commission.Transaction, error) {
	lock := s.lockTransaction(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return commission.Transaction{}, err
	}
	if tx.Status != commission.StatusCalculated {
		return commission.Transaction{}, commission.InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: commission.StatusCalculated}
	}

	prev := tx
	tx.RateBps = rate.Bps
	tx.Tier = rate.Tier
	tx.Version++
	tx.Apply()
	if err := s.commit(ctx, prev, tx, audit.ActionCommissionRecomputed, requestedBy, false, reason); err != nil {
		return commission.Transaction{}, err
	}
	return tx, nil
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (commission.Transaction, error) {
	return s.store.GetTransaction(ctx, transactionID)
}

// Summary aggregates an actor's transactions over the closed range
// [from, to] by folding over the stored records. It blocks on the store and
// is never served from a cache.
func (s *Service) Summary(ctx context.Context, actorID string, from, to time.Time) (commission.Summary, error) {
	txs, err := s.store.ListTransactions(ctx, actorID, from, to)
	if err != nil {
		return commission.Summary{}, err
	}
	summary := commission.Summary{ActorID: actorID, From: from, To: to}
	for _, tx := range txs {
		if err := tx.CheckBreakdown(); err != nil {
			return commission.Summary{}, err
		}
		summary.Fold(tx)
	}
	return summary, nil
}

// commit persists the status transition with exactly one audit entry. A
// storage failure means the transition did not happen.
func (s *Service) commit(ctx context.Context, prev, next commission.Transaction, action audit.Action, actorID string, automated bool, reason string) error {
	_, err := s.store.Apply(ctx, storage.Mutation{
		Transaction: &next,
		Entries: []audit.Entry{{
			EntityID:  next.ID,
			Action:    action,
			ActorID:   actorID,
			Automated: automated,
			PrevState: audit.Snapshot(prev),
			NewState:  audit.Snapshot(next),
			Reason:    reason,
		}},
	})
	var storageErr *storage.StorageError
	if errors.As(err, &storageErr) {
		s.log.WithError(err).Error("transaction mutation not committed")
	}
	return err
}

func (s *Service) emitPayment(kind event.Kind, tx commission.Transaction, ref string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(event.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Topic:     event.JobTopic(tx.JobID),
		ActorID:   tx.ActorID,
		Timestamp: time.Now().UTC(),
		Payload: &event.PaymentPayload{
			JobID:            tx.JobID,
			TransactionID:    tx.ID,
			GrossAmount:      tx.GrossAmount,
			CommissionAmount: tx.CommissionAmount,
			NetAmount:        tx.NetAmount,
			Currency:         tx.Currency,
			Status:           tx.Status.String(),
			Reference:        ref,
		},
	})
}

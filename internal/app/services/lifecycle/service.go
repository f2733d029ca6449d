// Package lifecycle implements the authoritative job state machine: contact
// reveal, escrow deposit, work progress, completion, and the dispute branch.
// Transitions on one job are serialized, commit atomically with their audit
// entries, and are re-emitted to topic subscribers only after the commit.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskvine/jobcore/internal/app/domain/audit"
	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/domain/event"
	"github.com/taskvine/jobcore/internal/app/domain/job"
	"github.com/taskvine/jobcore/internal/app/metrics"
	commissionsvc "github.com/taskvine/jobcore/internal/app/services/commission"
	"github.com/taskvine/jobcore/internal/app/storage"
	"github.com/taskvine/jobcore/pkg/logger"
)

// Emitter re-broadcasts committed state changes to topic subscribers.
type Emitter interface {
	Emit(evt event.Event)
}

// Service is the job lifecycle state machine.
type Service struct {
	store      storage.Store
	commission *commissionsvc.Service
	emitter    Emitter
	log        *logger.Logger

	locks jobLocks
}

// New constructs a lifecycle service.
func New(store storage.Store, engine *commissionsvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Service{
		store:      store,
		commission: engine,
		log:        log,
		locks:      newJobLocks(),
	}
}

// AttachEmitter wires the outbound event emitter. Call before serving.
func (s *Service) AttachEmitter(emitter Emitter) {
	s.emitter = emitter
}

// Create registers a new engagement at ContactRevealed. Called when a
// service request is accepted.
func (s *Service) Create(ctx context.Context, requestID, customerID, providerID, currency string) (job.Lifecycle, error) {
	now := time.Now().UTC()
	j := job.Lifecycle{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		CustomerID: customerID,
		ProviderID: providerID,
		Currency:   currency,
		CreatedAt:  now,
	}
	j.EnterStage(job.StageContactRevealed, now)

	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if _, err := s.store.AppendAuditEntry(ctx, audit.Entry{
		EntityID:  created.ID,
		Action:    audit.ActionJobCreated,
		ActorID:   customerID,
		Automated: true,
		NewState:  audit.Snapshot(created),
	}); err != nil {
		return job.Lifecycle{}, err
	}

	metrics.RecordJobTransition(created.Stage.String())
	s.log.Infof("job %s created for request %s", created.ID, requestID)
	return created, nil
}

// AcceptQuote moves a fresh engagement into EscrowPending once the customer
// accepts the provider's quote. The accepted amount is echoed on the quote
// event only; funds are recorded at deposit.
func (s *Service) AcceptQuote(ctx context.Context, jobID, actorID string, amount int64) (job.Lifecycle, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if !job.CanTransition(j.Stage, job.StageEscrowPending) {
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StageEscrowPending)
	}

	prev := j
	j.EnterStage(job.StageEscrowPending, time.Now().UTC())
	if err := s.commitJob(ctx, prev, j, nil, audit.Entry{
		EntityID: j.ID,
		Action:   audit.ActionQuoteAccepted,
		ActorID:  actorID,
	}); err != nil {
		return job.Lifecycle{}, err
	}

	s.emit(event.KindQuoteAccepted, j, &event.QuotePayload{
		RequestID:  j.RequestID,
		ProviderID: j.ProviderID,
		Amount:     amount,
		Currency:   j.Currency,
	}, actorID)
	return j, nil
}

// DepositEscrow records the customer's escrow deposit and creates the
// expected commission transaction in calculated status. Both commit in one
// mutation together with their audit entries.
func (s *Service) DepositEscrow(ctx context.Context, jobID string, amount int64) (job.Lifecycle, commission.Transaction, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, commission.Transaction{}, err
	}
	if j.Stage != job.StageEscrowPending {
		return job.Lifecycle{}, commission.Transaction{}, job.NewInvalidStateError(jobID, j.Stage, job.StageEscrowDeposited)
	}

	tx, err := s.commission.Calculate(ctx, commissionsvc.CalculationInput{
		JobID:       jobID,
		ActorID:     j.ProviderID,
		ActorType:   "provider",
		GrossAmount: amount,
		Currency:    j.Currency,
	})
	if err != nil {
		return job.Lifecycle{}, commission.Transaction{}, err
	}

	prev := j
	j.EscrowAmount = amount
	j.EnterStage(job.StageEscrowDeposited, time.Now().UTC())

	applied, err := s.store.Apply(ctx, storage.Mutation{
		Job:         &j,
		Transaction: &tx,
		Entries: []audit.Entry{
			{
				EntityID: j.ID,
				Action:   audit.ActionEscrowDeposited,
				ActorID:  j.CustomerID,
				PrevState: audit.Snapshot(prev),
				NewState:  audit.Snapshot(j),
			},
			{
				EntityID:  tx.ID,
				Action:    audit.ActionCommissionCalculated,
				ActorID:   "system",
				Automated: true,
				NewState:  audit.Snapshot(tx),
			},
		},
	})
	if err != nil {
		return job.Lifecycle{}, commission.Transaction{}, err
	}
	j = *applied.Job
	tx = *applied.Transaction

	metrics.RecordJobTransition(j.Stage.String())
	metrics.RecordCommissionTransition(tx.Status.String())
	s.emit(event.KindEscrowDeposited, j, &event.PaymentPayload{
		JobID:            j.ID,
		TransactionID:    tx.ID,
		GrossAmount:      tx.GrossAmount,
		CommissionAmount: tx.CommissionAmount,
		NetAmount:        tx.NetAmount,
		Currency:         tx.Currency,
		Status:           tx.Status.String(),
	}, j.CustomerID)
	s.log.Infof("job %s escrow deposited: %d %s, transaction %s", j.ID, amount, j.Currency, tx.ID)
	return j, tx, nil
}

// RecordProgress records a provider milestone. Valid from EscrowDeposited or
// InProgress; the first milestone moves the job to InProgress. Commission
// state is untouched.
func (s *Service) RecordProgress(ctx context.Context, jobID string, milestone job.Milestone) (job.Lifecycle, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if j.Stage != job.StageEscrowDeposited && j.Stage != job.StageInProgress {
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StageInProgress)
	}

	prev := j
	if j.Stage != job.StageInProgress {
		j.EnterStage(job.StageInProgress, time.Now().UTC())
		metrics.RecordJobTransition(j.Stage.String())
	}
	if err := s.commitJob(ctx, prev, j, nil, audit.Entry{
		EntityID: j.ID,
		Action:   audit.ActionProgressRecorded,
		ActorID:  j.ProviderID,
		Reason:   milestone.Label,
	}); err != nil {
		return job.Lifecycle{}, err
	}

	kind := event.KindProgressUpdated
	if milestone.Label != "" {
		kind = event.KindMilestoneReached
	}
	s.emit(kind, j, &event.ProgressPayload{
		JobID:     j.ID,
		Stage:     j.Stage.String(),
		Milestone: milestone.Label,
		Evidence:  milestone.Evidence,
	}, j.ProviderID)
	return j, nil
}

// RequestCompletion is the provider's claim that the work is done. The
// customer must confirm before any money moves.
func (s *Service) RequestCompletion(ctx context.Context, jobID string) (job.Lifecycle, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if !job.CanTransition(j.Stage, job.StagePendingCompletion) {
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StagePendingCompletion)
	}

	prev := j
	j.EnterStage(job.StagePendingCompletion, time.Now().UTC())
	if err := s.commitJob(ctx, prev, j, nil, audit.Entry{
		EntityID: j.ID,
		Action:   audit.ActionCompletionRequested,
		ActorID:  j.ProviderID,
	}); err != nil {
		return job.Lifecycle{}, err
	}

	metrics.RecordJobTransition(j.Stage.String())
	s.emit(event.KindProgressCompleted, j, &event.ProgressPayload{
		JobID: j.ID,
		Stage: j.Stage.String(),
	}, j.ProviderID)
	return j, nil
}

// ConfirmCompletion is the customer's sign-off. It triggers the commission
// deduction and the payout release, then settles the job. A gateway failure
// leaves the job at PendingCompletion and the transaction at its last
// committed status; the call is safe to retry.
func (s *Service) ConfirmCompletion(ctx context.Context, jobID string, rating int) (job.Lifecycle, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if j.Stage != job.StagePendingCompletion {
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StageCompleted)
	}
	if rating <= 0 {
		return job.Lifecycle{}, job.RatingRequiredError{JobID: jobID}
	}

	tx, err := s.store.GetTransactionByJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}

	// Each money step is gated by the transaction status, so a retry after
	// a mid-sequence failure resumes where it stopped.
	if tx.Status == commission.StatusCalculated {
		if _, err := s.commission.Deduct(ctx, tx.ID); err != nil {
			return job.Lifecycle{}, err
		}
		tx.Status = commission.StatusDeducted
	}
	if tx.Status == commission.StatusDeducted {
		if _, err := s.commission.Payout(ctx, tx.ID, j.ProviderID); err != nil {
			return job.Lifecycle{}, err
		}
	}

	prev := j
	j.Rating = rating
	j.EnterStage(job.StageCompleted, time.Now().UTC())
	if err := s.commitJob(ctx, prev, j, nil, audit.Entry{
		EntityID: j.ID,
		Action:   audit.ActionCompletionConfirmed,
		ActorID:  j.CustomerID,
	}); err != nil {
		return job.Lifecycle{}, err
	}

	metrics.RecordJobTransition(j.Stage.String())
	s.emit(event.KindProgressCompleted, j, &event.ProgressPayload{
		JobID: j.ID,
		Stage: j.Stage.String(),
	}, j.CustomerID)
	s.log.Infof("job %s completed with rating %d", j.ID, rating)
	return j, nil
}

// OpenDispute freezes the engagement. Valid from every money-holding,
// non-terminal stage; the associated commission transaction is frozen so no
// further automatic deduction or payout occurs.
func (s *Service) OpenDispute(ctx context.Context, jobID, actorID, reason string) (job.Lifecycle, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if !job.CanTransition(j.Stage, job.StageDisputed) {
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StageDisputed)
	}

	// The freeze is prepared here and committed below in the same mutation
	// as the job transition, so a storage failure never leaves a frozen
	// transaction on a non-disputed job.
	var frozen *commission.Transaction
	var freezeEntry *audit.Entry
	tx, err := s.store.GetTransactionByJob(ctx, jobID)
	switch {
	case err == nil:
		f, entry, err := s.commission.Freeze(ctx, tx.ID, actorID, reason)
		if err != nil {
			var invalid commission.InvalidStateError
			if !errors.As(err, &invalid) {
				return job.Lifecycle{}, err
			}
			// Already frozen or terminal; the job dispute proceeds.
		} else {
			frozen = &f
			freezeEntry = &entry
		}
	case errors.Is(err, storage.ErrNotFound):
		// No payable event yet; nothing to freeze.
	default:
		return job.Lifecycle{}, err
	}

	prev := j
	j.EnterStage(job.StageDisputed, time.Now().UTC())
	entries := []audit.Entry{{
		EntityID:  j.ID,
		Action:    audit.ActionDisputeOpened,
		ActorID:   actorID,
		Reason:    reason,
		PrevState: audit.Snapshot(prev),
		NewState:  audit.Snapshot(j),
	}}
	if freezeEntry != nil {
		entries = append(entries, *freezeEntry)
	}
	if _, err := s.store.Apply(ctx, storage.Mutation{
		Job:         &j,
		Transaction: frozen,
		Entries:     entries,
	}); err != nil {
		var storageErr *storage.StorageError
		if errors.As(err, &storageErr) {
			s.log.WithError(err).Error("job mutation not committed")
		}
		return job.Lifecycle{}, err
	}

	metrics.RecordJobTransition(j.Stage.String())
	if frozen != nil {
		metrics.RecordCommissionTransition(frozen.Status.String())
	}
	s.emitDispute(event.KindDisputeCreated, j, actorID, reason, "")
	s.log.Warnf("job %s disputed by %s: %s", j.ID, actorID, reason)
	return j, nil
}

// ResolveDispute applies a human resolution, settling or refunding the
// frozen funds. The resolution amount must not exceed the original escrow.
func (s *Service) ResolveDispute(ctx context.Context, jobID string, resolution job.Resolution) (job.Lifecycle, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Lifecycle{}, err
	}
	if j.Stage != job.StageDisputed {
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StageSettled)
	}

	var target job.Stage
	switch resolution.Outcome {
	case job.ResolutionSettle:
		target = job.StageSettled
	case job.ResolutionRefund:
		target = job.StageRefunded
	default:
		return job.Lifecycle{}, job.NewInvalidStateError(jobID, j.Stage, job.StageUnknown)
	}
	if resolution.Amount > j.EscrowAmount {
		return job.Lifecycle{}, errors.New("resolution amount exceeds the original escrow")
	}

	tx, err := s.store.GetTransactionByJob(ctx, jobID)
	switch {
	case err == nil:
		if _, err := s.commission.Resolve(ctx, tx.ID, resolution); err != nil {
			return job.Lifecycle{}, err
		}
	case errors.Is(err, storage.ErrNotFound):
		// Disputed before any payable event.
	default:
		return job.Lifecycle{}, err
	}

	prev := j
	j.EnterStage(target, time.Now().UTC())
	if err := s.commitJob(ctx, prev, j, nil, audit.Entry{
		EntityID: j.ID,
		Action:   audit.ActionDisputeResolved,
		ActorID:  resolution.ResolvedBy,
		Reason:   resolution.Note,
	}); err != nil {
		return job.Lifecycle{}, err
	}

	metrics.RecordJobTransition(j.Stage.String())
	s.emitDispute(event.KindDisputeResolved, j, resolution.ResolvedBy, resolution.Note, resolution.Outcome)
	s.log.Infof("job %s dispute resolved as %s by %s", j.ID, resolution.Outcome, resolution.ResolvedBy)
	return j, nil
}

// Get returns the current lifecycle record.
func (s *Service) Get(ctx context.Context, jobID string) (job.Lifecycle, error) {
	return s.store.GetJob(ctx, jobID)
}

// commitJob persists the job transition atomically with its audit entry.
// Dispute resolutions are the only human actions recorded here with a
// resolver id; everything else is attributed to the acting party.
func (s *Service) commitJob(ctx context.Context, prev, next job.Lifecycle, tx *commission.Transaction, entry audit.Entry) error {
	entry.PrevState = audit.Snapshot(prev)
	entry.NewState = audit.Snapshot(next)
	_, err := s.store.Apply(ctx, storage.Mutation{
		Job:         &next,
		Transaction: tx,
		Entries:     []audit.Entry{entry},
	})
	var storageErr *storage.StorageError
	if errors.As(err, &storageErr) {
		s.log.WithError(err).Error("job mutation not committed")
	}
	return err
}

func (s *Service) emit(kind event.Kind, j job.Lifecycle, payload event.Payload, actorID string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(event.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Topic:     event.JobTopic(j.ID),
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (s *Service) emitDispute(kind event.Kind, j job.Lifecycle, actorID, reason, resolution string) {
	if s.emitter == nil {
		return
	}
	payload := &event.DisputePayload{
		JobID:      j.ID,
		Reason:     reason,
		Status:     j.Stage.String(),
		Resolution: resolution,
	}
	now := time.Now().UTC()
	s.emitter.Emit(event.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Topic:     event.JobTopic(j.ID),
		ActorID:   actorID,
		Timestamp: now,
		Payload:   payload,
	})
	// Disputes also land on the per-actor dispute topics so both parties'
	// dashboards update without a job subscription.
	for _, actor := range []string{j.CustomerID, j.ProviderID} {
		s.emitter.Emit(event.Event{
			ID:        uuid.NewString(),
			Kind:      kind,
			Topic:     event.DisputeTopic(actor),
			ActorID:   actorID,
			Timestamp: now,
			Payload:   payload,
		})
	}
}

package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"govgate/internal/audit"
	"govgate/internal/domain"
	"govgate/internal/engine/auth"
	"govgate/internal/repo"
)

// SubmitTransaction creates a multisig transaction after admission. The required
// approval count is snapshotted from the operation type.
func (e Engine) SubmitTransaction(ctx context.Context, proposer, opType string, targets []domain.Target) (domain.MultiSigTransaction, error) {
	proposer = auth.Normalize(proposer)
	id := uuid.NewString()
	var t domain.MultiSigTransaction
	err := e.transition(ctx, audit.Entry{Type: audit.TxSubmitted, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: proposer}, func(tx *sql.Tx) error {
		var err error
		t, err = e.submitTransaction(ctx, tx, id, proposer, opType, targets)
		return err
	})
	return t, err
}

func (e Engine) submitTransaction(ctx context.Context, tx *sql.Tx, id, proposer, opType string, targets []domain.Target) (domain.MultiSigTransaction, error) {
	if proposer == "" {
		return domain.MultiSigTransaction{}, fail(ErrInvalidInput, "proposer is required")
	}
	if err := e.admit(ctx, tx, admission{
		OperationType: opType,
		Targets:       targets,
		EntityKind:    audit.EntityTransaction,
		EntityID:      id,
		Actor:         proposer,
	}); err != nil {
		return domain.MultiSigTransaction{}, err
	}
	ot, err := e.operationType(opType)
	if err != nil {
		return domain.MultiSigTransaction{}, err
	}
	now := e.now()
	t := domain.MultiSigTransaction{
		ID:                id,
		OperationType:     opType,
		Proposer:          proposer,
		Targets:           targets,
		Approvals:         []domain.Approval{},
		Vetoes:            []domain.Veto{},
		RequiredApprovals: ot.RequiredApprovals,
		State:             domain.TxProposed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if ot.Expiry.Duration > 0 {
		exp := now.Add(ot.Expiry.Duration)
		t.ExpiresAt = &exp
	}
	if err := e.Repo.InsertTransaction(ctx, tx, t); err != nil {
		return t, err
	}
	return t, e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.TxSubmitted, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: proposer,
		Payload: audit.Payload{"operation_type": opType, "targets": len(targets), "required_approvals": t.RequiredApprovals},
	})
}

// transactionState derives expiry: a transaction not yet queued or executed expires
// once its window passes.
func (e Engine) transactionState(t domain.MultiSigTransaction) domain.TransactionState {
	switch t.State {
	case domain.TxProposed, domain.TxApproved:
		if t.ExpiresAt != nil && e.now().After(*t.ExpiresAt) {
			return domain.TxExpired
		}
	}
	return t.State
}

func (e Engine) loadTransaction(ctx context.Context, tx *sql.Tx, id string) (domain.MultiSigTransaction, error) {
	t, err := e.Repo.GetTransaction(ctx, tx, id)
	if err != nil {
		return t, notFound(err, "transaction", id)
	}
	t.State = e.transactionState(t)
	return t, nil
}

func ensureTransactionLive(t domain.MultiSigTransaction) error {
	switch t.State {
	case domain.TxVetoed:
		return fail(ErrVetoed, "transaction %s", t.ID)
	case domain.TxExpired:
		return fail(ErrExpired, "transaction %s", t.ID)
	case domain.TxExecuted:
		return fail(ErrAlreadyExecuted, "transaction %s", t.ID)
	}
	return nil
}

// ApproveTransaction records an owner approval. When signatures are supplied or
// required they must recover to the owner's address over the approval digest.
func (e Engine) ApproveTransaction(ctx context.Context, owner, id, signature string) (domain.MultiSigTransaction, error) {
	owner = auth.Normalize(owner)
	var t domain.MultiSigTransaction
	err := e.transition(ctx, audit.Entry{Type: audit.TxApproved, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: owner}, func(tx *sql.Tx) error {
		var err error
		t, err = e.approveTransaction(ctx, tx, owner, id, signature, e.Config.Multisig.RequireSignatures)
		return err
	})
	return t, err
}

func (e Engine) approveTransaction(ctx context.Context, tx *sql.Tx, owner, id, signature string, requireSignature bool) (domain.MultiSigTransaction, error) {
	if !e.roster.IsOwner(owner) {
		return domain.MultiSigTransaction{}, fail(ErrNotAnOwner, "%s", owner)
	}
	t, err := e.loadTransaction(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.HasApproval(owner) {
		return t, fail(ErrDuplicateApproval, "%s on %s", owner, id)
	}
	if err := ensureTransactionLive(t); err != nil {
		return t, err
	}
	if t.State != domain.TxProposed {
		return t, fail(ErrInvalidState, "transaction %s is already %s", id, t.State)
	}
	signature = strings.TrimSpace(signature)
	if signature != "" || requireSignature {
		if signature == "" {
			return t, fail(ErrInvalidSignature, "signature required")
		}
		digest := domain.ApprovalDigest(t.ID, t.OperationType, t.Targets)
		if err := auth.Verify(owner, digest, signature); err != nil {
			return t, fail(ErrInvalidSignature, "%v", err)
		}
	}
	now := e.now()
	a := domain.Approval{Owner: owner, Signature: signature, ApprovedAt: now}
	if err := e.Repo.InsertApproval(ctx, tx, t.ID, a); err != nil {
		return t, err
	}
	t.Approvals = append(t.Approvals, a)
	if err := e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.TxApproved, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: owner,
		Payload: audit.Payload{"approvals": len(t.Approvals), "required": t.RequiredApprovals, "signed": signature != ""},
	}); err != nil {
		return t, err
	}
	if len(t.Approvals) < t.RequiredApprovals {
		return t, nil
	}
	ot, err := e.operationType(t.OperationType)
	if err != nil {
		return t, err
	}
	t.State = domain.TxApproved
	if ot.Timelock {
		op, err := e.schedule(ctx, tx, scheduleParams{
			OperationType: t.OperationType,
			OriginKind:    domain.OriginTransaction,
			OriginID:      t.ID,
			Targets:       t.Targets,
			Delay:         ot.Delay.Duration,
			Salt:          domain.SaltFrom(t.ID),
			Actor:         owner,
		})
		if err != nil {
			return t, err
		}
		t.State = domain.TxQueued
		t.OperationID = op.ID
	}
	t.UpdatedAt = now
	return t, e.Repo.UpdateTransaction(ctx, tx, t)
}

// VetoTransaction is terminal: a single guardian veto overrides any number of approvals.
func (e Engine) VetoTransaction(ctx context.Context, guardian, id, reason string) (domain.MultiSigTransaction, error) {
	guardian = auth.Normalize(guardian)
	var t domain.MultiSigTransaction
	err := e.transition(ctx, audit.Entry{Type: audit.TxVetoed, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: guardian}, func(tx *sql.Tx) error {
		if !e.roster.IsGuardian(guardian) {
			return fail(ErrNotAGuardian, "%s", guardian)
		}
		var err error
		t, err = e.loadTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		ot, ok := e.Config.OperationTypes[t.OperationType]
		if !ok || !ot.GuardianVeto {
			return fail(ErrVetoNotAllowed, "%s", t.OperationType)
		}
		if err := ensureTransactionLive(t); err != nil {
			return err
		}
		now := e.now()
		v := domain.Veto{Guardian: guardian, Reason: reason, VetoedAt: now}
		if err := e.Repo.InsertVeto(ctx, tx, t.ID, v); err != nil {
			return err
		}
		t.Vetoes = append(t.Vetoes, v)
		if err := e.cancelLinkedOperation(ctx, tx, t.OperationID, guardian); err != nil {
			return err
		}
		t.State = domain.TxVetoed
		t.UpdatedAt = now
		if err := e.Repo.UpdateTransaction(ctx, tx, t); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.TxVetoed, EntityKind: audit.EntityTransaction, EntityID: id, OperationID: t.OperationID, ActorID: guardian,
			Payload: audit.Payload{"reason": reason},
		})
	})
	return t, err
}

// ExecuteTransaction runs an approved transaction, or a queued one whose operation is ready.
func (e Engine) ExecuteTransaction(ctx context.Context, id, actor string) (domain.MultiSigTransaction, error) {
	actor = auth.Normalize(actor)
	var t domain.MultiSigTransaction
	err := e.transition(ctx, audit.Entry{Type: audit.TxExecuted, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: actor}, func(tx *sql.Tx) error {
		var err error
		t, err = e.executeTransaction(ctx, tx, id, actor)
		return err
	})
	return t, err
}

func (e Engine) executeTransaction(ctx context.Context, tx *sql.Tx, id, actor string) (domain.MultiSigTransaction, error) {
	t, err := e.loadTransaction(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTransactionLive(t); err != nil {
		return t, err
	}
	if !e.roster.IsOwner(actor) && !e.roster.CanExecute(actor) {
		return t, fail(ErrUnauthorized, "%s may not execute transactions", actor)
	}
	switch t.State {
	case domain.TxProposed:
		return t, fail(ErrNotReady, "transaction %s has %d of %d approvals", id, len(t.Approvals), t.RequiredApprovals)
	case domain.TxApproved:
		if err := e.executeTargets(ctx, tx, t.OperationType, "", t.Targets, actor); err != nil {
			return t, err
		}
	case domain.TxQueued:
		op, err := e.Repo.GetOperation(ctx, tx, t.OperationID)
		if err != nil {
			return t, err
		}
		if err := e.runOperation(ctx, tx, &op, actor); err != nil {
			return t, err
		}
	default:
		return t, fail(ErrInvalidState, "transaction %s is %s", id, t.State)
	}
	now := e.now()
	t.State = domain.TxExecuted
	t.ExecutedAt = &now
	t.UpdatedAt = now
	if err := e.Repo.UpdateTransaction(ctx, tx, t); err != nil {
		return t, err
	}
	return t, e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.TxExecuted, EntityKind: audit.EntityTransaction, EntityID: id, OperationID: t.OperationID, ActorID: actor,
		Payload: audit.Payload{"operation_type": t.OperationType, "targets": len(t.Targets)},
	})
}

func (e Engine) GetTransaction(ctx context.Context, id string) (domain.MultiSigTransaction, error) {
	if err := e.requireConfig(); err != nil {
		return domain.MultiSigTransaction{}, err
	}
	return e.loadTransaction(ctx, nil, id)
}

type TransactionListOptions struct {
	States        []domain.TransactionState
	OperationType string
	Limit         int
}

func (e Engine) ListTransactions(ctx context.Context, opts TransactionListOptions) ([]domain.MultiSigTransaction, error) {
	ts, err := e.Repo.ListTransactions(ctx, repo.TransactionFilters{
		States:        opts.States,
		OperationType: opts.OperationType,
		Limit:         opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	res := make([]domain.MultiSigTransaction, 0, len(ts))
	for _, t := range ts {
		t.State = e.transactionState(t)
		res = append(res, t)
	}
	return res, nil
}

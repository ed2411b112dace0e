package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"govgate/internal/audit"
	"govgate/internal/domain"
	"govgate/internal/engine/auth"
	"govgate/internal/repo"
)

// ScheduleRequest schedules a batch directly on the timelock.
type ScheduleRequest struct {
	OperationType string
	Targets       []domain.Target
	// Delay of zero uses the operation type's configured delay.
	Delay       time.Duration
	Predecessor common.Hash
	Salt        common.Hash
	Actor       string
}

type scheduleParams struct {
	OperationType string
	OriginKind    domain.OriginKind
	OriginID      string
	Targets       []domain.Target
	Delay         time.Duration
	Predecessor   common.Hash
	Salt          common.Hash
	Actor         string
}

// Schedule places a batch on the timelock. Only configured timelock proposers may
// schedule directly; proposals and transactions schedule through their own pipeline.
func (e Engine) Schedule(ctx context.Context, req ScheduleRequest) (domain.TimelockOperation, error) {
	actor := auth.Normalize(req.Actor)
	opID := domain.OperationID(req.Targets, req.Predecessor, req.Salt).Hex()
	var op domain.TimelockOperation
	err := e.transition(ctx, audit.Entry{Type: audit.OpScheduled, EntityKind: audit.EntityOperation, EntityID: opID, OperationID: opID, ActorID: actor}, func(tx *sql.Tx) error {
		if !e.roster.CanSchedule(actor) {
			return fail(ErrUnauthorized, "%s is not a timelock proposer", actor)
		}
		if req.Delay < 0 {
			return fail(ErrInvalidInput, "negative delay")
		}
		if err := e.admit(ctx, tx, admission{
			OperationType: req.OperationType,
			Targets:       req.Targets,
			EntityKind:    audit.EntityOperation,
			EntityID:      opID,
			Actor:         actor,
		}); err != nil {
			return err
		}
		delay := req.Delay
		if delay == 0 {
			delay = e.Config.OperationTypes[req.OperationType].Delay.Duration
		}
		var err error
		op, err = e.schedule(ctx, tx, scheduleParams{
			OperationType: req.OperationType,
			OriginKind:    domain.OriginDirect,
			Targets:       req.Targets,
			Delay:         delay,
			Predecessor:   req.Predecessor,
			Salt:          req.Salt,
			Actor:         actor,
		})
		return err
	})
	return op, err
}

func (e Engine) schedule(ctx context.Context, tx *sql.Tx, p scheduleParams) (domain.TimelockOperation, error) {
	ot, err := e.operationType(p.OperationType)
	if err != nil {
		return domain.TimelockOperation{}, err
	}
	if p.Delay < ot.MinDelay.Duration {
		return domain.TimelockOperation{}, fail(ErrDelayTooShort, "%s < %s for %s", p.Delay, ot.MinDelay.Duration, p.OperationType)
	}
	predecessor := ""
	if p.Predecessor != domain.ZeroHash {
		predecessor = p.Predecessor.Hex()
		if _, err := e.Repo.GetOperation(ctx, tx, predecessor); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.TimelockOperation{}, fail(ErrInvalidInput, "unknown predecessor %s", predecessor)
			}
			return domain.TimelockOperation{}, err
		}
	}
	id := domain.OperationID(p.Targets, p.Predecessor, p.Salt).Hex()
	if _, err := e.Repo.GetOperation(ctx, tx, id); err == nil {
		return domain.TimelockOperation{}, fail(ErrAlreadyScheduled, "%s", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TimelockOperation{}, err
	}
	now := e.now()
	op := domain.TimelockOperation{
		ID:            id,
		OperationType: p.OperationType,
		OriginKind:    p.OriginKind,
		OriginID:      p.OriginID,
		Targets:       p.Targets,
		Predecessor:   predecessor,
		Salt:          p.Salt.Hex(),
		Delay:         domain.NewDuration(p.Delay),
		ScheduledAt:   now,
		ReadyAt:       now.Add(p.Delay),
		Status:        domain.OperationScheduled,
		ScheduledBy:   p.Actor,
	}
	if err := e.Repo.InsertOperation(ctx, tx, op); err != nil {
		return op, err
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.OpScheduled, EntityKind: audit.EntityOperation, EntityID: op.ID, OperationID: op.ID, ActorID: p.Actor,
		Payload: audit.Payload{
			"operation_type": op.OperationType,
			"origin":         op.OriginKind,
			"origin_id":      op.OriginID,
			"ready_at":       repo.FormatTime(op.ReadyAt),
			"predecessor":    op.Predecessor,
		},
	}); err != nil {
		return op, err
	}
	return op, nil
}

// operationStatus derives Ready from the clock and the predecessor.
func (e Engine) operationStatus(ctx context.Context, tx *sql.Tx, op domain.TimelockOperation) (domain.OperationStatus, error) {
	if op.Status != domain.OperationScheduled {
		return op.Status, nil
	}
	predecessorExecuted := true
	if op.Predecessor != "" {
		pred, err := e.Repo.GetOperation(ctx, tx, op.Predecessor)
		if err != nil {
			return "", err
		}
		predecessorExecuted = pred.Status == domain.OperationExecuted
	}
	return op.StatusAt(e.now(), predecessorExecuted), nil
}

// ExecuteOperation executes a ready operation. Operations owned by a proposal or a
// transaction complete their origin as well.
func (e Engine) ExecuteOperation(ctx context.Context, id, actor string) (domain.TimelockOperation, error) {
	actor = auth.Normalize(actor)
	var op domain.TimelockOperation
	err := e.transition(ctx, audit.Entry{Type: audit.OpExecuted, EntityKind: audit.EntityOperation, EntityID: id, OperationID: id, ActorID: actor}, func(tx *sql.Tx) error {
		var err error
		op, err = e.Repo.GetOperation(ctx, tx, id)
		if err != nil {
			return notFound(err, "operation", id)
		}
		switch op.OriginKind {
		case domain.OriginProposal:
			_, err = e.executeProposal(ctx, tx, op.OriginID, actor)
		case domain.OriginTransaction:
			_, err = e.executeTransaction(ctx, tx, op.OriginID, actor)
		default:
			if !e.roster.CanExecute(actor) {
				return fail(ErrUnauthorized, "%s is not a timelock executor", actor)
			}
			err = e.runOperation(ctx, tx, &op, actor)
		}
		if err != nil {
			return err
		}
		op, err = e.Repo.GetOperation(ctx, tx, id)
		return err
	})
	return op, err
}

// runOperation executes a scheduled batch and marks it Executed.
func (e Engine) runOperation(ctx context.Context, tx *sql.Tx, op *domain.TimelockOperation, actor string) error {
	status, err := e.operationStatus(ctx, tx, *op)
	if err != nil {
		return err
	}
	switch status {
	case domain.OperationExecuted:
		return fail(ErrAlreadyExecuted, "operation %s", op.ID)
	case domain.OperationCanceled:
		return fail(ErrCanceled, "operation %s", op.ID)
	case domain.OperationScheduled:
		if e.now().Before(op.ReadyAt) {
			return fail(ErrNotReady, "operation %s ready at %s", op.ID, repo.FormatTime(op.ReadyAt))
		}
		return fail(ErrNotReady, "operation %s waits for predecessor %s", op.ID, op.Predecessor)
	}
	if err := e.executeTargets(ctx, tx, op.OperationType, op.ID, op.Targets, actor); err != nil {
		return err
	}
	now := e.now()
	op.Status = domain.OperationExecuted
	op.ExecutedAt = &now
	if err := e.Repo.UpdateOperationStatus(ctx, tx, *op); err != nil {
		return err
	}
	return e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.OpExecuted, EntityKind: audit.EntityOperation, EntityID: op.ID, OperationID: op.ID, ActorID: actor,
		Payload: audit.Payload{"targets": len(op.Targets), "origin": op.OriginKind, "origin_id": op.OriginID},
	})
}

// CancelOperation cancels a scheduled operation. A proposal owning it is canceled too;
// a transaction owning it can no longer execute.
func (e Engine) CancelOperation(ctx context.Context, id, actor string) (domain.TimelockOperation, error) {
	actor = auth.Normalize(actor)
	var op domain.TimelockOperation
	err := e.transition(ctx, audit.Entry{Type: audit.OpCanceled, EntityKind: audit.EntityOperation, EntityID: id, OperationID: id, ActorID: actor}, func(tx *sql.Tx) error {
		if !e.roster.CanCancel(actor) {
			return fail(ErrUnauthorized, "%s is not a timelock canceller", actor)
		}
		var err error
		op, err = e.Repo.GetOperation(ctx, tx, id)
		if err != nil {
			return notFound(err, "operation", id)
		}
		if err := e.cancelOperation(ctx, tx, &op, actor); err != nil {
			return err
		}
		if op.OriginKind != domain.OriginProposal {
			return nil
		}
		p, err := e.Repo.GetProposal(ctx, tx, op.OriginID)
		if err != nil {
			return err
		}
		return e.markProposalCanceled(ctx, tx, &p, actor, "operation canceled")
	})
	return op, err
}

func (e Engine) cancelOperation(ctx context.Context, tx *sql.Tx, op *domain.TimelockOperation, actor string) error {
	switch op.Status {
	case domain.OperationExecuted:
		return fail(ErrAlreadyExecuted, "operation %s", op.ID)
	case domain.OperationCanceled:
		return fail(ErrCanceled, "operation %s", op.ID)
	}
	now := e.now()
	op.Status = domain.OperationCanceled
	op.CanceledAt = &now
	if err := e.Repo.UpdateOperationStatus(ctx, tx, *op); err != nil {
		return err
	}
	return e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.OpCanceled, EntityKind: audit.EntityOperation, EntityID: op.ID, OperationID: op.ID, ActorID: actor,
		Payload: audit.Payload{"origin": op.OriginKind, "origin_id": op.OriginID},
	})
}

// cancelLinkedOperation cancels opID if it is still scheduled.
func (e Engine) cancelLinkedOperation(ctx context.Context, tx *sql.Tx, opID, actor string) error {
	if opID == "" {
		return nil
	}
	op, err := e.Repo.GetOperation(ctx, tx, opID)
	if err != nil {
		return err
	}
	if op.Status != domain.OperationScheduled {
		return nil
	}
	return e.cancelOperation(ctx, tx, &op, actor)
}

// GetOperation returns the operation with its derived status.
func (e Engine) GetOperation(ctx context.Context, id string) (domain.TimelockOperation, error) {
	op, err := e.Repo.GetOperation(ctx, nil, id)
	if err != nil {
		return op, notFound(err, "operation", id)
	}
	op.Status, err = e.operationStatus(ctx, nil, op)
	return op, err
}

// ListOperations filters by derived status; an empty status lists everything.
func (e Engine) ListOperations(ctx context.Context, status domain.OperationStatus, limit int) ([]domain.TimelockOperation, error) {
	stored := status
	if status == domain.OperationReady {
		stored = domain.OperationScheduled
	}
	ops, err := e.Repo.ListOperations(ctx, stored, 0)
	if err != nil {
		return nil, err
	}
	res := []domain.TimelockOperation{}
	for _, op := range ops {
		if op.Status, err = e.operationStatus(ctx, nil, op); err != nil {
			return nil, err
		}
		if status != "" && op.Status != status {
			continue
		}
		res = append(res, op)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/domain"
	"govgate/internal/repo"
)

// executeTargets applies targets in order inside tx. The first failure aborts the
// batch; the caller's rollback discards everything applied before it.
func (e Engine) executeTargets(ctx context.Context, tx *sql.Tx, opType, opID string, targets []domain.Target, actor string) error {
	if err := e.checkSwitches(ctx, tx, opType, targets); err != nil {
		return err
	}
	for i, t := range targets {
		var err error
		if t.IsSystem() {
			err = e.applySystemTarget(ctx, tx, opID, t, actor)
		} else {
			err = e.dispatch(ctx, tx, opID, t, actor)
		}
		if err != nil {
			return NewBatchExecutionError(i, t.Recipient, err)
		}
	}
	return nil
}

func (e Engine) dispatch(ctx context.Context, tx *sql.Tx, opID string, t domain.Target, actor string) error {
	if e.Dispatch == nil {
		return fmt.Errorf("no dispatcher for %s", t.Recipient)
	}
	if err := e.Dispatch.Dispatch(ctx, tx, t); err != nil {
		return err
	}
	return e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.TargetDispatched, EntityKind: audit.EntityOperation, EntityID: opID, OperationID: opID, ActorID: actor,
		Payload: audit.Payload{"recipient": t.Recipient, "value": t.Value.String()},
	})
}

func (e Engine) applySystemTarget(ctx context.Context, tx *sql.Tx, opID string, t domain.Target, actor string) error {
	now := e.now()
	switch t.Recipient {
	case domain.RecipientPolicy:
		var p domain.PolicyPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("decode policy payload: %w", err)
		}
		if _, err := config.ParsePolicyParameters(p.Parameters); err != nil {
			return fmt.Errorf("policy %s: %w", p.Name, err)
		}
		stored, err := e.Repo.InsertPolicyVersion(ctx, tx, domain.SecurityPolicy{
			Name:       p.Name,
			Scope:      p.Scope,
			Parameters: p.Parameters,
			UpdatedAt:  now,
			UpdatedBy:  actor,
		})
		if err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.PolicyUpdated, EntityKind: audit.EntityPolicy, EntityID: p.Name, OperationID: opID, ActorID: actor,
			Payload: audit.Payload{"version": stored.Version, "scope": stored.Scope, "parameters": stored.Parameters},
		})
	case domain.RecipientPause:
		var p domain.PausePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("decode pause payload: %w", err)
		}
		if err := e.Repo.SetFlag(ctx, tx, repo.FlagPaused, p.Subsystem, p.Paused, actor, now); err != nil {
			return err
		}
		evt := audit.SubsystemResumed
		if p.Paused {
			evt = audit.SubsystemPaused
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: evt, EntityKind: audit.EntitySystem, EntityID: p.Subsystem, OperationID: opID, ActorID: actor,
		})
	case domain.RecipientBlock:
		var p domain.BlockPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("decode block payload: %w", err)
		}
		if err := e.Repo.SetFlag(ctx, tx, repo.FlagBlocked, p.OperationType, p.Blocked, actor, now); err != nil {
			return err
		}
		evt := audit.OpTypeUnblocked
		if p.Blocked {
			evt = audit.OpTypeBlocked
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: evt, EntityKind: audit.EntitySystem, EntityID: p.OperationType, OperationID: opID, ActorID: actor,
		})
	}
	return fmt.Errorf("unknown system target %s", t.Recipient)
}

// PauseTarget builds the system target pausing or resuming a subsystem.
func PauseTarget(subsystem string, paused bool) (domain.Target, error) {
	a := domain.Action{Kind: domain.ActionPauseSubsystem, Subsystem: subsystem}
	if !paused {
		a.Kind = domain.ActionResumeSubsystem
	}
	if err := a.Validate(); err != nil {
		return domain.Target{}, fail(ErrInvalidInput, "%v", err)
	}
	return a.Target()
}

// BlockTarget builds the system target blocking or unblocking an operation type.
func BlockTarget(opType string, blocked bool) (domain.Target, error) {
	if opType == "" {
		return domain.Target{}, fail(ErrInvalidInput, "operation type is required")
	}
	data, err := json.Marshal(domain.BlockPayload{OperationType: opType, Blocked: blocked})
	if err != nil {
		return domain.Target{}, err
	}
	return domain.Target{Recipient: domain.RecipientBlock, Payload: data}, nil
}

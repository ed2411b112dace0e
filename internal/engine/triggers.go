package engine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/domain"
	"govgate/internal/engine/auth"
	"govgate/internal/repo"
)

// SignalActor is recorded for signals pushed by the risk-detection subsystem.
const SignalActor = "risk-detector"

var validate = validator.New()

// RegisterTrigger validates and upserts a trigger definition.
func (e Engine) RegisterTrigger(ctx context.Context, actor string, t domain.Trigger) (domain.Trigger, error) {
	actor = auth.Normalize(actor)
	t.Name = strings.TrimSpace(t.Name)
	err := e.transition(ctx, audit.Entry{Type: audit.TriggerRegistered, EntityKind: audit.EntityTrigger, EntityID: t.Name, ActorID: actor}, func(tx *sql.Tx) error {
		if !e.roster.IsOwner(actor) {
			return fail(ErrUnauthorized, "%s may not register triggers", actor)
		}
		if err := validate.Struct(t); err != nil {
			return fail(ErrInvalidInput, "trigger %s: %v", t.Name, err)
		}
		for i, a := range t.Actions {
			if err := a.Validate(); err != nil {
				return fail(ErrInvalidInput, "action %d: %v", i, err)
			}
			if a.Kind == domain.ActionBlockOperationType {
				if _, ok := e.Config.OperationTypes[a.OperationType]; !ok {
					return fail(ErrInvalidInput, "action %d: unknown operation type %q", i, a.OperationType)
				}
			}
		}
		now := e.now()
		existing, err := e.Repo.GetTrigger(ctx, tx, t.Name)
		switch {
		case err == nil:
			t.CreatedAt = existing.CreatedAt
			t.LastFiredAt = existing.LastFiredAt
		case errors.Is(err, repo.ErrNotFound):
			t.CreatedAt = now
			t.LastFiredAt = nil
		default:
			return err
		}
		t.UpdatedAt = now
		if err := e.Repo.UpsertTrigger(ctx, tx, t); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.TriggerRegistered, EntityKind: audit.EntityTrigger, EntityID: t.Name, ActorID: actor,
			Payload: audit.Payload{"confidence_threshold": t.ConfidenceThreshold, "cooldown": t.Cooldown.String(), "actions": t.Actions},
		})
	})
	return t, err
}

// OnSignal evaluates a risk signal. A suppressed signal returns a nil alert and no error.
// Once a trigger fires, later failures are reported on the alert instead of as errors.
func (e Engine) OnSignal(ctx context.Context, name string, confidence float64, evidence string) (*domain.Alert, error) {
	return e.signal(ctx, SignalActor, name, confidence, evidence)
}

// Signal is OnSignal on behalf of an external caller, who must be a configured signaler.
func (e Engine) Signal(ctx context.Context, signaler, name string, confidence float64, evidence string) (*domain.Alert, error) {
	signaler = auth.Normalize(signaler)
	if !e.roster.CanSignal(signaler) {
		return nil, e.transition(ctx, audit.Entry{Type: audit.TriggerFired, EntityKind: audit.EntityTrigger, EntityID: name, ActorID: signaler}, func(*sql.Tx) error {
			return fail(ErrUnauthorized, "%s may not signal triggers", signaler)
		})
	}
	return e.signal(ctx, signaler, name, confidence, evidence)
}

func (e Engine) signal(ctx context.Context, actor, name string, confidence float64, evidence string) (*domain.Alert, error) {
	trig, fired, err := e.fire(ctx, actor, name, confidence, evidence)
	if err != nil || !fired {
		return nil, err
	}
	log := e.logger(ctx)
	alert := domain.Alert{
		ID:         uuid.NewString(),
		Trigger:    trig.Name,
		Confidence: confidence,
		Evidence:   evidence,
		Actions:    trig.Actions,
		Outcome:    domain.AlertNotified,
		CreatedAt:  e.now(),
	}

	var targets []domain.Target
	for _, a := range trig.Actions {
		if a.Kind == domain.ActionEscalateAlert {
			log.Warn("trigger escalation",
				zap.String("trigger", trig.Name),
				zap.String("severity", a.Severity),
				zap.String("message", a.Message),
				zap.Float64("confidence", confidence))
			continue
		}
		if !a.MutatesState() {
			continue
		}
		t, err := a.Target()
		if err != nil {
			alert.Outcome, alert.Error = domain.AlertFailed, err.Error()
			break
		}
		targets = append(targets, t)
	}

	if len(targets) > 0 && alert.Outcome != domain.AlertFailed {
		owner := auth.Normalize(e.Config.Automation.Owner)
		t, err := e.submitEmergency(ctx, owner, targets)
		switch {
		case err != nil:
			alert.Outcome, alert.Error = domain.AlertFailed, err.Error()
		case t.State == domain.TxApproved:
			alert.TransactionID = t.ID
			if _, err := e.ExecuteTransaction(ctx, t.ID, owner); err != nil {
				alert.Outcome, alert.Error = domain.AlertFailed, err.Error()
			} else {
				alert.Outcome = domain.AlertExecuted
			}
		case t.State == domain.TxQueued:
			alert.TransactionID, alert.Outcome = t.ID, domain.AlertQueued
		default:
			alert.TransactionID, alert.Outcome = t.ID, domain.AlertPendingApproval
		}
	}

	if err := e.recordAlert(ctx, actor, alert); err != nil {
		log.Error("record alert", zap.String("alert", alert.ID), zap.Error(err))
	}
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, alert)
	}
	return &alert, nil
}

// fire checks threshold, cooldown and the global rate limit, then stamps the trigger.
func (e Engine) fire(ctx context.Context, actor, name string, confidence float64, evidence string) (domain.Trigger, bool, error) {
	var (
		trig  domain.Trigger
		fired bool
	)
	err := e.transition(ctx, audit.Entry{Type: audit.TriggerFired, EntityKind: audit.EntityTrigger, EntityID: name, ActorID: actor}, func(tx *sql.Tx) error {
		if math.IsNaN(confidence) || confidence <= 0 || confidence > 1 {
			return fail(ErrInvalidInput, "confidence %v outside (0,1]", confidence)
		}
		var err error
		trig, err = e.Repo.GetTrigger(ctx, tx, name)
		if err != nil {
			return notFound(err, "trigger", name)
		}
		if confidence < trig.ConfidenceThreshold {
			return e.appendAudit(ctx, tx, audit.Entry{
				Type: audit.SignalSuppressed, EntityKind: audit.EntityTrigger, EntityID: name, ActorID: actor,
				Payload: audit.Payload{"confidence": confidence, "threshold": trig.ConfidenceThreshold, "evidence": evidence},
			})
		}
		now := e.now()
		if trig.LastFiredAt != nil && now.Before(trig.LastFiredAt.Add(trig.Cooldown.Duration)) {
			return fail(ErrCooldownActive, "%s fired at %s", name, repo.FormatTime(*trig.LastFiredAt))
		}
		if e.limiter != nil && !e.limiter.AllowN(now, 1) {
			return fail(ErrRateLimited, "%s", name)
		}
		if err := e.Repo.MarkTriggerFired(ctx, tx, name, now); err != nil {
			return err
		}
		trig.LastFiredAt = &now
		fired = true
		return nil
	})
	return trig, fired, err
}

// submitEmergency creates the emergency_action transaction for a fired trigger and,
// when the automation identity is an owner, approves it without a signature.
func (e Engine) submitEmergency(ctx context.Context, owner string, targets []domain.Target) (domain.MultiSigTransaction, error) {
	id := uuid.NewString()
	proposer := owner
	if proposer == "" {
		proposer = SignalActor
	}
	var t domain.MultiSigTransaction
	err := e.transition(ctx, audit.Entry{Type: audit.TxSubmitted, EntityKind: audit.EntityTransaction, EntityID: id, ActorID: proposer}, func(tx *sql.Tx) error {
		var err error
		t, err = e.submitTransaction(ctx, tx, id, proposer, config.OpEmergencyAction, targets)
		if err != nil {
			return err
		}
		if owner == "" || !e.roster.IsOwner(owner) {
			return nil
		}
		t, err = e.approveTransaction(ctx, tx, owner, id, "", false)
		return err
	})
	return t, err
}

func (e Engine) recordAlert(ctx context.Context, actor string, a domain.Alert) error {
	return e.transition(ctx, audit.Entry{Type: audit.TriggerFired, EntityKind: audit.EntityTrigger, EntityID: a.Trigger, ActorID: actor}, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAlert(ctx, tx, a); err != nil {
			return err
		}
		payload := audit.Payload{"alert_id": a.ID, "confidence": a.Confidence, "outcome": a.Outcome}
		if a.TransactionID != "" {
			payload["transaction_id"] = a.TransactionID
		}
		if a.Error != "" {
			payload["error"] = a.Error
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.TriggerFired, EntityKind: audit.EntityTrigger, EntityID: a.Trigger, ActorID: actor,
			Payload: payload,
		})
	})
}

func (e Engine) GetTrigger(ctx context.Context, name string) (domain.Trigger, error) {
	t, err := e.Repo.GetTrigger(ctx, nil, name)
	if err != nil {
		return t, notFound(err, "trigger", name)
	}
	return t, nil
}

func (e Engine) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	ts, err := e.Repo.ListTriggers(ctx)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = []domain.Trigger{}
	}
	return ts, nil
}

func (e Engine) ListAlerts(ctx context.Context, trigger string, limit int) ([]domain.Alert, error) {
	as, err := e.Repo.ListAlerts(ctx, trigger, limit)
	if err != nil {
		return nil, err
	}
	if as == nil {
		as = []domain.Alert{}
	}
	return as, nil
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/domain"
	"govgate/internal/repo"
)

// ConfigActor is recorded for state seeded from govgate.yml.
const ConfigActor = "config"

// admission describes an origination to be checked against switches and policies.
type admission struct {
	OperationType string
	Targets       []domain.Target
	EntityKind    string
	EntityID      string
	Actor         string
}

// admit runs every origination check and records the admission for rate based policies.
func (e Engine) admit(ctx context.Context, tx *sql.Tx, a admission) error {
	if _, err := e.operationType(a.OperationType); err != nil {
		return err
	}
	if len(a.Targets) == 0 {
		return ErrEmptyTargets
	}
	if err := validateTargets(a.Targets); err != nil {
		return err
	}
	if err := e.checkSwitches(ctx, tx, a.OperationType, a.Targets); err != nil {
		return err
	}
	policies, err := e.Repo.CurrentPolicies(ctx, tx)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if !p.AppliesTo(a.OperationType) {
			continue
		}
		if err := e.checkPolicy(ctx, tx, p, a); err != nil {
			return err
		}
	}
	return e.Repo.InsertAdmission(ctx, tx, repo.Admission{
		OperationType: a.OperationType,
		EntityKind:    a.EntityKind,
		EntityID:      a.EntityID,
		ActorID:       a.Actor,
		AdmittedAt:    e.now(),
	})
}

// checkSwitches rejects blocked operation types and paused subsystems. Batches that
// only lift switches stay admissible so an emergency can be undone.
func (e Engine) checkSwitches(ctx context.Context, tx *sql.Tx, opType string, targets []domain.Target) error {
	if isRecoveryBatch(targets) {
		return nil
	}
	blocked, err := e.Repo.FlagActive(ctx, tx, repo.FlagBlocked, opType)
	if err != nil {
		return err
	}
	if blocked {
		return fail(ErrOperationTypeBlocked, "%s", opType)
	}
	ot, err := e.operationType(opType)
	if err != nil {
		return err
	}
	if ot.Subsystem == "" {
		return nil
	}
	paused, err := e.Repo.FlagActive(ctx, tx, repo.FlagPaused, ot.Subsystem)
	if err != nil {
		return err
	}
	if paused {
		return fail(ErrSubsystemPaused, "%s (operation type %s)", ot.Subsystem, opType)
	}
	return nil
}

func (e Engine) checkPolicy(ctx context.Context, tx *sql.Tx, p domain.SecurityPolicy, a admission) error {
	params, err := config.ParsePolicyParameters(p.Parameters)
	if err != nil {
		return NewPolicyViolationError(p.Name, "parameters", err.Error())
	}
	if params.MaxValue != nil {
		total := decimal.Zero
		for _, t := range a.Targets {
			total = total.Add(t.Value)
		}
		if total.GreaterThan(*params.MaxValue) {
			return NewPolicyViolationError(p.Name, config.ParamMaxValue, "batch value "+total.String()+" exceeds "+params.MaxValue.String())
		}
	}
	if len(params.RestrictedAddresses) > 0 {
		restricted := make([]string, 0, len(params.RestrictedAddresses))
		for _, r := range params.RestrictedAddresses {
			restricted = append(restricted, domain.NormalizeIdentity(r))
		}
		for _, t := range a.Targets {
			if slices.Contains(restricted, domain.NormalizeIdentity(t.Recipient)) {
				return NewPolicyViolationError(p.Name, config.ParamRestrictedAddresses, "recipient "+t.Recipient+" is restricted")
			}
		}
	}
	now := e.now()
	// Cooldown is per operation type; the period budget below spans the whole scope.
	if params.CooldownPeriod > 0 {
		last, err := e.Repo.LastAdmission(ctx, tx, []string{a.OperationType})
		if err != nil {
			return err
		}
		if last != nil && now.Before(last.Add(params.CooldownPeriod)) {
			return NewPolicyViolationError(p.Name, config.ParamCooldownPeriod, "next origination allowed at "+repo.FormatTime(last.Add(params.CooldownPeriod)))
		}
	}
	if params.MaxOperationsPerPeriod > 0 {
		n, err := e.Repo.CountAdmissionsSince(ctx, tx, p.Scope, now.Add(-params.Period))
		if err != nil {
			return err
		}
		if n >= params.MaxOperationsPerPeriod {
			return NewPolicyViolationError(p.Name, config.ParamMaxOperationsPerPeriod, "period limit reached")
		}
	}
	return nil
}

func validateTargets(targets []domain.Target) error {
	for i, t := range targets {
		if strings.TrimSpace(t.Recipient) == "" {
			return fail(ErrInvalidInput, "target %d: recipient is required", i)
		}
		if t.Value.IsNegative() {
			return fail(ErrInvalidInput, "target %d: negative value", i)
		}
		if !t.IsSystem() {
			continue
		}
		if !t.Value.IsZero() {
			return fail(ErrInvalidInput, "target %d: system targets carry no value", i)
		}
		if err := validateSystemPayload(t); err != nil {
			return fail(ErrInvalidInput, "target %d: %v", i, err)
		}
	}
	return nil
}

func validateSystemPayload(t domain.Target) error {
	switch t.Recipient {
	case domain.RecipientPolicy:
		var p domain.PolicyPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Name) == "" {
			return errors.New("policy name is required")
		}
		_, err := config.ParsePolicyParameters(p.Parameters)
		return err
	case domain.RecipientPause:
		var p domain.PausePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Subsystem) == "" {
			return errors.New("subsystem is required")
		}
	case domain.RecipientBlock:
		var p domain.BlockPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.OperationType) == "" {
			return errors.New("operation_type is required")
		}
	default:
		return errors.New("unknown system target " + t.Recipient)
	}
	return nil
}

// isRecoveryBatch reports whether every target resumes a subsystem or unblocks a type.
func isRecoveryBatch(targets []domain.Target) bool {
	if len(targets) == 0 {
		return false
	}
	for _, t := range targets {
		switch t.Recipient {
		case domain.RecipientPause:
			var p domain.PausePayload
			if json.Unmarshal(t.Payload, &p) != nil || p.Paused {
				return false
			}
		case domain.RecipientBlock:
			var p domain.BlockPayload
			if json.Unmarshal(t.Payload, &p) != nil || p.Blocked {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// PolicyChangeTarget builds the system target that installs a new policy version
// once executed through a proposal or a policy_change transaction.
func (e Engine) PolicyChangeTarget(name string, scope []string, params map[string]any) (domain.Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Target{}, fail(ErrInvalidInput, "policy name is required")
	}
	if _, err := config.ParsePolicyParameters(params); err != nil {
		return domain.Target{}, fail(ErrInvalidInput, "policy %s: %v", name, err)
	}
	if e.Config != nil {
		for _, s := range scope {
			if _, ok := e.Config.OperationTypes[s]; !ok {
				return domain.Target{}, fail(ErrInvalidInput, "policy %s: unknown operation type %q in scope", name, s)
			}
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(domain.PolicyPayload{Name: name, Scope: scope, Parameters: params})
	if err != nil {
		return domain.Target{}, err
	}
	return domain.Target{Recipient: domain.RecipientPolicy, Payload: data}, nil
}

func (e Engine) GetPolicy(ctx context.Context, name string) (domain.SecurityPolicy, error) {
	p, err := e.Repo.CurrentPolicy(ctx, nil, name)
	if err != nil {
		return p, notFound(err, "policy", name)
	}
	return p, nil
}

func (e Engine) PolicyVersion(ctx context.Context, name string, version int) (domain.SecurityPolicy, error) {
	p, err := e.Repo.PolicyVersion(ctx, name, version)
	if err != nil {
		return p, notFound(err, "policy", name)
	}
	return p, nil
}

func (e Engine) ListPolicies(ctx context.Context) ([]domain.SecurityPolicy, error) {
	policies, err := e.Repo.CurrentPolicies(ctx, nil)
	if err != nil {
		return nil, err
	}
	if policies == nil {
		policies = []domain.SecurityPolicy{}
	}
	return policies, nil
}

// SystemState lists the emergency switches currently in force.
func (e Engine) SystemState(ctx context.Context) (domain.SystemState, error) {
	paused, err := e.Repo.ActiveFlags(ctx, nil, repo.FlagPaused)
	if err != nil {
		return domain.SystemState{}, err
	}
	blocked, err := e.Repo.ActiveFlags(ctx, nil, repo.FlagBlocked)
	if err != nil {
		return domain.SystemState{}, err
	}
	return domain.SystemState{PausedSubsystems: paused, BlockedOperationTypes: blocked}, nil
}

// SeedFromConfig writes the configured policies and triggers that are not stored yet.
// Stored versions always win over the file.
func (e Engine) SeedFromConfig(ctx context.Context) error {
	return e.transition(ctx, audit.Entry{Type: audit.PolicyUpdated, EntityKind: audit.EntitySystem, ActorID: ConfigActor}, func(tx *sql.Tx) error {
		now := e.now()
		names := make([]string, 0, len(e.Config.Policies))
		for name := range e.Config.Policies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, err := e.Repo.CurrentPolicy(ctx, tx, name)
			if err == nil {
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			seed := e.Config.Policies[name]
			stored, err := e.Repo.InsertPolicyVersion(ctx, tx, domain.SecurityPolicy{
				Name:       name,
				Scope:      seed.Scope,
				Parameters: seed.Parameters,
				UpdatedAt:  now,
				UpdatedBy:  ConfigActor,
			})
			if err != nil {
				return err
			}
			if err := e.appendAudit(ctx, tx, audit.Entry{
				Type: audit.PolicyUpdated, EntityKind: audit.EntityPolicy, EntityID: name, ActorID: ConfigActor,
				Payload: audit.Payload{"version": stored.Version, "scope": stored.Scope, "parameters": stored.Parameters},
			}); err != nil {
				return err
			}
		}

		names = names[:0]
		for name := range e.Config.Triggers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, err := e.Repo.GetTrigger(ctx, tx, name)
			if err == nil {
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			seed := e.Config.Triggers[name]
			t := domain.Trigger{
				Name:                name,
				ConfidenceThreshold: seed.ConfidenceThreshold,
				Actions:             seed.Actions,
				Cooldown:            seed.Cooldown,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := e.Repo.UpsertTrigger(ctx, tx, t); err != nil {
				return err
			}
			if err := e.appendAudit(ctx, tx, audit.Entry{
				Type: audit.TriggerRegistered, EntityKind: audit.EntityTrigger, EntityID: name, ActorID: ConfigActor,
				Payload: audit.Payload{"confidence_threshold": t.ConfidenceThreshold, "actions": t.Actions},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind enumerates every automated response a trigger may take.
// The set is closed: adding a kind means adding a handler in the engine.
type ActionKind string

const (
	ActionPauseSubsystem     ActionKind = "pause_subsystem"
	ActionResumeSubsystem    ActionKind = "resume_subsystem"
	ActionBlockOperationType ActionKind = "block_operation_type"
	ActionEscalateAlert      ActionKind = "escalate_alert"
)

type Action struct {
	Kind          ActionKind `json:"kind" yaml:"kind" validate:"required,oneof=pause_subsystem resume_subsystem block_operation_type escalate_alert"`
	Subsystem     string     `json:"subsystem,omitempty" yaml:"subsystem,omitempty"`
	OperationType string     `json:"operation_type,omitempty" yaml:"operation_type,omitempty"`
	Severity      string     `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message       string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// Validate checks the variant-specific fields.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionPauseSubsystem, ActionResumeSubsystem:
		if strings.TrimSpace(a.Subsystem) == "" {
			return fmt.Errorf("action %s requires subsystem", a.Kind)
		}
	case ActionBlockOperationType:
		if strings.TrimSpace(a.OperationType) == "" {
			return fmt.Errorf("action %s requires operation_type", a.Kind)
		}
	case ActionEscalateAlert:
		if strings.TrimSpace(a.Message) == "" {
			return fmt.Errorf("action %s requires message", a.Kind)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// MutatesState reports whether the action changes protocol state and therefore
// has to travel through the authorization pipeline.
func (a Action) MutatesState() bool {
	switch a.Kind {
	case ActionPauseSubsystem, ActionResumeSubsystem, ActionBlockOperationType:
		return true
	}
	return false
}

// System target recipients.
const (
	RecipientPolicy = SystemPrefix + "policy"
	RecipientPause  = SystemPrefix + "pause"
	RecipientBlock  = SystemPrefix + "block"
)

// PausePayload toggles a subsystem.
type PausePayload struct {
	Subsystem string `json:"subsystem"`
	Paused    bool   `json:"paused"`
}

// BlockPayload toggles an operation type.
type BlockPayload struct {
	OperationType string `json:"operation_type"`
	Blocked       bool   `json:"blocked"`
}

// PolicyPayload replaces a security policy with a new version.
type PolicyPayload struct {
	Name       string         `json:"name"`
	Scope      []string       `json:"scope,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

// Target converts a state-mutating action into its system target.
func (a Action) Target() (Target, error) {
	var payload any
	var recipient string
	switch a.Kind {
	case ActionPauseSubsystem:
		recipient, payload = RecipientPause, PausePayload{Subsystem: a.Subsystem, Paused: true}
	case ActionResumeSubsystem:
		recipient, payload = RecipientPause, PausePayload{Subsystem: a.Subsystem, Paused: false}
	case ActionBlockOperationType:
		recipient, payload = RecipientBlock, BlockPayload{OperationType: a.OperationType, Blocked: true}
	default:
		return Target{}, fmt.Errorf("action %s has no target", a.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Target{}, err
	}
	return Target{Recipient: recipient, Payload: data}, nil
}

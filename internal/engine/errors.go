package engine

import (
	"errors"
	"fmt"

	"govgate/internal/repo"
)

// Class groups errors by the stage that produced them.
type Class string

const (
	ClassAdmission Class = "admission"
	ClassState     Class = "state"
	ClassExecution Class = "execution"
)

// Error is a classified engine error with a stable code.
type Error struct {
	Class   Class
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(class Class, code, msg string) *Error {
	return &Error{Class: class, Code: code, Message: msg}
}

// Admission errors.
var (
	ErrInsufficientVotingPower = newError(ClassAdmission, "INSUFFICIENT_VOTING_POWER", "insufficient voting power")
	ErrEmptyTargets            = newError(ClassAdmission, "EMPTY_TARGETS", "at least one target is required")
	ErrPolicyViolation         = newError(ClassAdmission, "POLICY_VIOLATION", "security policy violated")
	ErrNotAnOwner              = newError(ClassAdmission, "NOT_AN_OWNER", "actor is not a multisig owner")
	ErrNotAGuardian            = newError(ClassAdmission, "NOT_A_GUARDIAN", "actor is not a guardian")
	ErrInvalidSignature        = newError(ClassAdmission, "INVALID_SIGNATURE", "invalid approval signature")
	ErrUnknownOperationType    = newError(ClassAdmission, "UNKNOWN_OPERATION_TYPE", "unknown operation type")
	ErrSubsystemPaused         = newError(ClassAdmission, "SUBSYSTEM_PAUSED", "subsystem is paused")
	ErrOperationTypeBlocked    = newError(ClassAdmission, "OPERATION_TYPE_BLOCKED", "operation type is blocked")
	ErrUnauthorized            = newError(ClassAdmission, "UNAUTHORIZED", "actor is not authorized")
	ErrInvalidInput            = newError(ClassAdmission, "INVALID_INPUT", "invalid input")
)

// State errors.
var (
	ErrVotingClosed      = newError(ClassState, "VOTING_CLOSED", "voting is closed")
	ErrVotingOpen        = newError(ClassState, "VOTING_OPEN", "voting is still open")
	ErrAlreadyVoted      = newError(ClassState, "ALREADY_VOTED", "voter already voted")
	ErrAlreadyExecuted   = newError(ClassState, "ALREADY_EXECUTED", "already executed")
	ErrAlreadyScheduled  = newError(ClassState, "ALREADY_SCHEDULED", "operation already scheduled")
	ErrNotReady          = newError(ClassState, "NOT_READY", "not ready")
	ErrDuplicateApproval = newError(ClassState, "DUPLICATE_APPROVAL", "owner already approved")
	ErrDelayTooShort     = newError(ClassState, "DELAY_TOO_SHORT", "delay below minimum")
	ErrInvalidState      = newError(ClassState, "INVALID_STATE", "invalid state for this action")
	ErrCanceled          = newError(ClassState, "CANCELED", "canceled")
	ErrVetoed            = newError(ClassState, "VETOED", "vetoed")
	ErrExpired           = newError(ClassState, "EXPIRED", "expired")
	ErrVetoNotAllowed    = newError(ClassState, "VETO_NOT_ALLOWED", "operation type is not veto eligible")
	ErrCooldownActive    = newError(ClassState, "COOLDOWN_ACTIVE", "trigger cooldown active")
	ErrRateLimited       = newError(ClassState, "RATE_LIMITED", "emergency rate limit exhausted")
	ErrNotFound          = newError(ClassState, "NOT_FOUND", "not found")
)

// Execution errors.
var (
	ErrBatchExecutionFailed = newError(ClassExecution, "BATCH_EXECUTION_FAILED", "batch execution failed")
)

// fail wraps a sentinel with detail while keeping errors.Is and CodeOf intact.
func fail(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// notFound converts repo.ErrNotFound into the engine taxonomy.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fail(ErrNotFound, "%s %s", kind, id)
	}
	return err
}

// PolicyViolationError names the policy and rule that rejected an origination.
type PolicyViolationError struct {
	Policy string
	Rule   string
	Detail string
}

func NewPolicyViolationError(policy, rule, detail string) *PolicyViolationError {
	return &PolicyViolationError{Policy: policy, Rule: rule, Detail: detail}
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy %s violated (%s): %s", e.Policy, e.Rule, e.Detail)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// BatchExecutionError reports the first target that failed. Nothing in the batch was applied.
type BatchExecutionError struct {
	Index     int
	Recipient string
	Err       error
}

func NewBatchExecutionError(index int, recipient string, err error) *BatchExecutionError {
	return &BatchExecutionError{Index: index, Recipient: recipient, Err: err}
}

func (e *BatchExecutionError) Error() string {
	return fmt.Sprintf("target %d (%s) failed: %v", e.Index, e.Recipient, e.Err)
}

func (e *BatchExecutionError) Unwrap() []error { return []error{ErrBatchExecutionFailed, e.Err} }

// CodeOf returns the stable code of err, or INTERNAL for unclassified errors.
func CodeOf(err error) string {
	if e := classify(err); e != nil {
		return e.Code
	}
	return "INTERNAL"
}

// ClassOf returns the class of err, or "" for unclassified errors.
func ClassOf(err error) Class {
	if e := classify(err); e != nil {
		return e.Class
	}
	return ""
}

func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return nil
}

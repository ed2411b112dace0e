package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SystemPrefix marks targets applied by govgate itself instead of the ledger.
const SystemPrefix = "system:"

// Target is a single call carried by a proposal, transaction or timelock operation.
type Target struct {
	Recipient string          `json:"recipient" validate:"required"`
	Value     decimal.Decimal `json:"value"`
	Payload   []byte          `json:"payload,omitempty"`
}

// IsSystem reports whether the target is handled by the governance system itself.
func (t Target) IsSystem() bool {
	return strings.HasPrefix(t.Recipient, SystemPrefix)
}

type ProposalState string

const (
	ProposalPending   ProposalState = "pending"
	ProposalActive    ProposalState = "active"
	ProposalCanceled  ProposalState = "canceled"
	ProposalDefeated  ProposalState = "defeated"
	ProposalSucceeded ProposalState = "succeeded"
	ProposalQueued    ProposalState = "queued"
	ProposalExpired   ProposalState = "expired"
	ProposalExecuted  ProposalState = "executed"
)

type Proposal struct {
	ID                 string          `json:"id"`
	Proposer           string          `json:"proposer"`
	Targets            []Target        `json:"targets"`
	Description        string          `json:"description"`
	DescriptionHash    string          `json:"description_hash"`
	CreationCheckpoint uint64          `json:"creation_checkpoint"`
	VotingStart        time.Time       `json:"voting_start"`
	VotingEnd          time.Time       `json:"voting_end"`
	VotesFor           decimal.Decimal `json:"votes_for"`
	VotesAgainst       decimal.Decimal `json:"votes_against"`
	VotesAbstain       decimal.Decimal `json:"votes_abstain"`
	Quorum             decimal.Decimal `json:"quorum"`
	State              ProposalState   `json:"state" enum:"pending,active,canceled,defeated,succeeded,queued,expired,executed"`
	OperationID        string          `json:"operation_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ArchivedAt         *time.Time      `json:"archived_at,omitempty"`
}

// Participation is the total weight cast on the proposal.
func (p Proposal) Participation() decimal.Decimal {
	return p.VotesFor.Add(p.VotesAgainst).Add(p.VotesAbstain)
}

type VoteSupport string

const (
	SupportFor     VoteSupport = "for"
	SupportAgainst VoteSupport = "against"
	SupportAbstain VoteSupport = "abstain"
)

func (s VoteSupport) Valid() bool {
	switch s {
	case SupportFor, SupportAgainst, SupportAbstain:
		return true
	}
	return false
}

type Vote struct {
	ProposalID string          `json:"proposal_id"`
	Voter      string          `json:"voter"`
	Support    VoteSupport     `json:"support"`
	Weight     decimal.Decimal `json:"weight"`
	CastAt     time.Time       `json:"cast_at"`
}

type TransactionState string

const (
	TxProposed TransactionState = "proposed"
	TxApproved TransactionState = "approved"
	TxVetoed   TransactionState = "vetoed"
	TxQueued   TransactionState = "queued"
	TxExecuted TransactionState = "executed"
	TxExpired  TransactionState = "expired"
)

type Approval struct {
	Owner      string    `json:"owner"`
	Signature  string    `json:"signature,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

type Veto struct {
	Guardian string    `json:"guardian"`
	Reason   string    `json:"reason,omitempty"`
	VetoedAt time.Time `json:"vetoed_at"`
}

type MultiSigTransaction struct {
	ID                string           `json:"id"`
	OperationType     string           `json:"operation_type"`
	Proposer          string           `json:"proposer"`
	Targets           []Target         `json:"targets"`
	Approvals         []Approval       `json:"approvals"`
	Vetoes            []Veto           `json:"vetoes"`
	RequiredApprovals int              `json:"required_approvals"`
	State             TransactionState `json:"state" enum:"proposed,approved,vetoed,queued,executed,expired"`
	OperationID       string           `json:"operation_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
	ExecutedAt        *time.Time       `json:"executed_at,omitempty"`
}

// HasApproval reports whether owner already approved.
func (t MultiSigTransaction) HasApproval(owner string) bool {
	for _, a := range t.Approvals {
		if a.Owner == owner {
			return true
		}
	}
	return false
}

type OperationStatus string

const (
	OperationUnscheduled OperationStatus = "unscheduled"
	OperationScheduled   OperationStatus = "scheduled"
	OperationReady       OperationStatus = "ready"
	OperationExecuted    OperationStatus = "executed"
	OperationCanceled    OperationStatus = "canceled"
)

type OriginKind string

const (
	OriginProposal    OriginKind = "proposal"
	OriginTransaction OriginKind = "transaction"
	OriginDirect      OriginKind = "direct"
)

type TimelockOperation struct {
	ID            string          `json:"id"`
	OperationType string          `json:"operation_type"`
	OriginKind    OriginKind      `json:"origin_kind"`
	OriginID      string          `json:"origin_id,omitempty"`
	Targets       []Target        `json:"targets"`
	Predecessor   string          `json:"predecessor,omitempty"`
	Salt          string          `json:"salt"`
	Delay         Duration        `json:"delay"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	ReadyAt       time.Time       `json:"ready_at"`
	Status        OperationStatus `json:"status" enum:"unscheduled,scheduled,ready,executed,canceled"`
	ScheduledBy   string          `json:"scheduled_by"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
	CanceledAt    *time.Time      `json:"canceled_at,omitempty"`
}

// StatusAt derives readiness lazily: a scheduled operation is ready once its
// delay elapsed and its predecessor, if any, has executed.
func (o TimelockOperation) StatusAt(now time.Time, predecessorExecuted bool) OperationStatus {
	if o.Status != OperationScheduled {
		return o.Status
	}
	if now.Before(o.ReadyAt) {
		return OperationScheduled
	}
	if o.Predecessor != "" && !predecessorExecuted {
		return OperationScheduled
	}
	return OperationReady
}

type SecurityPolicy struct {
	Name       string         `json:"name"`
	Version    int            `json:"version"`
	Scope      []string       `json:"scope,omitempty"`
	Parameters map[string]any `json:"parameters"`
	UpdatedAt  time.Time      `json:"updated_at"`
	UpdatedBy  string         `json:"updated_by"`
}

// AppliesTo reports whether the policy covers the operation type.
func (p SecurityPolicy) AppliesTo(operationType string) bool {
	if len(p.Scope) == 0 {
		return true
	}
	for _, s := range p.Scope {
		if s == operationType {
			return true
		}
	}
	return false
}

type Trigger struct {
	Name                string     `json:"name" validate:"required"`
	ConfidenceThreshold float64    `json:"confidence_threshold" validate:"gt=0,lte=1"`
	Actions             []Action   `json:"actions" validate:"required,min=1,dive"`
	Cooldown            Duration   `json:"cooldown"`
	LastFiredAt         *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Alert struct {
	ID            string    `json:"id"`
	Trigger       string    `json:"trigger"`
	Confidence    float64   `json:"confidence"`
	Evidence      string    `json:"evidence,omitempty"`
	Actions       []Action  `json:"actions"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	AlertExecuted        = "executed"
	AlertQueued          = "queued"
	AlertPendingApproval = "pending_approval"
	AlertNotified        = "notified"
	AlertFailed          = "failed"
)

type AuditEvent struct {
	ID          int64           `json:"id"`
	TS          time.Time       `json:"ts"`
	Type        string          `json:"type"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	OperationID string          `json:"operation_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Outcome     string          `json:"outcome"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// SystemState is the set of emergency switches currently in force.
type SystemState struct {
	PausedSubsystems      []string `json:"paused_subsystems"`
	BlockedOperationTypes []string `json:"blocked_operation_types"`
}

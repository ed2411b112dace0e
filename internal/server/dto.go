package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"govgate/internal/domain"
)

// Request payloads

// TargetBody is the wire form of a batch target. Value is a decimal string and
// Payload is carried as text (JSON for system targets).
type TargetBody struct {
	Recipient string `json:"recipient" minLength:"1" example:"vendor" doc:"Ledger account or one of system:policy, system:pause, system:block"`
	Value     string `json:"value,omitempty" example:"10"`
	Payload   string `json:"payload,omitempty" example:"{\"subsystem\":\"bridge\",\"paused\":true}"`
}

type ProposeRequest struct {
	Targets     []TargetBody `json:"targets" minItems:"1"`
	Description string       `json:"description"`
}

type VoteRequest struct {
	Support string `json:"support" enum:"for,against,abstain"`
}

type SubmitTransactionRequest struct {
	OperationType string       `json:"operation_type" minLength:"1" example:"protocol_upgrade"`
	Targets       []TargetBody `json:"targets" minItems:"1"`
}

type ApproveRequest struct {
	Signature string `json:"signature,omitempty" doc:"Hex EIP-191 signature over the approval digest"`
}

type VetoRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ScheduleRequest struct {
	OperationType string       `json:"operation_type" minLength:"1"`
	Targets       []TargetBody `json:"targets" minItems:"1"`
	Delay         string       `json:"delay,omitempty" example:"48h" doc:"Defaults to the operation type delay"`
	Predecessor   string       `json:"predecessor,omitempty" doc:"Operation id that must execute first"`
	Salt          string       `json:"salt,omitempty" doc:"32-byte hex or free text hashed into a salt"`
}

type PolicyTargetRequest struct {
	Scope      []string       `json:"scope,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

type TriggerRequest struct {
	ConfidenceThreshold float64         `json:"confidence_threshold" exclusiveMinimum:"0" maximum:"1"`
	Cooldown            string          `json:"cooldown,omitempty" example:"1h"`
	Actions             []domain.Action `json:"actions" minItems:"1"`
}

type SignalRequest struct {
	Confidence float64 `json:"confidence" exclusiveMinimum:"0" maximum:"1"`
	Evidence   string  `json:"evidence,omitempty"`
}

type TokenRequest struct {
	Actor string `json:"actor" minLength:"1"`
	TTL   string `json:"ttl,omitempty" example:"24h"`
}

// Responses

type ProposalResponse struct {
	ID                 string       `json:"id"`
	Proposer           string       `json:"proposer"`
	Targets            []TargetBody `json:"targets"`
	Description        string       `json:"description"`
	DescriptionHash    string       `json:"description_hash"`
	CreationCheckpoint uint64       `json:"creation_checkpoint"`
	VotingStart        time.Time    `json:"voting_start"`
	VotingEnd          time.Time    `json:"voting_end"`
	VotesFor           string       `json:"votes_for"`
	VotesAgainst       string       `json:"votes_against"`
	VotesAbstain       string       `json:"votes_abstain"`
	Quorum             string       `json:"quorum"`
	State              string       `json:"state" enum:"pending,active,canceled,defeated,succeeded,queued,expired,executed"`
	OperationID        string       `json:"operation_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ArchivedAt         *time.Time   `json:"archived_at,omitempty"`
}

type VoteResponse struct {
	ProposalID string    `json:"proposal_id"`
	Voter      string    `json:"voter"`
	Support    string    `json:"support"`
	Weight     string    `json:"weight"`
	CastAt     time.Time `json:"cast_at"`
}

type TransactionResponse struct {
	ID                string            `json:"id"`
	OperationType     string            `json:"operation_type"`
	Proposer          string            `json:"proposer"`
	Targets           []TargetBody      `json:"targets"`
	Approvals         []domain.Approval `json:"approvals"`
	Vetoes            []domain.Veto     `json:"vetoes"`
	RequiredApprovals int               `json:"required_approvals"`
	State             string            `json:"state" enum:"proposed,approved,vetoed,queued,executed,expired"`
	OperationID       string            `json:"operation_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	ExecutedAt        *time.Time        `json:"executed_at,omitempty"`
}

type DigestResponse struct {
	TransactionID string `json:"transaction_id"`
	Digest        string `json:"digest"`
}

type OperationResponse struct {
	ID            string       `json:"id"`
	OperationType string       `json:"operation_type"`
	OriginKind    string       `json:"origin_kind" enum:"proposal,transaction,direct"`
	OriginID      string       `json:"origin_id,omitempty"`
	Targets       []TargetBody `json:"targets"`
	Predecessor   string       `json:"predecessor,omitempty"`
	Salt          string       `json:"salt"`
	Delay         string       `json:"delay"`
	ScheduledAt   time.Time    `json:"scheduled_at"`
	ReadyAt       time.Time    `json:"ready_at"`
	Status        string       `json:"status" enum:"unscheduled,scheduled,ready,executed,canceled"`
	ScheduledBy   string       `json:"scheduled_by"`
	ExecutedAt    *time.Time   `json:"executed_at,omitempty"`
	CanceledAt    *time.Time   `json:"canceled_at,omitempty"`
}

type TriggerResponse struct {
	Name                string          `json:"name"`
	ConfidenceThreshold float64         `json:"confidence_threshold"`
	Actions             []domain.Action `json:"actions"`
	Cooldown            string          `json:"cooldown"`
	LastFiredAt         *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type SignalResponse struct {
	Fired bool          `json:"fired"`
	Alert *domain.Alert `json:"alert,omitempty"`
}

type AuditEventResponse struct {
	ID          int64          `json:"id"`
	TS          time.Time      `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Outcome     string         `json:"outcome" enum:"ok,rejected,failed"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Payload     map[string]any `json:"payload"`
}

type paginatedAudit struct {
	Items      []AuditEventResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type ArchiveResponse struct {
	Archived int `json:"archived"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Mapping helpers

func (b TargetBody) toDomain() (domain.Target, error) {
	value := decimal.Zero
	if v := strings.TrimSpace(b.Value); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return domain.Target{}, err
		}
		value = parsed
	}
	t := domain.Target{Recipient: strings.TrimSpace(b.Recipient), Value: value}
	if b.Payload != "" {
		t.Payload = []byte(b.Payload)
	}
	return t, nil
}

func toTargets(in []TargetBody) ([]domain.Target, error) {
	out := make([]domain.Target, 0, len(in))
	for _, b := range in {
		t, err := b.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func targetBodies(in []domain.Target) []TargetBody {
	out := make([]TargetBody, 0, len(in))
	for _, t := range in {
		out = append(out, TargetBody{Recipient: t.Recipient, Value: t.Value.String(), Payload: string(t.Payload)})
	}
	return out
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:                 p.ID,
		Proposer:           p.Proposer,
		Targets:            targetBodies(p.Targets),
		Description:        p.Description,
		DescriptionHash:    p.DescriptionHash,
		CreationCheckpoint: p.CreationCheckpoint,
		VotingStart:        p.VotingStart,
		VotingEnd:          p.VotingEnd,
		VotesFor:           p.VotesFor.String(),
		VotesAgainst:       p.VotesAgainst.String(),
		VotesAbstain:       p.VotesAbstain.String(),
		Quorum:             p.Quorum.String(),
		State:              string(p.State),
		OperationID:        p.OperationID,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		ArchivedAt:         p.ArchivedAt,
	}
}

func voteResponse(v domain.Vote) VoteResponse {
	return VoteResponse{
		ProposalID: v.ProposalID,
		Voter:      v.Voter,
		Support:    string(v.Support),
		Weight:     v.Weight.String(),
		CastAt:     v.CastAt,
	}
}

func transactionResponse(t domain.MultiSigTransaction) TransactionResponse {
	return TransactionResponse{
		ID:                t.ID,
		OperationType:     t.OperationType,
		Proposer:          t.Proposer,
		Targets:           targetBodies(t.Targets),
		Approvals:         nonNilSlice(t.Approvals),
		Vetoes:            nonNilSlice(t.Vetoes),
		RequiredApprovals: t.RequiredApprovals,
		State:             string(t.State),
		OperationID:       t.OperationID,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		ExpiresAt:         t.ExpiresAt,
		ExecutedAt:        t.ExecutedAt,
	}
}

func operationResponse(o domain.TimelockOperation) OperationResponse {
	return OperationResponse{
		ID:            o.ID,
		OperationType: o.OperationType,
		OriginKind:    string(o.OriginKind),
		OriginID:      o.OriginID,
		Targets:       targetBodies(o.Targets),
		Predecessor:   o.Predecessor,
		Salt:          o.Salt,
		Delay:         o.Delay.String(),
		ScheduledAt:   o.ScheduledAt,
		ReadyAt:       o.ReadyAt,
		Status:        string(o.Status),
		ScheduledBy:   o.ScheduledBy,
		ExecutedAt:    o.ExecutedAt,
		CanceledAt:    o.CanceledAt,
	}
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	return TriggerResponse{
		Name:                t.Name,
		ConfidenceThreshold: t.ConfidenceThreshold,
		Actions:             nonNilSlice(t.Actions),
		Cooldown:            t.Cooldown.String(),
		LastFiredAt:         t.LastFiredAt,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func auditEventResponse(evt domain.AuditEvent) AuditEventResponse {
	payload := map[string]any{}
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			payload = map[string]any{"raw": string(evt.Payload)}
		}
	}
	return AuditEventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		OperationID: evt.OperationID,
		ActorID:     evt.ActorID,
		Outcome:     evt.Outcome,
		ErrorCode:   evt.ErrorCode,
		Payload:     payload,
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, item := range in {
		out = append(out, fn(item))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

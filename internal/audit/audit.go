package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"govgate/internal/domain"
)

// Event types written by the engine.
const (
	ProposalCreated   = "proposal.created"
	ProposalVoted     = "proposal.voted"
	ProposalTallied   = "proposal.tallied"
	ProposalQueued    = "proposal.queued"
	ProposalExecuted  = "proposal.executed"
	ProposalCanceled  = "proposal.canceled"
	ProposalArchived  = "proposal.archived"
	TxSubmitted       = "multisig.submitted"
	TxApproved        = "multisig.approved"
	TxVetoed          = "multisig.vetoed"
	TxExecuted        = "multisig.executed"
	TxExpired         = "multisig.expired"
	OpScheduled       = "timelock.scheduled"
	OpExecuted        = "timelock.executed"
	OpCanceled        = "timelock.canceled"
	PolicyUpdated     = "policy.updated"
	SubsystemPaused   = "system.paused"
	SubsystemResumed  = "system.resumed"
	OpTypeBlocked     = "system.blocked"
	OpTypeUnblocked   = "system.unblocked"
	TargetDispatched  = "target.dispatched"
	TriggerRegistered = "trigger.registered"
	TriggerFired      = "trigger.fired"
	SignalSuppressed  = "trigger.suppressed"
)

// Outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Entity kinds.
const (
	EntityProposal    = "proposal"
	EntityTransaction = "transaction"
	EntityOperation   = "operation"
	EntityPolicy      = "policy"
	EntityTrigger     = "trigger"
	EntitySystem      = "system"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityMap = map[string]Severity{
	TxVetoed:         SeverityWarning,
	ProposalCanceled: SeverityNotice,
	OpCanceled:       SeverityNotice,
	PolicyUpdated:    SeverityNotice,
	SubsystemPaused:  SeverityCritical,
	OpTypeBlocked:    SeverityCritical,
	TriggerFired:     SeverityCritical,
	SignalSuppressed: SeverityNotice,
}

// SeverityOf maps an event to a severity; rejections are at least warnings.
func SeverityOf(evt domain.AuditEvent) Severity {
	if s, ok := severityMap[evt.Type]; ok {
		return s
	}
	if evt.Outcome != OutcomeOK {
		return SeverityWarning
	}
	return SeverityInfo
}

// Payload is the free-form JSON body attached to an event.
type Payload map[string]any

// Entry is a pending audit record.
type Entry struct {
	Type        string
	EntityKind  string
	EntityID    string
	OperationID string
	ActorID     string
	Outcome     string
	ErrorCode   string
	Payload     Payload
}

// Log is the append-only audit trail.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes e inside tx, or directly when tx is nil.
func (l Log) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	var x execer = l.DB
	if tx != nil {
		x = tx
	}
	_, err = x.ExecContext(ctx, `INSERT INTO audit_events(ts,type,entity_kind,entity_id,operation_id,actor_id,outcome,error_code,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, e.EntityKind, nullable(e.EntityID), nullable(e.OperationID), e.ActorID, e.Outcome,
		nullable(e.ErrorCode), string(data))
	return err
}

// Filter selects audit events. Ref matches either the entity id or the operation id.
type Filter struct {
	Ref        string
	Type       string
	EntityKind string
	Outcome    string
	Since      time.Time
	Until      time.Time
	Cursor     int64
	Limit      int
}

const defaultLimit = 100

// Query returns events newest first. Cursor is the last id seen on the previous page.
func (l Log) Query(ctx context.Context, f Filter) ([]domain.AuditEvent, error) {
	var clauses []string
	var args []any
	if f.Ref != "" {
		clauses = append(clauses, "(entity_id=? OR operation_id=?)")
		args = append(args, f.Ref, f.Ref)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	query := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return l.list(ctx, query, args...)
}

// After returns up to limit events with id greater than cursor, oldest first.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return l.list(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestID returns the newest event id, or zero on an empty log.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(operation_id,''),actor_id,outcome,COALESCE(error_code,''),payload_json`

func (l Log) list(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AuditEvent{}
	for rows.Next() {
		var (
			e       domain.AuditEvent
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &e.OperationID, &e.ActorID, &e.Outcome, &e.ErrorCode, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, err
		}
		if json.Valid([]byte(payload)) {
			e.Payload = json.RawMessage(payload)
		} else {
			e.Payload = json.RawMessage(`{}`)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

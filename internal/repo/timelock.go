package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"govgate/internal/domain"
)

const opColumns = `id,operation_type,origin_kind,COALESCE(origin_id,''),targets_json,COALESCE(predecessor,''),salt,delay_ns,
scheduled_at,ready_at,status,scheduled_by,executed_at,canceled_at`

func scanOperation(s scanner) (domain.TimelockOperation, error) {
	var (
		o                         domain.TimelockOperation
		targets, scheduled, ready string
		delay                     int64
		executed, canceled        sql.NullString
	)
	err := s.Scan(&o.ID, &o.OperationType, &o.OriginKind, &o.OriginID, &targets, &o.Predecessor, &o.Salt, &delay,
		&scheduled, &ready, &o.Status, &o.ScheduledBy, &executed, &canceled)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(targets), &o.Targets); err != nil {
		return o, err
	}
	o.Delay = domain.NewDuration(time.Duration(delay))
	if o.ScheduledAt, err = parseTime(scheduled); err != nil {
		return o, err
	}
	if o.ReadyAt, err = parseTime(ready); err != nil {
		return o, err
	}
	if o.ExecutedAt, err = parseNullTime(executed); err != nil {
		return o, err
	}
	o.CanceledAt, err = parseNullTime(canceled)
	return o, err
}

// InsertOperation fails with a constraint error when the id was already scheduled.
func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, o domain.TimelockOperation) error {
	targets, err := marshalJSON(o.Targets)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO timelock_operations(id,operation_type,origin_kind,origin_id,targets_json,predecessor,salt,delay_ns,
scheduled_at,ready_at,status,scheduled_by) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.OperationType, o.OriginKind, nullable(o.OriginID), targets, nullable(o.Predecessor), o.Salt, int64(o.Delay.Duration),
		FormatTime(o.ScheduledAt), FormatTime(o.ReadyAt), o.Status, o.ScheduledBy)
	return err
}

func (r Repo) GetOperation(ctx context.Context, tx *sql.Tx, id string) (domain.TimelockOperation, error) {
	return scanOperation(r.q(tx).QueryRowContext(ctx, `SELECT `+opColumns+` FROM timelock_operations WHERE id=?`, id))
}

func (r Repo) UpdateOperationStatus(ctx context.Context, tx *sql.Tx, o domain.TimelockOperation) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE timelock_operations SET status=?,executed_at=?,canceled_at=? WHERE id=?`,
		o.Status, nullTime(o.ExecutedAt), nullTime(o.CanceledAt), o.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) ListOperations(ctx context.Context, status domain.OperationStatus, limit int) ([]domain.TimelockOperation, error) {
	query := `SELECT ` + opColumns + ` FROM timelock_operations`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelockOperation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

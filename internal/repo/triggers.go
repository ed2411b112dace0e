package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"govgate/internal/domain"
)

const triggerColumns = `name,confidence_threshold,actions_json,cooldown_ns,last_fired_at,created_at,updated_at`

func scanTrigger(s scanner) (domain.Trigger, error) {
	var (
		t                         domain.Trigger
		actions, created, updated string
		cooldown                  int64
		last                      sql.NullString
	)
	err := s.Scan(&t.Name, &t.ConfidenceThreshold, &actions, &cooldown, &last, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(actions), &t.Actions); err != nil {
		return t, err
	}
	t.Cooldown = domain.NewDuration(time.Duration(cooldown))
	if t.LastFiredAt, err = parseNullTime(last); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTime(updated)
	return t, err
}

// UpsertTrigger replaces a trigger definition, keeping created_at and last_fired_at.
func (r Repo) UpsertTrigger(ctx context.Context, tx *sql.Tx, t domain.Trigger) error {
	actions, err := marshalJSON(t.Actions)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO triggers(name,confidence_threshold,actions_json,cooldown_ns,last_fired_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET confidence_threshold=excluded.confidence_threshold, actions_json=excluded.actions_json,
cooldown_ns=excluded.cooldown_ns, updated_at=excluded.updated_at`,
		t.Name, t.ConfidenceThreshold, actions, int64(t.Cooldown.Duration), nullTime(t.LastFiredAt), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

func (r Repo) GetTrigger(ctx context.Context, tx *sql.Tx, name string) (domain.Trigger, error) {
	return scanTrigger(r.q(tx).QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE name=?`, name))
}

func (r Repo) MarkTriggerFired(ctx context.Context, tx *sql.Tx, name string, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE triggers SET last_fired_at=? WHERE name=?`, FormatTime(at), name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	actions, err := marshalJSON(a.Actions)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO alerts(id,trigger_name,confidence,evidence,actions_json,transaction_id,outcome,error,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Trigger, a.Confidence, nullable(a.Evidence), actions, nullable(a.TransactionID), a.Outcome, nullable(a.Error), FormatTime(a.CreatedAt))
	return err
}

func (r Repo) ListAlerts(ctx context.Context, trigger string, limit int) ([]domain.Alert, error) {
	query := `SELECT id,trigger_name,confidence,COALESCE(evidence,''),actions_json,COALESCE(transaction_id,''),outcome,COALESCE(error,''),created_at FROM alerts`
	var args []any
	if trigger != "" {
		query += ` WHERE trigger_name=?`
		args = append(args, trigger)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var actions, created string
		if err := rows.Scan(&a.ID, &a.Trigger, &a.Confidence, &a.Evidence, &actions, &a.TransactionID, &a.Outcome, &a.Error, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actions), &a.Actions); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Flag kinds stored in system_flags.
const (
	FlagPaused  = "paused_subsystem"
	FlagBlocked = "blocked_operation_type"
)

func (r Repo) SetFlag(ctx context.Context, tx *sql.Tx, kind, name string, active bool, actor string, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO system_flags(kind,name,active,updated_at,updated_by) VALUES (?,?,?,?,?)
ON CONFLICT(kind,name) DO UPDATE SET active=excluded.active, updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		kind, name, active, FormatTime(at), actor)
	return err
}

func (r Repo) FlagActive(ctx context.Context, tx *sql.Tx, kind, name string) (bool, error) {
	var active bool
	err := r.q(tx).QueryRowContext(ctx, `SELECT active FROM system_flags WHERE kind=? AND name=?`, kind, name).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return active, err
}

// ActiveFlags lists names of active flags of a kind, ordered by name.
func (r Repo) ActiveFlags(ctx context.Context, tx *sql.Tx, kind string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT name FROM system_flags WHERE kind=? AND active=1 ORDER BY name`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"govgate/internal/domain"
)

func scanPolicy(s scanner) (domain.SecurityPolicy, error) {
	var (
		p                      domain.SecurityPolicy
		scope, params, updated string
	)
	err := s.Scan(&p.Name, &p.Version, &scope, &params, &updated, &p.UpdatedBy)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(params), &p.Parameters); err != nil {
		return p, err
	}
	p.UpdatedAt, err = parseTime(updated)
	return p, err
}

// CurrentPolicy returns the latest version of a policy.
func (r Repo) CurrentPolicy(ctx context.Context, tx *sql.Tx, name string) (domain.SecurityPolicy, error) {
	return scanPolicy(r.q(tx).QueryRowContext(ctx, `SELECT name,version,scope_json,parameters_json,updated_at,updated_by
FROM policies WHERE name=? ORDER BY version DESC LIMIT 1`, name))
}

func (r Repo) PolicyVersion(ctx context.Context, name string, version int) (domain.SecurityPolicy, error) {
	return scanPolicy(r.DB.QueryRowContext(ctx, `SELECT name,version,scope_json,parameters_json,updated_at,updated_by
FROM policies WHERE name=? AND version=?`, name, version))
}

// CurrentPolicies lists the latest version of every policy, ordered by name.
func (r Repo) CurrentPolicies(ctx context.Context, tx *sql.Tx) ([]domain.SecurityPolicy, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT p.name,p.version,p.scope_json,p.parameters_json,p.updated_at,p.updated_by
FROM policies p JOIN (SELECT name, MAX(version) AS version FROM policies GROUP BY name) latest
ON latest.name = p.name AND latest.version = p.version ORDER BY p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SecurityPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertPolicyVersion writes p as the next version of its name and returns the stored row.
func (r Repo) InsertPolicyVersion(ctx context.Context, tx *sql.Tx, p domain.SecurityPolicy) (domain.SecurityPolicy, error) {
	var current int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM policies WHERE name=?`, p.Name).Scan(&current); err != nil {
		return p, err
	}
	p.Version = current + 1
	if p.Scope == nil {
		p.Scope = []string{}
	}
	if p.Parameters == nil {
		p.Parameters = map[string]any{}
	}
	scope, err := marshalJSON(p.Scope)
	if err != nil {
		return p, err
	}
	params, err := marshalJSON(p.Parameters)
	if err != nil {
		return p, err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO policies(name,version,scope_json,parameters_json,updated_at,updated_by) VALUES (?,?,?,?,?,?)`,
		p.Name, p.Version, scope, params, FormatTime(p.UpdatedAt), p.UpdatedBy)
	return p, err
}

func (r Repo) CountPolicies(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT name) FROM policies`).Scan(&n)
	return n, err
}

// Admission records an origination that passed policy checks.
type Admission struct {
	OperationType string
	EntityKind    string
	EntityID      string
	ActorID       string
	AdmittedAt    time.Time
}

func (r Repo) InsertAdmission(ctx context.Context, tx *sql.Tx, a Admission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO admissions(operation_type,entity_kind,entity_id,actor_id,admitted_at) VALUES (?,?,?,?,?)`,
		a.OperationType, a.EntityKind, a.EntityID, a.ActorID, FormatTime(a.AdmittedAt))
	return err
}

// CountAdmissionsSince counts admissions for the operation types at or after since.
// An empty type list counts every type.
func (r Repo) CountAdmissionsSince(ctx context.Context, tx *sql.Tx, opTypes []string, since time.Time) (int, error) {
	query, args := admissionQuery(`SELECT COUNT(*) FROM admissions WHERE admitted_at >= ?`, opTypes, since)
	var n int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// LastAdmission returns the most recent admission time for the operation types, or nil.
func (r Repo) LastAdmission(ctx context.Context, tx *sql.Tx, opTypes []string) (*time.Time, error) {
	query, args := admissionQuery(`SELECT MAX(admitted_at) FROM admissions WHERE admitted_at >= ?`, opTypes, time.Time{})
	var last sql.NullString
	if err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return nil, err
	}
	return parseNullTime(last)
}

func admissionQuery(base string, opTypes []string, since time.Time) (string, []any) {
	args := []any{FormatTime(since)}
	if len(opTypes) == 0 {
		return base, args
	}
	query := base + ` AND operation_type IN (`
	for i, t := range opTypes {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, t)
	}
	return query + ")", args
}

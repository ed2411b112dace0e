package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"govgate/internal/domain"
)

const txColumns = `id,operation_type,proposer,targets_json,required_approvals,state,COALESCE(operation_id,''),created_at,updated_at,expires_at,executed_at`

func scanTransaction(s scanner) (domain.MultiSigTransaction, error) {
	var (
		t                         domain.MultiSigTransaction
		targets, created, updated string
		expires, executed         sql.NullString
	)
	err := s.Scan(&t.ID, &t.OperationType, &t.Proposer, &targets, &t.RequiredApprovals, &t.State, &t.OperationID,
		&created, &updated, &expires, &executed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(targets), &t.Targets); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	if t.ExpiresAt, err = parseNullTime(expires); err != nil {
		return t, err
	}
	t.ExecutedAt, err = parseNullTime(executed)
	return t, err
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.MultiSigTransaction) error {
	targets, err := marshalJSON(t.Targets)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO multisig_transactions(id,operation_type,proposer,targets_json,required_approvals,state,operation_id,created_at,updated_at,expires_at,executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OperationType, t.Proposer, targets, t.RequiredApprovals, t.State, nullable(t.OperationID),
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt), nullTime(t.ExpiresAt), nullTime(t.ExecutedAt))
	return err
}

// GetTransaction loads a transaction together with its approvals and vetoes.
func (r Repo) GetTransaction(ctx context.Context, tx *sql.Tx, id string) (domain.MultiSigTransaction, error) {
	t, err := scanTransaction(r.q(tx).QueryRowContext(ctx, `SELECT `+txColumns+` FROM multisig_transactions WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	if t.Approvals, err = r.listApprovals(ctx, tx, id); err != nil {
		return t, err
	}
	t.Vetoes, err = r.listVetoes(ctx, tx, id)
	return t, err
}

func (r Repo) UpdateTransaction(ctx context.Context, tx *sql.Tx, t domain.MultiSigTransaction) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE multisig_transactions SET state=?,operation_id=?,updated_at=?,executed_at=? WHERE id=?`,
		t.State, nullable(t.OperationID), FormatTime(t.UpdatedAt), nullTime(t.ExecutedAt), t.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, txID string, a domain.Approval) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO multisig_approvals(tx_id,owner,signature,approved_at) VALUES (?,?,?,?)`,
		txID, a.Owner, nullable(a.Signature), FormatTime(a.ApprovedAt))
	return err
}

func (r Repo) InsertVeto(ctx context.Context, tx *sql.Tx, txID string, v domain.Veto) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO multisig_vetoes(tx_id,guardian,reason,vetoed_at) VALUES (?,?,?,?)`,
		txID, v.Guardian, nullable(v.Reason), FormatTime(v.VetoedAt))
	return err
}

func (r Repo) listApprovals(ctx context.Context, tx *sql.Tx, txID string) ([]domain.Approval, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT owner,COALESCE(signature,''),approved_at FROM multisig_approvals WHERE tx_id=? ORDER BY approved_at, owner`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Approval{}
	for rows.Next() {
		var a domain.Approval
		var ts string
		if err := rows.Scan(&a.Owner, &a.Signature, &ts); err != nil {
			return nil, err
		}
		if a.ApprovedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) listVetoes(ctx context.Context, tx *sql.Tx, txID string) ([]domain.Veto, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT guardian,COALESCE(reason,''),vetoed_at FROM multisig_vetoes WHERE tx_id=? ORDER BY vetoed_at, guardian`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Veto{}
	for rows.Next() {
		var v domain.Veto
		var ts string
		if err := rows.Scan(&v.Guardian, &v.Reason, &ts); err != nil {
			return nil, err
		}
		if v.VetoedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type TransactionFilters struct {
	States        []domain.TransactionState
	OperationType string
	Limit         int
}

// ListTransactions returns transactions without their approval and veto lists.
func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.MultiSigTransaction, error) {
	var clauses []string
	var args []any
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.OperationType != "" {
		clauses = append(clauses, "operation_type=?")
		args = append(args, f.OperationType)
	}
	query := `SELECT ` + txColumns + ` FROM multisig_transactions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MultiSigTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Package ledger is a local checkpointed token ledger. It provides the voting
// power the governor snapshots and applies value transfers for executed targets.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"govgate/internal/domain"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger stores balances per checkpoint. Every mint or transfer creates the next
// checkpoint; earlier checkpoints are never rewritten.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (l Ledger) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return l.DB
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Account normalizes an account identifier.
func Account(id string) string {
	return domain.NormalizeIdentity(id)
}

func (l Ledger) LatestCheckpoint(ctx context.Context) (uint64, error) {
	return latest(ctx, l.DB)
}

func latest(ctx context.Context, q querier) (uint64, error) {
	var cp uint64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM ledger_checkpoints`).Scan(&cp)
	return cp, err
}

// VotingPowerOf returns the balance of account as of checkpoint.
func (l Ledger) VotingPowerOf(ctx context.Context, account string, checkpoint uint64) (decimal.Decimal, error) {
	return balanceAt(ctx, l.DB, Account(account), checkpoint)
}

func balanceAt(ctx context.Context, q querier, account string, checkpoint uint64) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE account=? AND checkpoint<=? ORDER BY checkpoint DESC LIMIT 1`,
		account, checkpoint).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// TotalSupplyAt returns total minted supply as of checkpoint.
func (l Ledger) TotalSupplyAt(ctx context.Context, checkpoint uint64) (decimal.Decimal, error) {
	return supplyAt(ctx, l.DB, checkpoint)
}

func supplyAt(ctx context.Context, q querier, checkpoint uint64) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT total FROM ledger_supply WHERE checkpoint<=? ORDER BY checkpoint DESC LIMIT 1`, checkpoint).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Mint credits account and returns the new checkpoint.
func (l Ledger) Mint(ctx context.Context, account string, amount decimal.Decimal, note string) (uint64, error) {
	if !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}
	return l.inTx(ctx, func(tx *sql.Tx) (uint64, error) {
		return l.apply(ctx, tx, note, map[string]decimal.Decimal{Account(account): amount}, amount)
	})
}

// Transfer moves amount between accounts and returns the new checkpoint.
func (l Ledger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (uint64, error) {
	return l.inTx(ctx, func(tx *sql.Tx) (uint64, error) {
		return l.TransferTx(ctx, tx, from, to, amount)
	})
}

// TransferTx is Transfer inside a caller-owned transaction.
func (l Ledger) TransferTx(ctx context.Context, tx *sql.Tx, from, to string, amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}
	from, to = Account(from), Account(to)
	if from == to {
		return 0, fmt.Errorf("transfer to self: %s", from)
	}
	return l.apply(ctx, tx, fmt.Sprintf("transfer %s -> %s", from, to),
		map[string]decimal.Decimal{from: amount.Neg(), to: amount}, decimal.Zero)
}

func (l Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) (uint64, error)) (uint64, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	cp, err := fn(tx)
	if err != nil {
		return 0, err
	}
	return cp, tx.Commit()
}

func (l Ledger) apply(ctx context.Context, tx *sql.Tx, note string, deltas map[string]decimal.Decimal, supplyDelta decimal.Decimal) (uint64, error) {
	q := l.q(tx)
	prev, err := latest(ctx, q)
	if err != nil {
		return 0, err
	}
	accounts := make([]string, 0, len(deltas))
	for a := range deltas {
		if strings.TrimSpace(a) == "" {
			return 0, errors.New("account is required")
		}
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	next := make(map[string]decimal.Decimal, len(deltas))
	for _, a := range accounts {
		cur, err := balanceAt(ctx, q, a, prev)
		if err != nil {
			return 0, err
		}
		nb := cur.Add(deltas[a])
		if nb.IsNegative() {
			return 0, fmt.Errorf("%w: %s holds %s", ErrInsufficientBalance, a, cur)
		}
		next[a] = nb
	}
	supply, err := supplyAt(ctx, q, prev)
	if err != nil {
		return 0, err
	}
	cp := prev + 1
	if _, err := q.ExecContext(ctx, `INSERT INTO ledger_checkpoints(id,created_at,note) VALUES (?,?,?)`, cp, l.now().Format(time.RFC3339), note); err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if _, err := q.ExecContext(ctx, `INSERT INTO ledger_balances(account,checkpoint,balance) VALUES (?,?,?)`, a, cp, next[a].String()); err != nil {
			return 0, err
		}
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO ledger_supply(checkpoint,total) VALUES (?,?)`, cp, supply.Add(supplyDelta).String()); err != nil {
		return 0, err
	}
	return cp, nil
}

// Balance is one account's holdings at a checkpoint.
type Balance struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Balances lists every non-zero balance as of checkpoint.
func (l Ledger) Balances(ctx context.Context, checkpoint uint64) ([]Balance, error) {
	if checkpoint == 0 {
		return []Balance{}, nil
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT b.account, b.balance FROM ledger_balances b
JOIN (SELECT account, MAX(checkpoint) AS cp FROM ledger_balances WHERE checkpoint<=? GROUP BY account) last
ON last.account = b.account AND last.cp = b.checkpoint ORDER BY b.account`, checkpoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Balance{}
	for rows.Next() {
		var b Balance
		var raw string
		if err := rows.Scan(&b.Account, &raw); err != nil {
			return nil, err
		}
		if b.Amount, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		if b.Amount.IsZero() {
			continue
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Dispatcher applies non-system targets as transfers out of a treasury account.
// Zero-value targets carry only a payload and are accepted without a ledger change.
type Dispatcher struct {
	Ledger   Ledger
	Treasury string
}

func (d Dispatcher) Dispatch(ctx context.Context, tx *sql.Tx, t domain.Target) error {
	if t.Value.IsNegative() {
		return fmt.Errorf("negative value %s", t.Value)
	}
	if t.Value.IsZero() {
		return nil
	}
	if strings.TrimSpace(d.Treasury) == "" {
		return errors.New("no treasury account configured")
	}
	_, err := d.Ledger.TransferTx(ctx, tx, d.Treasury, t.Recipient, t.Value)
	return err
}

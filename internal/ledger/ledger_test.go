package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/db"
	"govgate/internal/domain"
	"govgate/internal/migrate"
)

func newLedger(t *testing.T) Ledger {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Ledger{DB: conn, Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCheckpointsAreImmutable(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	cp0, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, cp0)

	cp1, err := l.Mint(ctx, "alice", dec("100"), "genesis")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp1)
	cp2, err := l.Mint(ctx, "bob", dec("50"), "")
	require.NoError(t, err)
	cp3, err := l.Transfer(ctx, "alice", "bob", dec("30"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp3)

	tests := []struct {
		cp         uint64
		alice, bob string
		supply     string
	}{
		{0, "0", "0", "0"},
		{cp1, "100", "0", "100"},
		{cp2, "100", "50", "150"},
		{cp3, "70", "80", "150"},
	}
	for _, tt := range tests {
		a, err := l.VotingPowerOf(ctx, "alice", tt.cp)
		require.NoError(t, err)
		b, err := l.VotingPowerOf(ctx, "bob", tt.cp)
		require.NoError(t, err)
		s, err := l.TotalSupplyAt(ctx, tt.cp)
		require.NoError(t, err)
		assert.True(t, a.Equal(dec(tt.alice)), "alice at %d: %s", tt.cp, a)
		assert.True(t, b.Equal(dec(tt.bob)), "bob at %d: %s", tt.cp, b)
		assert.True(t, s.Equal(dec(tt.supply)), "supply at %d: %s", tt.cp, s)
	}

	balances, err := l.Balances(ctx, cp3)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "alice", balances[0].Account)
}

func TestTransferRejects(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Mint(ctx, "alice", dec("10"), "")
	require.NoError(t, err)

	_, err = l.Transfer(ctx, "alice", "bob", dec("11"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = l.Transfer(ctx, "alice", "bob", dec("0"))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Mint(ctx, "alice", dec("-1"), "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	cp, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp, "failed operations must not create checkpoints")
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_, err := l.Mint(ctx, "treasury", dec("100"), "")
	require.NoError(t, err)

	d := Dispatcher{Ledger: l, Treasury: "treasury"}
	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(ctx, tx, domain.Target{Recipient: "grants", Value: dec("40")}))
	require.NoError(t, d.Dispatch(ctx, tx, domain.Target{Recipient: "grants", Payload: []byte("noop")}))
	require.Error(t, d.Dispatch(ctx, tx, domain.Target{Recipient: "grants", Value: dec("100")}))
	require.NoError(t, tx.Commit())

	cp, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	got, err := l.VotingPowerOf(ctx, "grants", cp)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("40")))
}

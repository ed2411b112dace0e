package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/db"
	"govgate/internal/domain"
	"govgate/internal/migrate"
)

func setupLog(t *testing.T) (Log, *time.Time) {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return Log{DB: conn, Now: func() time.Time { return now }}, &now
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	log, now := setupLog(t)

	require.NoError(t, log.Append(ctx, nil, Entry{Type: ProposalCreated, EntityKind: EntityProposal, EntityID: "p1", ActorID: "alice", Payload: Payload{"targets": 1}}))
	*now = now.Add(time.Hour)
	require.NoError(t, log.Append(ctx, nil, Entry{Type: OpScheduled, EntityKind: EntityOperation, EntityID: "0xop", OperationID: "0xop", ActorID: "alice"}))
	*now = now.Add(time.Hour)

	tx, err := log.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, tx, Entry{Type: ProposalQueued, EntityKind: EntityProposal, EntityID: "p1", OperationID: "0xop", ActorID: "bob"}))
	require.NoError(t, tx.Rollback())

	require.NoError(t, log.Append(ctx, nil, Entry{Type: ProposalVoted, EntityKind: EntityProposal, EntityID: "p1", ActorID: "carol", Outcome: OutcomeRejected, ErrorCode: "ALREADY_VOTED"}))

	all, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3, "rolled back append must not persist")
	assert.Equal(t, ProposalVoted, all[0].Type)
	assert.Equal(t, OutcomeRejected, all[0].Outcome)
	assert.Equal(t, "ALREADY_VOTED", all[0].ErrorCode)
	assert.JSONEq(t, `{"targets":1}`, string(all[2].Payload))
	assert.Equal(t, OutcomeOK, all[2].Outcome)

	byOp, err := log.Query(ctx, Filter{Ref: "0xop"})
	require.NoError(t, err)
	require.Len(t, byOp, 1)
	assert.Equal(t, OpScheduled, byOp[0].Type)

	byEntity, err := log.Query(ctx, Filter{Ref: "p1", Type: ProposalCreated})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)

	ranged, err := log.Query(ctx, Filter{Since: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	page, err := log.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	next, err := log.Query(ctx, Filter{Limit: 2, Cursor: page[1].ID})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, ProposalCreated, next[0].Type)

	latest, err := log.LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, all[0].ID, latest)

	after, err := log.After(ctx, all[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, OpScheduled, after[0].Type)
}

func TestSeverityOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SeverityCritical, SeverityOf(domain.AuditEvent{Type: SubsystemPaused, Outcome: OutcomeOK}))
	assert.Equal(t, SeverityWarning, SeverityOf(domain.AuditEvent{Type: ProposalVoted, Outcome: OutcomeRejected}))
	assert.Equal(t, SeverityInfo, SeverityOf(domain.AuditEvent{Type: ProposalVoted, Outcome: OutcomeOK}))
}

package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/db"
	"govgate/internal/domain"
	"govgate/internal/engine"
	"govgate/internal/engine/auth"
	"govgate/internal/ledger"
	"govgate/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ledger ledger.Ledger
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T, tweak func(cfg *config.Config)) testEnv {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "govgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("alice")
	cfg.Multisig.Owners = []string{"alice", "bob", "carol"}
	cfg.Multisig.Guardians = []string{"guardian"}
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	eng := engine.New(conn, cfg)
	eng.Now = now
	l := ledger.Ledger{DB: conn, Now: now}
	eng.Ledger = l
	eng.Dispatch = ledger.Dispatcher{Ledger: l, Treasury: cfg.Ledger.Treasury}

	ctx := context.Background()
	require.NoError(t, eng.SeedFromConfig(ctx))
	return testEnv{Engine: eng, Ledger: l, Ctx: ctx, clock: &clock}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (env testEnv) mint(t *testing.T, account, amount string) {
	t.Helper()
	_, err := env.Ledger.Mint(env.Ctx, account, dec(amount), "test")
	require.NoError(t, err)
}

func balance(t *testing.T, env testEnv, account string) decimal.Decimal {
	t.Helper()
	cp, err := env.Ledger.LatestCheckpoint(env.Ctx)
	require.NoError(t, err)
	b, err := env.Ledger.VotingPowerOf(env.Ctx, account, cp)
	require.NoError(t, err)
	return b
}

func policyTarget(t *testing.T, env testEnv, name string, params map[string]any) domain.Target {
	t.Helper()
	target, err := env.Engine.PolicyChangeTarget(name, nil, params)
	require.NoError(t, err)
	return target
}

func transfer(to, value string) domain.Target {
	return domain.Target{Recipient: to, Value: dec(value)}
}

func TestProposalScenario(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Governance.ProposalThreshold = dec("100")
		cfg.Governance.QuorumPercent = decimal.Zero
		cfg.Governance.QuorumAmount = dec("50")
	})
	env.mint(t, "proposer", "150")
	env.mint(t, "voter", "60")

	p, err := env.Engine.Propose(env.Ctx, "proposer", []domain.Target{policyTarget(t, env, "bridge_limits", map[string]any{"max_value": "500"})}, "cap bridge withdrawals")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPending, p.State)
	assert.Equal(t, uint64(2), p.CreationCheckpoint)
	assert.True(t, p.Quorum.Equal(dec("50")))
	assert.Equal(t, domain.DescriptionHash("cap bridge withdrawals").Hex(), p.DescriptionHash)

	_, err = env.Engine.CastVote(env.Ctx, "voter", p.ID, domain.SupportFor)
	require.ErrorIs(t, err, engine.ErrVotingClosed)

	env.advance(time.Hour)
	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalActive, got.State)

	v, err := env.Engine.CastVote(env.Ctx, "voter", p.ID, domain.SupportFor)
	require.NoError(t, err)
	assert.True(t, v.Weight.Equal(dec("60")))

	_, err = env.Engine.Tally(env.Ctx, p.ID, "voter")
	require.ErrorIs(t, err, engine.ErrVotingOpen)

	env.advance(72*time.Hour + time.Second)
	_, err = env.Engine.CastVote(env.Ctx, "proposer", p.ID, domain.SupportAgainst)
	require.ErrorIs(t, err, engine.ErrVotingClosed)

	tallied, err := env.Engine.Tally(env.Ctx, p.ID, "voter")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalSucceeded, tallied.State)
	again, err := env.Engine.Tally(env.Ctx, p.ID, "voter")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalSucceeded, again.State)

	queued, err := env.Engine.QueueProposal(env.Ctx, p.ID, "voter")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalQueued, queued.State)
	require.NotEmpty(t, queued.OperationID)
	_, err = env.Engine.QueueProposal(env.Ctx, p.ID, "voter")
	require.ErrorIs(t, err, engine.ErrAlreadyScheduled)

	_, err = env.Engine.ExecuteProposal(env.Ctx, p.ID, "voter")
	require.ErrorIs(t, err, engine.ErrNotReady)

	env.advance(48 * time.Hour)
	executed, err := env.Engine.ExecuteProposal(env.Ctx, p.ID, "voter")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalExecuted, executed.State)

	policy, err := env.Engine.GetPolicy(env.Ctx, "bridge_limits")
	require.NoError(t, err)
	assert.Equal(t, 1, policy.Version)
	assert.Equal(t, "voter", policy.UpdatedBy)

	_, err = env.Engine.ExecuteProposal(env.Ctx, p.ID, "voter")
	require.ErrorIs(t, err, engine.ErrAlreadyExecuted)
	op, err := env.Engine.GetOperation(env.Ctx, queued.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationExecuted, op.Status)
}

func TestProposeRequiresThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "small", "99")

	_, err := env.Engine.Propose(env.Ctx, "small", []domain.Target{transfer("vendor", "1")}, "pay")
	require.ErrorIs(t, err, engine.ErrInsufficientVotingPower)

	env.mint(t, "whale", "1000")
	_, err = env.Engine.Propose(env.Ctx, "whale", nil, "nothing")
	require.ErrorIs(t, err, engine.ErrEmptyTargets)

	rejected, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Type: audit.ProposalCreated, Outcome: audit.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	assert.Equal(t, "EMPTY_TARGETS", rejected[0].ErrorCode)
	assert.Equal(t, "INSUFFICIENT_VOTING_POWER", rejected[1].ErrorCode)
}

func TestQuorumFixedAtCreationCheckpoint(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Governance.QuorumPercent = dec("50")
	})
	env.mint(t, "alice", "150")
	env.mint(t, "bob", "60")

	p, err := env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "pay vendor")
	require.NoError(t, err)
	assert.True(t, p.Quorum.Equal(dec("105")), "quorum %s", p.Quorum)

	env.mint(t, "dave", "10000")
	env.advance(time.Hour)

	_, err = env.Engine.CastVote(env.Ctx, "dave", p.ID, domain.SupportAgainst)
	require.ErrorIs(t, err, engine.ErrInsufficientVotingPower)
	_, err = env.Engine.CastVote(env.Ctx, "alice", p.ID, domain.SupportFor)
	require.NoError(t, err)

	env.advance(73 * time.Hour)
	tallied, err := env.Engine.Tally(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalSucceeded, tallied.State)
	assert.True(t, tallied.Quorum.Equal(dec("105")))
}

func TestOneVotePerVoter(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "alice", "150")
	env.mint(t, "bob", "40")

	p, err := env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "pay")
	require.NoError(t, err)
	env.advance(time.Hour)

	_, err = env.Engine.CastVote(env.Ctx, "bob", p.ID, domain.SupportAgainst)
	require.NoError(t, err)
	_, err = env.Engine.CastVote(env.Ctx, "BOB", p.ID, domain.SupportFor)
	require.ErrorIs(t, err, engine.ErrAlreadyVoted)
	_, err = env.Engine.CastVote(env.Ctx, "alice", p.ID, "maybe")
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.VotesAgainst.Equal(dec("40")))
	assert.True(t, got.VotesFor.IsZero())

	votes, err := env.Engine.ListVotes(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, domain.SupportAgainst, votes[0].Support)
}

func TestDefeatedWithoutMajority(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "alice", "150")
	env.mint(t, "bob", "150")

	p, err := env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "pay")
	require.NoError(t, err)
	env.advance(time.Hour)
	_, err = env.Engine.CastVote(env.Ctx, "alice", p.ID, domain.SupportFor)
	require.NoError(t, err)
	_, err = env.Engine.CastVote(env.Ctx, "bob", p.ID, domain.SupportAgainst)
	require.NoError(t, err)

	env.advance(73 * time.Hour)
	tallied, err := env.Engine.Tally(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalDefeated, tallied.State)

	_, err = env.Engine.QueueProposal(env.Ctx, p.ID, "alice")
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestCancelProposal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "alice", "150")

	p, err := env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "pay")
	require.NoError(t, err)
	_, err = env.Engine.CancelProposal(env.Ctx, p.ID, "mallory")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	canceled, err := env.Engine.CancelProposal(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalCanceled, canceled.State)

	_, err = env.Engine.CancelProposal(env.Ctx, p.ID, "guardian")
	require.ErrorIs(t, err, engine.ErrCanceled)
	_, err = env.Engine.Tally(env.Ctx, p.ID, "alice")
	require.ErrorIs(t, err, engine.ErrCanceled)
}

func TestGuardianCancelsQueuedProposal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "alice", "150")
	p := succeededProposal(t, env)

	queued, err := env.Engine.QueueProposal(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
	_, err = env.Engine.CancelProposal(env.Ctx, p.ID, "alice")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = env.Engine.CancelProposal(env.Ctx, p.ID, "guardian")
	require.NoError(t, err)
	op, err := env.Engine.GetOperation(env.Ctx, queued.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCanceled, op.Status)

	env.advance(48 * time.Hour)
	_, err = env.Engine.ExecuteProposal(env.Ctx, p.ID, "alice")
	require.ErrorIs(t, err, engine.ErrCanceled)
}

func TestQueuedProposalExpires(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "alice", "150")
	p := succeededProposal(t, env)

	_, err := env.Engine.QueueProposal(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
	env.advance(48*time.Hour + 336*time.Hour + time.Second)

	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalExpired, got.State)
	_, err = env.Engine.ExecuteProposal(env.Ctx, p.ID, "alice")
	require.ErrorIs(t, err, engine.ErrExpired)
}

func TestArchiveProposals(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Governance.Retention = domain.NewDuration(24 * time.Hour)
	})
	env.mint(t, "alice", "150")

	old, err := env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "old")
	require.NoError(t, err)
	_, err = env.Engine.CancelProposal(env.Ctx, old.ID, "alice")
	require.NoError(t, err)
	live := succeededProposal(t, env)
	_, err = env.Engine.QueueProposal(env.Ctx, live.ID, "alice")
	require.NoError(t, err)

	env.advance(25 * time.Hour)
	n, err := env.Engine.ArchiveProposals(env.Ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	listed, err := env.Engine.ListProposals(env.Ctx, engine.ProposalListOptions{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, live.ID, listed[0].ID)

	all, err := env.Engine.ListProposals(env.Ctx, engine.ProposalListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// succeededProposal runs a single-voter proposal through a successful tally.
func succeededProposal(t *testing.T, env testEnv) domain.Proposal {
	t.Helper()
	p, err := env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "pay vendor "+env.clock.String())
	require.NoError(t, err)
	env.advance(time.Hour)
	_, err = env.Engine.CastVote(env.Ctx, "alice", p.ID, domain.SupportFor)
	require.NoError(t, err)
	env.advance(72*time.Hour + time.Second)
	p, err = env.Engine.Tally(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.ProposalSucceeded, p.State)
	return p
}

func upgradeConfig(cfg *config.Config) {
	ot := cfg.OperationTypes[config.OpProtocolUpgrade]
	ot.RequiredApprovals = 3
	cfg.OperationTypes[config.OpProtocolUpgrade] = ot
}

func TestProtocolUpgradeScenario(t *testing.T) {
	env := newTestEnv(t, upgradeConfig)
	env.mint(t, "treasury", "1000")

	tx, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "10")})
	require.NoError(t, err)
	assert.Equal(t, 3, tx.RequiredApprovals)
	assert.Equal(t, domain.TxProposed, tx.State)

	_, err = env.Engine.ApproveTransaction(env.Ctx, "mallory", tx.ID, "")
	require.ErrorIs(t, err, engine.ErrNotAnOwner)
	for _, owner := range []string{"alice", "bob"} {
		tx, err = env.Engine.ApproveTransaction(env.Ctx, owner, tx.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.TxProposed, tx.State)
	}
	_, err = env.Engine.ApproveTransaction(env.Ctx, "Alice", tx.ID, "")
	require.ErrorIs(t, err, engine.ErrDuplicateApproval)
	_, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
	require.ErrorIs(t, err, engine.ErrNotReady)

	tx, err = env.Engine.ApproveTransaction(env.Ctx, "carol", tx.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TxQueued, tx.State)
	require.NotEmpty(t, tx.OperationID)

	_, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
	require.ErrorIs(t, err, engine.ErrNotReady)

	env.advance(48 * time.Hour)
	tx, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TxExecuted, tx.State)
	assert.True(t, balance(t, env, "vendor").Equal(dec("10")))
	assert.True(t, balance(t, env, "treasury").Equal(dec("990")))

	_, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
	require.ErrorIs(t, err, engine.ErrAlreadyExecuted)

	events, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Ref: tx.OperationID, Outcome: audit.OutcomeOK})
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{audit.TxExecuted, audit.OpExecuted, audit.TargetDispatched, audit.OpScheduled}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("audit trail mismatch (-want +got):\n%s", diff)
	}
}

func TestVetoIsAbsolute(t *testing.T) {
	env := newTestEnv(t, upgradeConfig)
	env.mint(t, "treasury", "1000")

	tx, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "10")})
	require.NoError(t, err)
	for _, owner := range []string{"alice", "bob", "carol"} {
		tx, err = env.Engine.ApproveTransaction(env.Ctx, owner, tx.ID, "")
		require.NoError(t, err)
	}
	require.Equal(t, domain.TxQueued, tx.State)

	_, err = env.Engine.VetoTransaction(env.Ctx, "alice", tx.ID, "not a guardian")
	require.ErrorIs(t, err, engine.ErrNotAGuardian)

	vetoed, err := env.Engine.VetoTransaction(env.Ctx, "guardian", tx.ID, "malicious upgrade")
	require.NoError(t, err)
	assert.Equal(t, domain.TxVetoed, vetoed.State)
	require.Len(t, vetoed.Vetoes, 1)

	op, err := env.Engine.GetOperation(env.Ctx, tx.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCanceled, op.Status)

	for _, d := range []time.Duration{0, 48 * time.Hour, 1000 * time.Hour} {
		env.advance(d)
		_, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
		require.ErrorIs(t, err, engine.ErrVetoed)
	}
	_, err = env.Engine.VetoTransaction(env.Ctx, "guardian", tx.ID, "again")
	require.ErrorIs(t, err, engine.ErrVetoed)
	assert.True(t, balance(t, env, "vendor").IsZero())
}

func TestVetoNotAllowed(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		ot := cfg.OperationTypes[config.OpPolicyChange]
		ot.GuardianVeto = false
		cfg.OperationTypes[config.OpPolicyChange] = ot
	})

	tx, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpPolicyChange, []domain.Target{policyTarget(t, env, "p", nil)})
	require.NoError(t, err)
	_, err = env.Engine.VetoTransaction(env.Ctx, "guardian", tx.ID, "")
	require.ErrorIs(t, err, engine.ErrVetoNotAllowed)
}

func TestApprovalSignatures(t *testing.T) {
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := auth.AddressOf(ownerKey)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Multisig.Owners = []string{owner, "bob"}
		cfg.Multisig.RequireSignatures = true
	})
	tx, err := env.Engine.SubmitTransaction(env.Ctx, owner, config.OpEmergencyAction, []domain.Target{transfer("vendor", "0")})
	require.NoError(t, err)
	digest := domain.ApprovalDigest(tx.ID, tx.OperationType, tx.Targets)

	_, err = env.Engine.ApproveTransaction(env.Ctx, owner, tx.ID, "")
	require.ErrorIs(t, err, engine.ErrInvalidSignature)

	wrong, err := auth.Sign(digest, otherKey)
	require.NoError(t, err)
	_, err = env.Engine.ApproveTransaction(env.Ctx, owner, tx.ID, wrong.Hex())
	require.ErrorIs(t, err, engine.ErrInvalidSignature)

	sig, err := auth.Sign(digest, ownerKey)
	require.NoError(t, err)
	approved, err := env.Engine.ApproveTransaction(env.Ctx, owner, tx.ID, sig.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.TxApproved, approved.State)
	require.Len(t, approved.Approvals, 1)
	assert.Equal(t, auth.Normalize(owner), approved.Approvals[0].Owner)
}

func TestTransactionExpires(t *testing.T) {
	env := newTestEnv(t, nil)

	tx, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpEmergencyAction, []domain.Target{transfer("vendor", "0")})
	require.NoError(t, err)
	require.NotNil(t, tx.ExpiresAt)

	env.advance(25 * time.Hour)
	got, err := env.Engine.GetTransaction(env.Ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxExpired, got.State)
	_, err = env.Engine.ApproveTransaction(env.Ctx, "alice", tx.ID, "")
	require.ErrorIs(t, err, engine.ErrExpired)
}

func TestBatchFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mint(t, "treasury", "100")

	tx, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpEmergencyAction, []domain.Target{
		transfer("vendor", "10"),
		transfer("auditor", "500"),
	})
	require.NoError(t, err)
	tx, err = env.Engine.ApproveTransaction(env.Ctx, "alice", tx.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.TxApproved, tx.State)

	_, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
	require.ErrorIs(t, err, engine.ErrBatchExecutionFailed)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	var batchErr *engine.BatchExecutionError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, engine.ClassExecution, engine.ClassOf(err))

	assert.True(t, balance(t, env, "vendor").IsZero())
	got, err := env.Engine.GetTransaction(env.Ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxApproved, got.State)

	failed, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Ref: tx.ID, Outcome: audit.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "BATCH_EXECUTION_FAILED", failed[0].ErrorCode)

	env.mint(t, "treasury", "1000")
	got, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TxExecuted, got.State)
	assert.True(t, balance(t, env, "auditor").Equal(dec("500")))
}

func TestPolicyViolations(t *testing.T) {
	const sanctioned = "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Policies["sanctioned_recipients"] = config.PolicySeed{Parameters: map[string]any{
			config.ParamRestrictedAddresses: []any{sanctioned},
		}}
		cfg.Policies["upgrade_cooldown"] = config.PolicySeed{
			Scope:      []string{config.OpProtocolUpgrade},
			Parameters: map[string]any{config.ParamCooldownPeriod: "1h"},
		}
	})

	tests := []struct {
		name    string
		opType  string
		targets []domain.Target
		rule    string
		wantErr error
	}{
		{"max value", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "600000"), transfer("vendor", "600000")}, config.ParamMaxValue, engine.ErrPolicyViolation},
		{"restricted recipient", config.OpEmergencyAction, []domain.Target{transfer("0x5b38da6a701c568545dcfcb03fcb875f56beddc4", "1")}, config.ParamRestrictedAddresses, engine.ErrPolicyViolation},
		{"unknown type", "mint_everything", []domain.Target{transfer("vendor", "1")}, "", engine.ErrUnknownOperationType},
		{"empty targets", config.OpEmergencyAction, nil, "", engine.ErrEmptyTargets},
		{"negative value", config.OpEmergencyAction, []domain.Target{transfer("vendor", "-1")}, "", engine.ErrInvalidInput},
		{"unknown system target", config.OpEmergencyAction, []domain.Target{{Recipient: "system:selfdestruct"}}, "", engine.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Engine.SubmitTransaction(env.Ctx, "alice", tt.opType, tt.targets)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, engine.ClassAdmission, engine.ClassOf(err))
			if tt.rule != "" {
				var pv *engine.PolicyViolationError
				require.True(t, errors.As(err, &pv))
				assert.Equal(t, tt.rule, pv.Rule)
			}
		})
	}

	_, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "1")})
	require.NoError(t, err)
	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "2")})
	var pv *engine.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, config.ParamCooldownPeriod, pv.Rule)

	env.advance(time.Hour)
	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "2")})
	require.NoError(t, err)
}

func TestMaxOperationsPerPeriod(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Policies["treasury_limits"] = config.PolicySeed{
			Scope:      []string{config.OpProtocolUpgrade},
			Parameters: map[string]any{config.ParamMaxOperationsPerPeriod: 2, config.ParamPeriod: "24h"},
		}
	})
	for i := 0; i < 2; i++ {
		_, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "1")})
		require.NoError(t, err)
	}
	_, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "1")})
	require.ErrorIs(t, err, engine.ErrPolicyViolation)

	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpEmergencyAction, []domain.Target{transfer("vendor", "1")})
	require.NoError(t, err, "other operation types are out of scope")

	env.advance(24*time.Hour + time.Second)
	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "1")})
	require.NoError(t, err)
}

func TestCooldownIsPerOperationType(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		triggerConfig(cfg)
		cfg.Policies["global_cooldown"] = config.PolicySeed{
			Parameters: map[string]any{config.ParamCooldownPeriod: "1h"},
		}
	})

	_, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "1")})
	require.NoError(t, err)

	alert, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "tx:0xabc")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, domain.AlertExecuted, alert.Outcome, alert.Error)

	for _, opType := range []string{config.OpProtocolUpgrade, config.OpEmergencyAction} {
		_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", opType, []domain.Target{transfer("vendor", "1")})
		var pv *engine.PolicyViolationError
		require.True(t, errors.As(err, &pv), opType)
		assert.Equal(t, config.ParamCooldownPeriod, pv.Rule)
	}

	env.advance(time.Hour)
	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "1")})
	require.NoError(t, err)
}

func timelockConfig(cfg *config.Config) {
	cfg.Timelock.Proposers = []string{"ops"}
	cfg.Timelock.Cancellers = []string{"ops"}
}

func TestOneShotOperationID(t *testing.T) {
	env := newTestEnv(t, timelockConfig)
	req := engine.ScheduleRequest{
		OperationType: config.OpPolicyChange,
		Targets:       []domain.Target{policyTarget(t, env, "fees", map[string]any{"max_value": "5"})},
		Salt:          domain.SaltFrom("fees-v1"),
		Actor:         "ops",
	}
	_, err := env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{OperationType: req.OperationType, Targets: req.Targets, Actor: "alice"})
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	op, err := env.Engine.Schedule(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationID(req.Targets, domain.ZeroHash, req.Salt).Hex(), op.ID)
	assert.Equal(t, 24*time.Hour, op.Delay.Duration)

	_, err = env.Engine.Schedule(env.Ctx, req)
	require.ErrorIs(t, err, engine.ErrAlreadyScheduled)

	_, err = env.Engine.ExecuteOperation(env.Ctx, op.ID, "anyone")
	require.ErrorIs(t, err, engine.ErrNotReady)

	env.advance(24 * time.Hour)
	got, err := env.Engine.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationReady, got.Status)

	done, err := env.Engine.ExecuteOperation(env.Ctx, op.ID, "anyone")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationExecuted, done.Status)
	_, err = env.Engine.ExecuteOperation(env.Ctx, op.ID, "anyone")
	require.ErrorIs(t, err, engine.ErrAlreadyExecuted)

	policy, err := env.Engine.GetPolicy(env.Ctx, "fees")
	require.NoError(t, err)
	assert.Equal(t, "5", policy.Parameters["max_value"])
}

func TestScheduleRejectsShortDelayAndCanceledReuse(t *testing.T) {
	env := newTestEnv(t, timelockConfig)
	targets := []domain.Target{policyTarget(t, env, "fees", nil)}

	_, err := env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{OperationType: config.OpPolicyChange, Targets: targets, Delay: time.Minute, Actor: "ops"})
	require.ErrorIs(t, err, engine.ErrDelayTooShort)

	op, err := env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{OperationType: config.OpPolicyChange, Targets: targets, Delay: time.Hour, Actor: "ops"})
	require.NoError(t, err)
	_, err = env.Engine.CancelOperation(env.Ctx, op.ID, "alice")
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	canceled, err := env.Engine.CancelOperation(env.Ctx, op.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCanceled, canceled.Status)

	env.advance(time.Hour)
	_, err = env.Engine.ExecuteOperation(env.Ctx, op.ID, "ops")
	require.ErrorIs(t, err, engine.ErrCanceled)
	_, err = env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{OperationType: config.OpPolicyChange, Targets: targets, Delay: time.Hour, Actor: "ops"})
	require.ErrorIs(t, err, engine.ErrAlreadyScheduled)
	_, err = env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{OperationType: config.OpPolicyChange, Targets: targets, Delay: time.Hour, Salt: domain.SaltFrom("retry"), Actor: "ops"})
	require.NoError(t, err)
}

func TestExecuteAndCancelRace(t *testing.T) {
	env := newTestEnv(t, timelockConfig)
	op, err := env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{
		OperationType: config.OpPolicyChange,
		Targets:       []domain.Target{policyTarget(t, env, "fees", map[string]any{"max_value": "5"})},
		Delay:         time.Hour,
		Salt:          domain.SaltFrom("race"),
		Actor:         "ops",
	})
	require.NoError(t, err)
	env.advance(time.Hour)

	var (
		wg                 sync.WaitGroup
		execErr, cancelErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, execErr = env.Engine.ExecuteOperation(env.Ctx, op.ID, "ops")
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = env.Engine.CancelOperation(env.Ctx, op.ID, "ops")
	}()
	wg.Wait()

	got, err := env.Engine.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	switch {
	case execErr == nil:
		require.ErrorIs(t, cancelErr, engine.ErrAlreadyExecuted)
		assert.Equal(t, domain.OperationExecuted, got.Status)
	case cancelErr == nil:
		require.ErrorIs(t, execErr, engine.ErrCanceled)
		assert.Equal(t, domain.OperationCanceled, got.Status)
	default:
		t.Fatalf("both lost: execute %v, cancel %v", execErr, cancelErr)
	}

	ok, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Ref: op.ID, Outcome: audit.OutcomeOK})
	require.NoError(t, err)
	var terminal int
	for _, ev := range ok {
		if ev.Type == audit.OpExecuted || ev.Type == audit.OpCanceled {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestPredecessorOrdering(t *testing.T) {
	env := newTestEnv(t, timelockConfig)
	first, err := env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{
		OperationType: config.OpPolicyChange,
		Targets:       []domain.Target{policyTarget(t, env, "first", nil)},
		Delay:         48 * time.Hour,
		Actor:         "ops",
	})
	require.NoError(t, err)
	pred, err := domain.ParseHash(first.ID)
	require.NoError(t, err)
	second, err := env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{
		OperationType: config.OpPolicyChange,
		Targets:       []domain.Target{policyTarget(t, env, "second", nil)},
		Delay:         time.Hour,
		Predecessor:   pred,
		Actor:         "ops",
	})
	require.NoError(t, err)

	for _, d := range []time.Duration{time.Hour, 24 * time.Hour, 24 * time.Hour} {
		env.advance(d)
		if env.clock.Before(first.ReadyAt) {
			got, err := env.Engine.GetOperation(env.Ctx, second.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.OperationScheduled, got.Status)
			_, err = env.Engine.ExecuteOperation(env.Ctx, second.ID, "ops")
			require.ErrorIs(t, err, engine.ErrNotReady)
		}
	}
	got, err := env.Engine.GetOperation(env.Ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationScheduled, got.Status, "predecessor ready but not executed")

	_, err = env.Engine.ExecuteOperation(env.Ctx, first.ID, "ops")
	require.NoError(t, err)
	got, err = env.Engine.GetOperation(env.Ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationReady, got.Status)
	_, err = env.Engine.ExecuteOperation(env.Ctx, second.ID, "ops")
	require.NoError(t, err)

	ready, err := env.Engine.ListOperations(env.Ctx, domain.OperationReady, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = env.Engine.Schedule(env.Ctx, engine.ScheduleRequest{
		OperationType: config.OpPolicyChange,
		Targets:       []domain.Target{policyTarget(t, env, "third", nil)},
		Predecessor:   domain.SaltFrom("missing"),
		Actor:         "ops",
	})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func triggerConfig(cfg *config.Config) {
	cfg.Triggers["high_risk_transaction"] = config.TriggerSeed{
		ConfidenceThreshold: 0.98,
		Cooldown:            domain.NewDuration(time.Hour),
		Actions: []domain.Action{
			{Kind: domain.ActionPauseSubsystem, Subsystem: "bridge"},
			{Kind: domain.ActionEscalateAlert, Severity: "critical", Message: "high risk transaction"},
		},
	}
	cfg.OperationTypes["bridge_withdrawal"] = config.OperationType{RequiredApprovals: 1, Subsystem: "bridge"}
}

type recordingNotifier struct {
	alerts []domain.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a domain.Alert) {
	n.alerts = append(n.alerts, a)
}

func TestHighRiskTriggerScenario(t *testing.T) {
	env := newTestEnv(t, triggerConfig)
	sink := &recordingNotifier{}
	env.Engine.Notifier = sink

	alert, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "tx:0xabc")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, domain.AlertExecuted, alert.Outcome)
	require.NotEmpty(t, alert.TransactionID)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, alert.ID, sink.alerts[0].ID)

	tx, err := env.Engine.GetTransaction(env.Ctx, alert.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, config.OpEmergencyAction, tx.OperationType)
	assert.Equal(t, domain.TxExecuted, tx.State)
	require.Len(t, tx.Targets, 1)
	assert.Equal(t, domain.RecipientPause, tx.Targets[0].Recipient)

	state, err := env.Engine.SystemState(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bridge"}, state.PausedSubsystems)

	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", "bridge_withdrawal", []domain.Target{transfer("user", "1")})
	require.ErrorIs(t, err, engine.ErrSubsystemPaused)

	resume, err := engine.PauseTarget("bridge", false)
	require.NoError(t, err)
	recovery, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpEmergencyAction, []domain.Target{resume})
	require.NoError(t, err)
	_, err = env.Engine.ApproveTransaction(env.Ctx, "alice", recovery.ID, "")
	require.NoError(t, err)
	_, err = env.Engine.ExecuteTransaction(env.Ctx, recovery.ID, "alice")
	require.NoError(t, err)

	state, err = env.Engine.SystemState(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, state.PausedSubsystems)
}

func TestCooldownSuppression(t *testing.T) {
	env := newTestEnv(t, triggerConfig)

	suppressed, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.5, "low")
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	first, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "first")
	require.NoError(t, err)
	require.NotNil(t, first)

	env.advance(30 * time.Minute)
	second, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "second")
	require.ErrorIs(t, err, engine.ErrCooldownActive)
	assert.Nil(t, second)

	alerts, err := env.Engine.ListAlerts(env.Ctx, "high_risk_transaction", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, first.ID, alerts[0].ID)

	logged, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Ref: "high_risk_transaction", Type: audit.TriggerFired, Outcome: audit.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "COOLDOWN_ACTIVE", logged[0].ErrorCode)
	quiet, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Type: audit.SignalSuppressed})
	require.NoError(t, err)
	assert.Len(t, quiet, 1)

	env.advance(31 * time.Minute)
	third, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "third")
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestSignalValidationAndRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		triggerConfig(cfg)
		cfg.Automation.RateLimit = config.RateLimit{Events: 1, Per: domain.NewDuration(time.Hour)}
		cfg.Triggers["oracle_drift"] = config.TriggerSeed{
			ConfidenceThreshold: 0.5,
			Actions:             []domain.Action{{Kind: domain.ActionEscalateAlert, Severity: "warning", Message: "oracle drift"}},
		}
	})

	_, err := env.Engine.OnSignal(env.Ctx, "nope", 0.99, "")
	require.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.OnSignal(env.Ctx, "oracle_drift", 1.5, "")
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	alert, err := env.Engine.OnSignal(env.Ctx, "oracle_drift", 0.6, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertNotified, alert.Outcome)
	assert.Empty(t, alert.TransactionID)

	_, err = env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "")
	require.ErrorIs(t, err, engine.ErrRateLimited)
}

func TestSignalChecksSignalers(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		triggerConfig(cfg)
		cfg.Automation.Signalers = []string{"Detector"}
	})

	_, err := env.Engine.Signal(env.Ctx, "bob", "high_risk_transaction", 0.99, "")
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	state, err := env.Engine.SystemState(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, state.PausedSubsystems)

	rejected, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Ref: "high_risk_transaction", Outcome: audit.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "bob", rejected[0].ActorID)
	assert.Equal(t, "UNAUTHORIZED", rejected[0].ErrorCode)

	alert, err := env.Engine.Signal(env.Ctx, "detector", "high_risk_transaction", 0.99, "tx:0xabc")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, domain.AlertExecuted, alert.Outcome)

	fired, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{Ref: "high_risk_transaction", Type: audit.TriggerFired, Outcome: audit.OutcomeOK})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "detector", fired[0].ActorID)
}

func TestTriggerWithoutAutomationOwnerWaitsForApproval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		triggerConfig(cfg)
		cfg.Automation.Owner = "robot"
	})

	alert, err := env.Engine.OnSignal(env.Ctx, "high_risk_transaction", 0.99, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertPendingApproval, alert.Outcome)

	tx, err := env.Engine.ApproveTransaction(env.Ctx, "bob", alert.TransactionID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TxApproved, tx.State)
	_, err = env.Engine.VetoTransaction(env.Ctx, "guardian", tx.ID, "false positive")
	require.NoError(t, err)
	_, err = env.Engine.ExecuteTransaction(env.Ctx, tx.ID, "bob")
	require.ErrorIs(t, err, engine.ErrVetoed)
}

func TestRegisterTrigger(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.Engine.RegisterTrigger(env.Ctx, "mallory", domain.Trigger{Name: "x"})
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.RegisterTrigger(env.Ctx, "alice", domain.Trigger{Name: "x", ConfidenceThreshold: 0})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.RegisterTrigger(env.Ctx, "alice", domain.Trigger{
		Name: "x", ConfidenceThreshold: 0.7,
		Actions: []domain.Action{{Kind: domain.ActionBlockOperationType, OperationType: "nope"}},
	})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	tr, err := env.Engine.RegisterTrigger(env.Ctx, "alice", domain.Trigger{
		Name: "governance_spam", ConfidenceThreshold: 0.7, Cooldown: domain.NewDuration(time.Minute),
		Actions: []domain.Action{{Kind: domain.ActionBlockOperationType, OperationType: config.OpGovernance}},
	})
	require.NoError(t, err)
	assert.Equal(t, "governance_spam", tr.Name)

	alert, err := env.Engine.OnSignal(env.Ctx, "governance_spam", 0.8, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertExecuted, alert.Outcome)

	env.mint(t, "alice", "150")
	_, err = env.Engine.Propose(env.Ctx, "alice", []domain.Target{transfer("vendor", "1")}, "blocked")
	require.ErrorIs(t, err, engine.ErrOperationTypeBlocked)

	triggers, err := env.Engine.ListTriggers(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, triggers, 2)
}

func TestSeedFromConfigIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.SeedFromConfig(env.Ctx))

	policies, err := env.Engine.ListPolicies(env.Ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	for _, p := range policies {
		assert.Equal(t, 1, p.Version)
		assert.Equal(t, engine.ConfigActor, p.UpdatedBy)
	}
	_, err = env.Engine.GetPolicy(env.Ctx, "missing")
	require.ErrorIs(t, err, engine.ErrNotFound)
	assert.Equal(t, "NOT_FOUND", engine.CodeOf(err))
}

func TestPolicyChangeThroughMultisig(t *testing.T) {
	env := newTestEnv(t, nil)
	target, err := env.Engine.PolicyChangeTarget("treasury_limits", []string{config.OpProtocolUpgrade}, map[string]any{"max_value": "10"})
	require.NoError(t, err)
	_, err = env.Engine.PolicyChangeTarget("bad", []string{"nope"}, nil)
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.PolicyChangeTarget("bad", nil, map[string]any{"colour": "red"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	tx, err := env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpPolicyChange, []domain.Target{target})
	require.NoError(t, err)
	tx, err = env.Engine.ApproveTransaction(env.Ctx, "alice", tx.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.TxQueued, tx.State)

	env.advance(24 * time.Hour)
	_, err = env.Engine.ExecuteOperation(env.Ctx, tx.OperationID, "bob")
	require.NoError(t, err)

	got, err := env.Engine.GetTransaction(env.Ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxExecuted, got.State)

	policy, err := env.Engine.GetPolicy(env.Ctx, "treasury_limits")
	require.NoError(t, err)
	assert.Equal(t, 2, policy.Version)
	v1, err := env.Engine.PolicyVersion(env.Ctx, "treasury_limits", 1)
	require.NoError(t, err)
	assert.Equal(t, "1000000", v1.Parameters["max_value"])

	_, err = env.Engine.SubmitTransaction(env.Ctx, "alice", config.OpProtocolUpgrade, []domain.Target{transfer("vendor", "11")})
	require.ErrorIs(t, err, engine.ErrPolicyViolation)
}

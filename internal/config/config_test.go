package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()

	cfg, err := FromYAML([]byte(GenerateDefault("alice")))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, cfg.Multisig.Owners)
	assert.Equal(t, "alice", cfg.Automation.Owner)
	assert.Equal(t, []string{"risk-detector"}, cfg.Automation.Signalers)
	assert.True(t, cfg.Governance.ProposalThreshold.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 72*time.Hour, cfg.Governance.VotingPeriod.Duration)

	op := cfg.OperationTypes[OpEmergencyAction]
	assert.False(t, op.Timelock)
	assert.True(t, op.GuardianVeto)
	assert.Equal(t, 1, op.RequiredApprovals)

	def := Default("alice")
	require.NoError(t, def.Validate())
	assert.True(t, def.IsGuardian("ALICE"))
	assert.True(t, def.IsOwner("alice"))
	assert.False(t, def.IsOwner("bob"))
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"no owners", func(c *Config) { c.Multisig.Owners = nil }, "Owners"},
		{"duplicate owners", func(c *Config) { c.Multisig.Owners = []string{"a", "A"} }, "twice"},
		{"missing governance type", func(c *Config) { delete(c.OperationTypes, OpGovernance) }, "must include governance"},
		{"approvals above owners", func(c *Config) {
			op := c.OperationTypes[OpProtocolUpgrade]
			op.RequiredApprovals = 3
			c.OperationTypes[OpProtocolUpgrade] = op
		}, "requires 3 approvals"},
		{"delay below min", func(c *Config) {
			op := c.OperationTypes[OpGovernance]
			op.Delay.Duration = time.Minute
			c.OperationTypes[OpGovernance] = op
		}, "below min_delay"},
		{"quorum above 100", func(c *Config) { c.Governance.QuorumPercent = decimal.NewFromInt(101) }, "quorum_percent"},
		{"zero voting period", func(c *Config) { c.Governance.VotingPeriod.Duration = 0 }, "voting_period"},
		{"bad threshold", func(c *Config) {
			tr := c.Triggers["high_risk_transaction"]
			tr.ConfidenceThreshold = 1.5
			c.Triggers["high_risk_transaction"] = tr
		}, "ConfidenceThreshold"},
		{"policy scope unknown", func(c *Config) {
			c.Policies["x"] = PolicySeed{Scope: []string{"nope"}}
		}, "unknown operation type nope"},
		{"policy param unknown", func(c *Config) {
			c.Policies["x"] = PolicySeed{Parameters: map[string]any{"max_gas": 1}}
		}, "unknown policy parameter"},
		{"rate limit without window", func(c *Config) { c.Automation.RateLimit.Per.Duration = 0 }, "rate_limit.per"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default("alice")
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePolicyParameters(t *testing.T) {
	t.Parallel()

	params, err := ParsePolicyParameters(map[string]any{
		ParamMaxValue:               1000000.0,
		ParamCooldownPeriod:         "30m",
		ParamMaxOperationsPerPeriod: "5",
		ParamPeriod:                 "24h",
		ParamRestrictedAddresses:    []any{"0xdead"},
	})
	require.NoError(t, err)
	require.NotNil(t, params.MaxValue)
	assert.True(t, params.MaxValue.Equal(decimal.NewFromInt(1000000)))
	assert.Equal(t, 30*time.Minute, params.CooldownPeriod)
	assert.Equal(t, 5, params.MaxOperationsPerPeriod)
	assert.Equal(t, 24*time.Hour, params.Period)
	assert.Equal(t, []string{"0xdead"}, params.RestrictedAddresses)

	_, err = ParsePolicyParameters(map[string]any{ParamMaxOperationsPerPeriod: 3})
	require.Error(t, err)

	_, err = ParsePolicyParameters(map[string]any{ParamMaxValue: "-1"})
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "govgate init"))

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "govgate.yml"), []byte(GenerateDefault("bob")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Automation.Owner)
}

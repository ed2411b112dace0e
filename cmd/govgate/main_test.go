package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/config"
	"govgate/internal/domain"
	"govgate/internal/engine"
)

func TestParseTargets(t *testing.T) {
	ts, err := parseTargets([]string{"vendor=10.5", `system:pause={"subsystem":"bridge","paused":true}`, "noop="})
	require.NoError(t, err)
	require.Len(t, ts, 3)
	assert.Equal(t, "vendor", ts[0].Recipient)
	assert.Equal(t, "10.5", ts[0].Value.String())
	assert.Equal(t, domain.RecipientPause, ts[1].Recipient)
	assert.JSONEq(t, `{"subsystem":"bridge","paused":true}`, string(ts[1].Payload))
	assert.True(t, ts[2].Value.IsZero())

	for _, bad := range [][]string{nil, {"novalue"}, {"=5"}, {"vendor=abc"}, {"system:pause={broken"}} {
		_, err := parseTargets(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestParseActions(t *testing.T) {
	actions, err := parseActions([]string{"pause_subsystem:bridge", "escalate_alert:critical:bridge drained", "block_operation_type:bridge_withdrawal"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Action{
		{Kind: domain.ActionPauseSubsystem, Subsystem: "bridge"},
		{Kind: domain.ActionEscalateAlert, Severity: "critical", Message: "bridge drained"},
		{Kind: domain.ActionBlockOperationType, OperationType: "bridge_withdrawal"},
	}, actions)

	_, err = parseActions([]string{"self_destruct:now"})
	assert.Error(t, err)
	_, err = parseActions([]string{"pause_subsystem"})
	assert.Error(t, err)
}

func TestParsePolicyParams(t *testing.T) {
	params, err := parsePolicyParams([]string{"max_value=500", "restricted_addresses=0xabc, 0xdef", "period=1h"})
	require.NoError(t, err)
	assert.Equal(t, "500", params[config.ParamMaxValue])
	assert.Equal(t, []string{"0xabc", "0xdef"}, params[config.ParamRestrictedAddresses])
	assert.Equal(t, "1h", params[config.ParamPeriod])

	_, err = parsePolicyParams([]string{"broken"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(engine.ErrNotAnOwner))
	assert.Equal(t, 3, exitCode(engine.ErrNotFound))
	assert.Equal(t, 4, exitCode(engine.ErrBatchExecutionFailed))
	assert.Equal(t, 1, exitCode(fmt.Errorf("disk full")))
}

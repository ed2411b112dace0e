package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/config"
	"govgate/internal/db"
)

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ws, err := Init(ctx, dir, "alice", false)
	require.NoError(t, err)
	require.FileExists(t, config.Path(dir))
	require.FileExists(t, db.Path(dir))

	policies, err := ws.Engine.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 2)
	require.NoError(t, ws.Close())

	_, err = Init(ctx, dir, "bob", false)
	require.Error(t, err)

	reopened, err := Open(ctx, dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{"alice"}, reopened.Config.Multisig.Owners)
	triggers, err := reopened.Engine.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestOpenWithoutConfig(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "govgate init")
}

func TestInitRequiresOwner(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(context.Background(), dir, "", false)
	require.Error(t, err)
	_, statErr := os.Stat(config.Path(dir))
	assert.True(t, os.IsNotExist(statErr))
}

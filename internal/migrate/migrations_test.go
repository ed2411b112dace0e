package migrate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/db"
)

func TestMigrateIdempotent(t *testing.T) {
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	latest, err := Latest()
	require.NoError(t, err)
	got, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, latest, got)
	assert.GreaterOrEqual(t, latest, 1)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n))
	assert.Zero(t, n)
}

package auth

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/config"
)

func TestRoster(t *testing.T) {
	t.Parallel()

	cfg := config.Default("Alice")
	cfg.Multisig.Owners = []string{"Alice", "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"}
	cfg.Multisig.Guardians = []string{"guardian"}
	cfg.Timelock.Proposers = []string{"ops"}
	r := NewRoster(cfg)

	assert.True(t, r.IsOwner("alice"))
	assert.True(t, r.IsOwner("0x5b38da6a701c568545dcfcb03fcb875f56beddc4"))
	assert.False(t, r.IsOwner("guardian"))
	assert.True(t, r.IsGuardian("GUARDIAN"))
	assert.True(t, r.CanSchedule("ops"))
	assert.False(t, r.CanSchedule("alice"))
	assert.True(t, r.CanCancel("guardian"))
	assert.True(t, r.CanExecute("anyone"))

	cfg.Timelock.Executors = []string{"ops"}
	r = NewRoster(cfg)
	assert.False(t, r.CanExecute("anyone"))
	assert.True(t, r.CanExecute("ops"))
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest := crypto.Keccak256Hash([]byte("approve"))

	sig, err := Sign(digest, key)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sig.V, uint8(SignatureVOffset))

	parsed, err := ParseSignature(sig.Hex())
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)

	require.NoError(t, Verify(AddressOf(key), digest, sig.Hex()))
	require.ErrorIs(t, Verify(AddressOf(other), digest, sig.Hex()), ErrSignerMismatch)
	require.Error(t, Verify("alice", digest, sig.Hex()))
	require.Error(t, Verify(AddressOf(key), digest, "0x1234"))
}

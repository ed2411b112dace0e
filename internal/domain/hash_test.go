package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTargets() []Target {
	return []Target{
		{Recipient: "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4", Value: decimal.RequireFromString("10.5"), Payload: []byte("upgrade")},
		{Recipient: RecipientPause, Payload: []byte(`{"subsystem":"bridge","paused":true}`)},
	}
}

func TestOperationIDDeterministic(t *testing.T) {
	t.Parallel()

	salt := SaltFrom("release-1")
	a := OperationID(sampleTargets(), ZeroHash, salt)
	b := OperationID(sampleTargets(), ZeroHash, salt)
	assert.Equal(t, a, b)

	// checksum casing of the recipient does not change the id
	lower := sampleTargets()
	lower[0].Recipient = "0x5b38da6a701c568545dcfcb03fcb875f56beddc4"
	assert.Equal(t, a, OperationID(lower, ZeroHash, salt))

	// trailing zeros in the value are canonicalized
	padded := sampleTargets()
	padded[0].Value = decimal.RequireFromString("10.50")
	assert.Equal(t, a, OperationID(padded, ZeroHash, salt))
}

func TestOperationIDSensitivity(t *testing.T) {
	t.Parallel()

	base := OperationID(sampleTargets(), ZeroHash, ZeroHash)

	tests := []struct {
		name   string
		mutate func([]Target) []Target
	}{
		{"value", func(ts []Target) []Target { ts[0].Value = decimal.NewFromInt(11); return ts }},
		{"payload", func(ts []Target) []Target { ts[1].Payload = []byte("{}"); return ts }},
		{"order", func(ts []Target) []Target { return []Target{ts[1], ts[0]} }},
		{"dropped target", func(ts []Target) []Target { return ts[:1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, base, OperationID(tt.mutate(sampleTargets()), ZeroHash, ZeroHash))
		})
	}

	assert.NotEqual(t, base, OperationID(sampleTargets(), ZeroHash, SaltFrom("other")))
	assert.NotEqual(t, base, OperationID(sampleTargets(), SaltFrom("pred"), ZeroHash))
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	h, err := ParseHash("")
	require.NoError(t, err)
	assert.Equal(t, ZeroHash, h)

	want := crypto.Keccak256Hash([]byte("x"))
	h, err = ParseHash(want.Hex())
	require.NoError(t, err)
	assert.Equal(t, want, h)

	_, err = ParseHash("0x1234")
	require.Error(t, err)

	assert.Equal(t, want, SaltFrom(want.Hex()))
	assert.Equal(t, crypto.Keccak256Hash([]byte("x")), SaltFrom("x"))
}

func TestApprovalDigestSignRecover(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	digest := ApprovalDigest("tx-1", "protocol_upgrade", sampleTargets())
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))

	assert.NotEqual(t, digest, ApprovalDigest("tx-2", "protocol_upgrade", sampleTargets()))
}

package domain

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroHash is used as the empty predecessor and salt.
var ZeroHash = common.Hash{}

// OperationID hashes a batch of targets together with its predecessor and salt.
// Identical batches with the same predecessor and salt always share an id.
func OperationID(targets []Target, predecessor, salt common.Hash) common.Hash {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(targets)))
	for _, t := range targets {
		buf = appendField(buf, []byte(NormalizeRecipient(t.Recipient)))
		buf = appendField(buf, []byte(t.Value.String()))
		buf = appendField(buf, t.Payload)
	}
	buf = append(buf, predecessor.Bytes()...)
	buf = append(buf, salt.Bytes()...)

	return crypto.Keccak256Hash(buf)
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// DescriptionHash is the keccak256 of a proposal description.
func DescriptionHash(description string) common.Hash {
	return crypto.Keccak256Hash([]byte(description))
}

// ApprovalDigest is the message an owner signs to approve a multisig transaction.
// The result is already prefixed for eth_sign style signatures.
func ApprovalDigest(txID, operationType string, targets []Target) common.Hash {
	batch := OperationID(targets, ZeroHash, ZeroHash)
	msg := crypto.Keccak256Hash([]byte(txID), []byte(operationType), batch.Bytes())
	return toEthSignedMessageHash(msg)
}

func toEthSignedMessageHash(messageHash common.Hash) common.Hash {
	prefix := []byte("\x19Ethereum Signed Message:\n32")
	data := append(prefix, messageHash.Bytes()...)

	return crypto.Keccak256Hash(data)
}

// ParseHash accepts an optional 0x prefix and returns the zero hash for empty input.
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroHash, nil
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 64 {
		return ZeroHash, fmt.Errorf("invalid hash %q: want 32 bytes", s)
	}
	b := common.FromHex(raw)
	if len(b) != 32 {
		return ZeroHash, fmt.Errorf("invalid hash %q", s)
	}
	return common.BytesToHash(b), nil
}

// SaltFrom derives a salt from free text, or parses it when it already is a hash.
func SaltFrom(s string) common.Hash {
	if h, err := ParseHash(s); err == nil {
		return h
	}
	return crypto.Keccak256Hash([]byte(s))
}

// NormalizeIdentity folds actor and account identifiers for comparison.
func NormalizeIdentity(id string) string {
	return strings.ToLower(NormalizeRecipient(id))
}

// NormalizeRecipient lowercases hex addresses so checksum variants compare equal.
func NormalizeRecipient(r string) string {
	r = strings.TrimSpace(r)
	if common.IsHexAddress(r) {
		return strings.ToLower(common.HexToAddress(r).Hex())
	}
	return r
}

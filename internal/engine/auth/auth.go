// Package auth resolves governance roles and verifies owner signatures.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"govgate/internal/config"
	"govgate/internal/domain"
)

const (
	// SignatureBytesLength is R || S || V.
	SignatureBytesLength = 65
	// SignatureVOffset adjusts a 27/28 recovery id to the 0/1 form crypto.SigToPub expects.
	SignatureVOffset = 27
)

var ErrSignerMismatch = errors.New("signature does not recover to signer")

// Normalize folds an identity for comparison.
func Normalize(id string) string {
	return domain.NormalizeIdentity(id)
}

// Roster is the static role assignment loaded from config.
type Roster struct {
	owners     []string
	guardians  []string
	proposers  []string
	cancellers []string
	executors  []string
	signalers  []string
}

func NewRoster(cfg *config.Config) Roster {
	if cfg == nil {
		return Roster{}
	}
	return Roster{
		owners:     normalizeAll(cfg.Multisig.Owners),
		guardians:  normalizeAll(cfg.Multisig.Guardians),
		proposers:  normalizeAll(cfg.Timelock.Proposers),
		cancellers: normalizeAll(cfg.Timelock.Cancellers),
		executors:  normalizeAll(cfg.Timelock.Executors),
		signalers:  normalizeAll(cfg.Automation.Signalers),
	}
}

func normalizeAll(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, Normalize(id))
	}
	return out
}

func (r Roster) IsOwner(id string) bool    { return slices.Contains(r.owners, Normalize(id)) }
func (r Roster) IsGuardian(id string) bool { return slices.Contains(r.guardians, Normalize(id)) }

// CanSchedule reports whether id may schedule timelock operations directly.
func (r Roster) CanSchedule(id string) bool { return slices.Contains(r.proposers, Normalize(id)) }

// CanCancel reports whether id may cancel timelock operations directly. Guardians always can.
func (r Roster) CanCancel(id string) bool {
	return slices.Contains(r.cancellers, Normalize(id)) || r.IsGuardian(id)
}

// CanExecute is open to everyone unless executors are configured.
func (r Roster) CanExecute(id string) bool {
	return len(r.executors) == 0 || slices.Contains(r.executors, Normalize(id))
}

// CanSignal reports whether id may push risk signals. An empty set admits nobody.
func (r Roster) CanSignal(id string) bool { return slices.Contains(r.signalers, Normalize(id)) }

// Owners returns the normalized owner set.
func (r Roster) Owners() []string { return slices.Clone(r.owners) }

// Signature represents an ECDSA signature over a 32 byte digest.
type Signature struct {
	R common.Hash
	S common.Hash
	V uint8
}

// ParseSignature decodes a 0x-prefixed 65 byte signature.
func ParseSignature(s string) (Signature, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return Signature{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != SignatureBytesLength {
		return Signature{}, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	return Signature{
		R: common.BytesToHash(raw[:32]),
		S: common.BytesToHash(raw[32:64]),
		V: raw[64],
	}, nil
}

func (s Signature) Bytes() []byte {
	return slices.Concat(s.R.Bytes(), s.S.Bytes(), []byte{s.V})
}

func (s Signature) Hex() string {
	return hexutil.Encode(s.Bytes())
}

// Recover returns the address that produced the signature over digest.
func (s Signature) Recover(digest common.Hash) (common.Address, error) {
	sig := s.Bytes()
	if sig[SignatureBytesLength-1] > 1 {
		sig[SignatureBytesLength-1] -= SignatureVOffset
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sigHex over digest was produced by signer, which must be a hex address.
func Verify(signer string, digest common.Hash, sigHex string) error {
	if !common.IsHexAddress(strings.TrimSpace(signer)) {
		return fmt.Errorf("signer %s is not an address", signer)
	}
	sig, err := ParseSignature(sigHex)
	if err != nil {
		return err
	}
	addr, err := sig.Recover(digest)
	if err != nil {
		return err
	}
	if addr != common.HexToAddress(strings.TrimSpace(signer)) {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, addr.Hex())
	}
	return nil
}

// Sign produces a 27/28-style signature over digest.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) (Signature, error) {
	raw, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return Signature{}, err
	}
	raw[SignatureBytesLength-1] += SignatureVOffset
	return Signature{
		R: common.BytesToHash(raw[:32]),
		S: common.BytesToHash(raw[32:64]),
		V: raw[64],
	}, nil
}

// LoadKey parses a hex private key with or without 0x prefix.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

// AddressOf returns the checksummed address for key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

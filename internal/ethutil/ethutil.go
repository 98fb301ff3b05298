// Package ethutil normalizes the on-chain identifiers peervault handles:
// wallet addresses and 32-byte escrow IDs.
//
// Addresses are checksum-validated and stored in a single canonical
// lower-case form so that equality checks never depend on caller casing.
package ethutil

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/peervault/peervault/internal/apperr"
)

// EscrowID is a 32-byte on-chain escrow identifier.
type EscrowID [32]byte

// String returns the wire form: 0x followed by 64 hex digits.
func (id EscrowID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is all zero bytes.
func (id EscrowID) IsZero() bool {
	return id == EscrowID{}
}

// ParseEscrowID parses the wire form of an escrow identifier: a 0x prefix and
// exactly 64 hex digits. Anything else is a BadRequest.
func ParseEscrowID(s string) (EscrowID, error) {
	var id EscrowID
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return id, apperr.Newf(apperr.BadRequest, "escrow id must be 0x-prefixed 64 hex digits, got %q", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return id, apperr.Newf(apperr.BadRequest, "escrow id is not valid hex: %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// NormalizeAddress validates addr as an Ethereum address and returns its
// canonical form (checksummed, then lower-cased). A malformed address is a
// BadRequest, never silently passed through.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", apperr.Newf(apperr.BadRequest, "invalid address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// SameAddress compares two addresses ignoring case and checksum form.
// Malformed inputs never compare equal.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// DecodeHexRef decodes an optional binary reference supplied as hex with or
// without a 0x prefix. Empty input yields nil. Malformed hex is a BadRequest.
func DecodeHexRef(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.Newf(apperr.BadRequest, "malformed hex reference: %v", err)
	}
	return b, nil
}

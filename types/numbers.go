// Package types defines the primitive and composite data types of the
// block-lattice ledger: hashes, accounts, amounts, blocks, sidebands,
// account metadata, pending entries and votes. See spec §3.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const (
	// HashSize is the width of a Blake2b block/vote digest in bytes.
	HashSize = 32
	// AccountSize is the width of an ed25519 public key in bytes.
	AccountSize = 32
	// SignatureSize is the width of an ed25519 signature in bytes.
	SignatureSize = 64
	// AmountSize is the width of a 128-bit balance in bytes.
	AmountSize = 16
)

// Hash is a 256-bit Blake2b digest, used for block hashes, vote hashes and
// work roots.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash used as the genesis previous-hash and as the
// account-chain root for the account's very first block.
var ZeroHash Hash

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// String returns the upper-case hex encoding, matching the original node's
// human-readable block/account hash representation.
func (h Hash) String() string {
	return fmt.Sprintf("%X", h[:])
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// HashFromHex decodes an upper- or lower-case hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalJSON encodes the hash as an upper-case hex string, matching
// String().
func (h Hash) MarshalJSON() ([]byte, error) { return []byte(`"` + h.String() + `"`), nil }

// UnmarshalJSON decodes an upper- or lower-case hex string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	s, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	v, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// HashFromBytes copies b into a Hash, erroring on wrong length.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Account is an ed25519 public key identifying a block-lattice account
// chain.
type Account [AccountSize]byte

// ZeroAccount is the reserved "burn" account: opening it is always rejected
// (spec §3.9, §8).
var ZeroAccount Account

// IsZero reports whether a is the burn account.
func (a Account) IsZero() bool { return a == ZeroAccount }

func (a Account) String() string { return fmt.Sprintf("%X", a[:]) }

// Bytes returns a copy of the account's public-key bytes.
func (a Account) Bytes() []byte {
	b := make([]byte, AccountSize)
	copy(b, a[:])
	return b
}

// MarshalJSON encodes the account as an upper-case hex string.
func (a Account) MarshalJSON() ([]byte, error) { return []byte(`"` + a.String() + `"`), nil }

// UnmarshalJSON decodes a hex-encoded account.
func (a *Account) UnmarshalJSON(data []byte) error {
	s, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	v, err := AccountFromHex(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AccountFromBytes copies b into an Account, erroring on wrong length.
func AccountFromBytes(b []byte) (Account, error) {
	var a Account
	if len(b) != AccountSize {
		return a, fmt.Errorf("account must be %d bytes, got %d", AccountSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AccountFromHex decodes a hex-encoded ed25519 public key.
func AccountFromHex(s string) (Account, error) {
	var a Account
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid account hex: %w", err)
	}
	return AccountFromBytes(b)
}

// Root is a block's election key: either the account (for the chain's
// opening block) or the previous block's hash (otherwise). See spec §3.1.
type Root = Hash

// QualifiedRoot pairs a Root with the block's previous hash, forming the
// key under which an election is indexed (spec §3.1, §3.8).
type QualifiedRoot struct {
	Root     Root
	Previous Hash
}

func (q QualifiedRoot) String() string {
	return q.Root.String() + ":" + q.Previous.String()
}

// Signature is an ed25519 signature over a block or vote hash.
type Signature [SignatureSize]byte

func (s Signature) Bytes() []byte {
	b := make([]byte, SignatureSize)
	copy(b, s[:])
	return b
}

// SignatureFromBytes copies b into a Signature, erroring on wrong length.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// Amount is a 128-bit unsigned balance, stored big-endian (spec §3.1).
type Amount [AmountSize]byte

// ZeroAmount is the additive identity.
var ZeroAmount Amount

// NewAmount builds an Amount from a uint64 for tests and genesis setup.
func NewAmount(v uint64) Amount {
	var a Amount
	big.NewInt(0).SetUint64(v).FillBytes(a[:])
	return a
}

// Big returns the amount as a big.Int for arithmetic.
func (a Amount) Big() *big.Int {
	return new(big.Int).SetBytes(a[:])
}

// AmountFromBig converts a big.Int back into an Amount, erroring if it
// overflows 128 bits or is negative.
func AmountFromBig(v *big.Int) (Amount, error) {
	var a Amount
	if v.Sign() < 0 {
		return a, errors.New("amount must not be negative")
	}
	if v.BitLen() > AmountSize*8 {
		return a, errors.New("amount overflows 128 bits")
	}
	v.FillBytes(a[:])
	return a, nil
}

// MarshalJSON encodes the amount as its base-10 string, since a 128-bit
// value does not fit a JSON number without risking precision loss in
// non-Go consumers.
func (a Amount) MarshalJSON() ([]byte, error) { return []byte(`"` + a.String() + `"`), nil }

// UnmarshalJSON decodes a base-10 string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	amt, err := AmountFromBig(v)
	if err != nil {
		return err
	}
	*a = amt
	return nil
}

// unquoteJSONString strips the surrounding quotes from a JSON string
// literal without pulling in encoding/json just for this.
func unquoteJSONString(data []byte) (string, error) {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return "", fmt.Errorf("expected JSON string, got %q", data)
	}
	return string(data[1 : len(data)-1]), nil
}

// Cmp compares two amounts (-1, 0, 1).
func (a Amount) Cmp(b Amount) int {
	return new(big.Int).SetBytes(a[:]).Cmp(new(big.Int).SetBytes(b[:]))
}

// Add returns a+b, erroring on overflow past 128 bits.
func (a Amount) Add(b Amount) (Amount, error) {
	return AmountFromBig(new(big.Int).Add(a.Big(), b.Big()))
}

// Sub returns a-b, erroring if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	return AmountFromBig(new(big.Int).Sub(a.Big(), b.Big()))
}

func (a Amount) String() string { return a.Big().String() }

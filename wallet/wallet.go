// Package wallet provides key management and block/vote signing helpers
// for a representative's voting key. It deliberately stops at "the key
// source the ledger and voting subsystems consume" — fund management,
// balances and transfer construction belong to an external client, not
// the core node.
package wallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/tolelom/latticenode/crypto"
	"github.com/tolelom/latticenode/types"
)

// Wallet holds an ed25519 key pair and signs blocks and votes on behalf of
// the account it derives from the public key.
type Wallet struct {
	priv    crypto.PrivateKey
	pub     crypto.PublicKey
	account types.Account
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) (*Wallet, error) {
	pub := priv.Public()
	acc, err := types.AccountFromBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive account: %w", err)
	}
	return &Wallet{priv: priv, pub: pub, account: acc}, nil
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// Account returns the account this wallet signs as.
func (w *Wallet) Account() types.Account {
	return w.account
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// SignBlock computes block's hash and fills in its Signature in place,
// mirroring the ed25519-over-block-hash scheme every block variant uses
// (spec §3.2, §6.1).
func (w *Wallet) SignBlock(block *types.Block) {
	h := block.Hash()
	sig := ed25519.Sign(ed25519.PrivateKey(w.priv), h[:])
	copy(block.Signature[:], sig)
}

// SignVote computes vote's hash and fills in its Signature in place
// (spec §3.7).
func (w *Wallet) SignVote(vote *types.Vote) {
	h := vote.Hash()
	sig := ed25519.Sign(ed25519.PrivateKey(w.priv), h[:])
	copy(vote.Signature[:], sig)
}

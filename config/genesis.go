package config

import (
	"fmt"

	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/network"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
	"github.com/tolelom/latticenode/wallet"
)

// GenerateGenesis creates a fresh genesis keypair, representing the whole
// initial supply, and commits its open block through l.Bootstrap (spec
// §3.2/§8 scenario 1: a single self-referential open block). It returns the
// NetworkParams an operator saves into their config's network_params field
// so every subsequent node agrees on the same genesis account.
func GenerateGenesis(l *ledger.Ledger, db store.DB, net network.Network, balance types.Amount) (NetworkParams, *wallet.Wallet, error) {
	w, err := wallet.Generate()
	if err != nil {
		return NetworkParams{}, nil, fmt.Errorf("config: generate genesis keypair: %w", err)
	}

	open := &types.Block{
		Type:           types.BlockOpen,
		Account:        w.Account(),
		Representative: w.Account(),
	}
	w.SignBlock(open)

	txn := db.BeginWrite()
	if _, err := l.Bootstrap(txn, open, balance); err != nil {
		txn.Discard()
		return NetworkParams{}, nil, fmt.Errorf("config: bootstrap genesis block: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return NetworkParams{}, nil, fmt.Errorf("config: commit genesis block: %w", err)
	}

	params := defaultNetworkParams(net)
	params.GenesisAccount = w.Account()
	params.GenesisRepresentative = w.Account()
	params.GenesisBalance = balance
	return params, w, nil
}

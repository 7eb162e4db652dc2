package config

import (
	"testing"

	"github.com/tolelom/latticenode/internal/testutil"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/network"
	"github.com/tolelom/latticenode/types"
)

func TestGenerateGenesisCommitsAccount(t *testing.T) {
	db := testutil.NewMemStore()
	l := ledger.New(ledger.Params{
		EpochLinks:   map[types.Hash]types.Epoch{},
		EpochSigners: map[types.Epoch]types.Account{},
	})

	params, w, err := GenerateGenesis(l, db, network.NetworkTest, types.NewAmount(1_000_000))
	if err != nil {
		t.Fatalf("generate genesis: %v", err)
	}
	if w == nil {
		t.Fatal("expected a non-nil wallet")
	}
	if params.GenesisAccount != w.Account() {
		t.Fatalf("params.GenesisAccount = %v, want %v", params.GenesisAccount, w.Account())
	}
	if params.GenesisRepresentative != w.Account() {
		t.Fatalf("params.GenesisRepresentative = %v, want %v", params.GenesisRepresentative, w.Account())
	}
	if params.GenesisBalance.String() != "1000000" {
		t.Fatalf("params.GenesisBalance = %s, want 1000000", params.GenesisBalance)
	}

	r := db.BeginRead()
	defer r.Discard()

	info, err := ledger.LoadAccountInfo(r, w.Account())
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("expected genesis account info to be committed")
	}
	if info.Balance.String() != "1000000" {
		t.Fatalf("committed balance = %s, want 1000000", info.Balance)
	}

	weight, err := ledger.Weight(r, w.Account())
	if err != nil {
		t.Fatal(err)
	}
	if weight.String() != "1000000" {
		t.Fatalf("committed weight = %s, want 1000000", weight)
	}
}

func TestGenerateGenesisParamsCarryNetworkDefaults(t *testing.T) {
	db := testutil.NewMemStore()
	l := ledger.New(ledger.Params{
		EpochLinks:   map[types.Hash]types.Epoch{},
		EpochSigners: map[types.Epoch]types.Account{},
	})

	params, _, err := GenerateGenesis(l, db, network.NetworkLive, types.NewAmount(5))
	if err != nil {
		t.Fatalf("generate genesis: %v", err)
	}
	if params.OnlineWeightQuorumPercent != 67 {
		t.Fatalf("quorum percent = %d, want 67", params.OnlineWeightQuorumPercent)
	}
	if params.Network != network.NetworkLive {
		t.Fatalf("params.Network = %v, want NetworkLive", params.Network)
	}
}

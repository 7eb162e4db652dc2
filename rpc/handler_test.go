package rpc

import (
	"encoding/json"
	"testing"

	"github.com/tolelom/latticenode/blockprocessor"
	"github.com/tolelom/latticenode/gapcache"
	"github.com/tolelom/latticenode/internal/testutil"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/sigcheck"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

func newTestHandler(t *testing.T) (*Handler, store.DB) {
	t.Helper()
	db := testutil.NewMemStore()
	l := ledger.New(ledger.Params{})
	checker := sigcheck.New(1)
	gaps := gapcache.New(func() types.Amount { return types.ZeroAmount }, nil)
	proc := blockprocessor.New(blockprocessor.Config{DB: db, Ledger: l, Checker: checker, Gaps: gaps})
	return NewHandler(db, proc), db
}

func seedAccount(t *testing.T, db store.DB, acc types.Account, info types.AccountInfo) {
	t.Helper()
	raw, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal account info: %v", err)
	}
	w := db.BeginWrite()
	if err := w.Put(store.TableAccounts, acc[:], raw); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAccountInfoReturnsSeededAccount(t *testing.T) {
	h, db := newTestHandler(t)
	acc := types.Account{1}
	seedAccount(t, db, acc, types.AccountInfo{
		Head:           types.Hash{2},
		Representative: acc,
		Balance:        types.NewAmount(500),
		BlockCount:     3,
	})

	params, _ := json.Marshal(map[string]any{"account": acc})
	resp := h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "account_info", Params: params})
	if resp.Error != nil {
		t.Fatalf("account_info error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %#v, want a map", resp.Result)
	}
	if result["block_count"] != uint64(3) {
		t.Fatalf("block_count = %v, want 3", result["block_count"])
	}
}

func TestAccountInfoMissingAccount(t *testing.T) {
	h, _ := newTestHandler(t)
	params, _ := json.Marshal(map[string]any{"account": types.Account{9}})
	resp := h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "account_info", Params: params})
	if resp.Error == nil {
		t.Fatal("expected an error for a missing account")
	}
}

func TestAccountWeightOfUnknownRepIsZero(t *testing.T) {
	h, _ := newTestHandler(t)
	params, _ := json.Marshal(map[string]any{"account": types.Account{3}})
	resp := h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "account_weight", Params: params})
	if resp.Error != nil {
		t.Fatalf("account_weight error: %+v", resp.Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "does_not_exist"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("resp.Error = %+v, want CodeMethodNotFound", resp.Error)
	}
}

func TestProcessEnqueuesBlock(t *testing.T) {
	h, _ := newTestHandler(t)
	block := &types.Block{Type: types.BlockOpen, SourceHash: types.Hash{1}, Account: types.Account{1}, Representative: types.Account{1}}
	data, err := block.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	params, _ := json.Marshal(map[string]any{"type": types.BlockOpen, "data": data})
	resp := h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "process", Params: params})
	if resp.Error != nil {
		t.Fatalf("process error: %+v", resp.Error)
	}
}

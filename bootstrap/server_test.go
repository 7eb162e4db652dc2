package bootstrap

import (
	"testing"

	"github.com/tolelom/latticenode/internal/testutil"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/types"
)

func TestServerFrontierReqListsAccounts(t *testing.T) {
	db := testutil.NewMemStore()
	l := ledger.New(ledger.Params{})

	a1 := types.Account{1}
	a2 := types.Account{2}
	for _, a := range []types.Account{a1, a2} {
		txn := db.BeginWrite()
		src := a // distinct per account
		seedPendingForTest(t, txn, a, types.Hash(src), types.Account{}, types.NewAmount(10))
		open := &types.Block{Type: types.BlockOpen, SourceHash: types.Hash(src), Representative: a, Account: a}
		if res, err := l.Process(txn, open, true); err != nil || res.Code != ledger.Progress {
			t.Fatalf("open %s: %v %v", a, res.Code, err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	s := NewServer(db, &recordingSink{})
	var got []types.Account
	if err := s.FrontierReq(types.Account{}, 0, func(account types.Account, head types.Hash) bool {
		got = append(got, account)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d accounts, want 2", len(got))
	}
}

func TestServerBulkPullStreamsOldestFirst(t *testing.T) {
	db := testutil.NewMemStore()
	l := ledger.New(ledger.Params{})
	account := types.Account{7}

	txn := db.BeginWrite()
	src := types.Hash{0xEE}
	seedPendingForTest(t, txn, account, src, types.Account{}, types.NewAmount(20))
	open := &types.Block{Type: types.BlockOpen, SourceHash: src, Representative: account, Account: account}
	if res, err := l.Process(txn, open, true); err != nil || res.Code != ledger.Progress {
		t.Fatalf("open: %v %v", res.Code, err)
	}
	change := &types.Block{Type: types.BlockChange, Previous: open.Hash(), NewRepresentative: account}
	if res, err := l.Process(txn, change, true); err != nil || res.Code != ledger.Progress {
		t.Fatalf("change: %v %v", res.Code, err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	s := NewServer(db, &recordingSink{})
	var order []types.BlockType
	if err := s.BulkPull(account, types.Hash{}, types.Hash{}, func(typ types.BlockType, raw []byte) error {
		order = append(order, typ)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != types.BlockOpen || order[1] != types.BlockChange {
		t.Fatalf("stream order = %v, want [open change]", order)
	}
}

func TestServerBulkPushEnqueuesDecodedBlock(t *testing.T) {
	db := testutil.NewMemStore()
	sink := &recordingSink{}
	s := NewServer(db, sink)

	block := &types.Block{Type: types.BlockChange, Previous: types.Hash{1}, NewRepresentative: types.Account{2}}
	raw, err := block.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.BulkPush(types.BlockChange, raw); err != nil {
		t.Fatal(err)
	}
	if len(sink.blocks) != 1 || sink.blocks[0].Hash() != block.Hash() {
		t.Fatal("expected the decoded block to reach the sink")
	}
}

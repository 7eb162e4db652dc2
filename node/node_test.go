package node

import (
	"os"
	"testing"
	"time"

	"github.com/tolelom/latticenode/config"
	"github.com/tolelom/latticenode/events"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
	"github.com/tolelom/latticenode/wallet"
)

// seedGenesis opens cfg's store directly (the same path node.New will
// reopen), commits a genesis block via config.GenerateGenesis, and writes
// the resulting network_params back into cfg — mirroring the `--genesis`
// CLI mode in cmd/node/main.go. It returns the genesis wallet so callers can
// sign further blocks and votes as the sole initial representative.
func seedGenesis(t *testing.T, cfg *config.Config, balance types.Amount) *wallet.Wallet {
	t.Helper()
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		t.Fatalf("mkdir data dir: %v", err)
	}
	db, err := store.OpenLevelStore(cfg.DataDir + "/chain")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l := ledger.New(ledger.Params{
		EpochLinks:   map[types.Hash]types.Epoch{},
		EpochSigners: map[types.Epoch]types.Account{},
	})
	params, w, err := config.GenerateGenesis(l, db, cfg.Network, balance)
	if err != nil {
		db.Close()
		t.Fatalf("generate genesis: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close seed store: %v", err)
	}
	cfg.NetworkParams = &params
	return w
}

// waitUntil polls cond until it reports true or timeout elapses, failing the
// test in the latter case. The node's subsystems run on their own
// background loops, so driving an integration scenario means waiting for
// async effects (a commit, an election, a confirmation cascade) rather than
// observing them synchronously.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// accountHead returns account's current chain head, or false if the
// account has no chain yet.
func accountHead(t *testing.T, n *Node, account types.Account) (types.Hash, bool) {
	t.Helper()
	r := n.db.BeginRead()
	defer r.Discard()
	info, err := ledger.LoadAccountInfo(r, account)
	if err != nil {
		t.Fatalf("load account info: %v", err)
	}
	if info == nil {
		return types.Hash{}, false
	}
	return info.Head, true
}

// confirmationHeightOf reads account's persisted confirmation height.
func confirmationHeightOf(t *testing.T, n *Node, account types.Account) uint64 {
	t.Helper()
	r := n.db.BeginRead()
	defer r.Discard()
	h, err := ledger.LoadConfirmationHeight(r, account)
	if err != nil {
		t.Fatalf("load confirmation height: %v", err)
	}
	return h
}

// signedVote builds a hash-list vote for hash from voter at sequence,
// signed by w, mirroring a representative's confirm_ack.
func signedVote(w *wallet.Wallet, sequence uint64, hash types.Hash) *types.Vote {
	v, err := types.NewHashListVote(w.Account(), sequence, []types.Hash{hash})
	if err != nil {
		panic(err)
	}
	w.SignVote(v)
	return v
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.P2PAddr = "127.0.0.1:0"
	cfg.RPCAddr = "127.0.0.1:0"
	return cfg
}

func TestNewRejectsAnUnbootstrappedStore(t *testing.T) {
	cfg := newTestConfig(t)
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected an error constructing a node with no genesis committed")
	}
}

func TestNodeStartStopAsObserver(t *testing.T) {
	cfg := newTestConfig(t)
	seedGenesis(t, cfg, types.NewAmount(1_000_000))

	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}

	// Give the background loops a moment to settle before tearing down;
	// Stop itself blocks until every loop has actually exited.
	time.Sleep(10 * time.Millisecond)
	n.Stop()
}

func TestNodeStartStopAsRepresentative(t *testing.T) {
	cfg := newTestConfig(t)
	seedGenesis(t, cfg, types.NewAmount(500))

	w, err := wallet.Generate()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}

	n, err := New(cfg, w)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	if n.nodeKey == nil {
		t.Fatal("expected the representative's key to become the node identity")
	}
	n.Stop()
}

// TestSendReceiveRoundTripConfirms drives spec §8 scenario 2 through the
// real node wiring: genesis sends to a new account, that account opens by
// receiving it, and a quorum vote from the sole representative (genesis
// itself) confirms each block in turn. This exercises the onProgress ->
// active.Start path for an ordinary classic `send` block (whose account is
// never statically known) and checks confirmation height lands on the real
// account rather than the zero account.
func TestSendReceiveRoundTripConfirms(t *testing.T) {
	cfg := newTestConfig(t)
	genesisWallet := seedGenesis(t, cfg, types.NewAmount(1_000_000))
	genesisAccount := genesisWallet.Account()

	n, err := New(cfg, genesisWallet)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	defer n.Stop()

	genesisOpen, ok := accountHead(t, n, genesisAccount)
	if !ok {
		t.Fatal("genesis account has no chain after seeding")
	}

	bobWallet, err := wallet.Generate()
	if err != nil {
		t.Fatalf("generate bob wallet: %v", err)
	}
	bobAccount := bobWallet.Account()

	send := &types.Block{
		Type:               types.BlockSend,
		Previous:           genesisOpen,
		DestinationAccount: bobAccount,
		ResultingBalance:   types.NewAmount(1_000_000 - 400),
	}
	genesisWallet.SignBlock(send)
	if err := n.blockProc.Enqueue(send); err != nil {
		t.Fatalf("enqueue send: %v", err)
	}
	waitUntil(t, time.Second, "send to commit", func() bool {
		head, ok := accountHead(t, n, genesisAccount)
		return ok && head == send.Hash()
	})

	if err := n.voteProc.Enqueue(signedVote(genesisWallet, 1, send.Hash())); err != nil {
		t.Fatalf("enqueue vote for send: %v", err)
	}
	waitUntil(t, time.Second, "send to confirm", func() bool {
		return confirmationHeightOf(t, n, genesisAccount) >= 2
	})
	if h := confirmationHeightOf(t, n, types.Account{}); h != 0 {
		t.Fatalf("confirmation height leaked onto the zero account: %d", h)
	}

	bobOpen := &types.Block{
		Type:           types.BlockOpen,
		SourceHash:     send.Hash(),
		Representative: bobAccount,
		Account:        bobAccount,
	}
	bobWallet.SignBlock(bobOpen)
	if err := n.blockProc.Enqueue(bobOpen); err != nil {
		t.Fatalf("enqueue bob open: %v", err)
	}
	waitUntil(t, time.Second, "bob open to commit", func() bool {
		head, ok := accountHead(t, n, bobAccount)
		return ok && head == bobOpen.Hash()
	})

	if err := n.voteProc.Enqueue(signedVote(genesisWallet, 2, bobOpen.Hash())); err != nil {
		t.Fatalf("enqueue vote for bob open: %v", err)
	}
	waitUntil(t, time.Second, "bob open to confirm", func() bool {
		return confirmationHeightOf(t, n, bobAccount) >= 1
	})

	r := n.db.BeginRead()
	info, err := ledger.LoadAccountInfo(r, bobAccount)
	r.Discard()
	if err != nil {
		t.Fatalf("load bob account info: %v", err)
	}
	if info.Balance.String() != "400" {
		t.Fatalf("bob balance = %s, want 400", info.Balance)
	}
}

// TestForkResolutionConfirmsFirstHead drives spec §8 scenario 3: two
// `change` blocks both claim the same previous. The second is rejected as a
// fork and never opens its own election; a quorum vote for the first
// confirms it, landing confirmation height on the real account — another
// classic block type with no static account field.
func TestForkResolutionConfirmsFirstHead(t *testing.T) {
	cfg := newTestConfig(t)
	genesisWallet := seedGenesis(t, cfg, types.NewAmount(1_000))
	genesisAccount := genesisWallet.Account()

	n, err := New(cfg, genesisWallet)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}

	forkEvents := make(chan events.Event, 4)
	n.emitter.Subscribe(events.EventForkDetected, func(ev events.Event) {
		forkEvents <- ev
	})

	if err := n.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	defer n.Stop()

	genesisOpen, ok := accountHead(t, n, genesisAccount)
	if !ok {
		t.Fatal("genesis account has no chain after seeding")
	}

	changeA := &types.Block{Type: types.BlockChange, Previous: genesisOpen, NewRepresentative: genesisAccount}
	genesisWallet.SignBlock(changeA)
	if err := n.blockProc.Enqueue(changeA); err != nil {
		t.Fatalf("enqueue changeA: %v", err)
	}
	waitUntil(t, time.Second, "changeA to commit", func() bool {
		head, ok := accountHead(t, n, genesisAccount)
		return ok && head == changeA.Hash()
	})

	changeB := &types.Block{Type: types.BlockChange, Previous: genesisOpen, NewRepresentative: genesisAccount}
	genesisWallet.SignBlock(changeB)
	if err := n.blockProc.Enqueue(changeB); err != nil {
		t.Fatalf("enqueue changeB: %v", err)
	}

	select {
	case <-forkEvents:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a fork_detected event")
	}

	// changeB must never have displaced the committed head.
	if head, _ := accountHead(t, n, genesisAccount); head != changeA.Hash() {
		t.Fatalf("head = %v, want changeA %v (fork must not commit)", head, changeA.Hash())
	}

	if err := n.voteProc.Enqueue(signedVote(genesisWallet, 1, changeA.Hash())); err != nil {
		t.Fatalf("enqueue vote for changeA: %v", err)
	}
	waitUntil(t, time.Second, "changeA to confirm", func() bool {
		return confirmationHeightOf(t, n, genesisAccount) >= 2
	})
	if h := confirmationHeightOf(t, n, types.Account{}); h != 0 {
		t.Fatalf("confirmation height leaked onto the zero account: %d", h)
	}
}

// TestConfirmationHeightCascadesThroughReceiveSource drives spec §4.9's
// recursive walk: a receive is confirmed directly, without its source send
// ever separately reaching its own election quorum. confheight must walk
// back across the source chain and advance the sender's confirmation
// height too, landing it on the sender's real account rather than one
// derived from the (account-less) classic send block.
func TestConfirmationHeightCascadesThroughReceiveSource(t *testing.T) {
	cfg := newTestConfig(t)
	genesisWallet := seedGenesis(t, cfg, types.NewAmount(1_000_000))
	genesisAccount := genesisWallet.Account()

	n, err := New(cfg, genesisWallet)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	defer n.Stop()

	genesisOpen, ok := accountHead(t, n, genesisAccount)
	if !ok {
		t.Fatal("genesis account has no chain after seeding")
	}

	bobWallet, err := wallet.Generate()
	if err != nil {
		t.Fatalf("generate bob wallet: %v", err)
	}
	bobAccount := bobWallet.Account()

	send := &types.Block{
		Type:               types.BlockSend,
		Previous:           genesisOpen,
		DestinationAccount: bobAccount,
		ResultingBalance:   types.NewAmount(1_000_000 - 777),
	}
	genesisWallet.SignBlock(send)
	if err := n.blockProc.Enqueue(send); err != nil {
		t.Fatalf("enqueue send: %v", err)
	}
	waitUntil(t, time.Second, "send to commit", func() bool {
		head, ok := accountHead(t, n, genesisAccount)
		return ok && head == send.Hash()
	})

	bobOpen := &types.Block{
		Type:           types.BlockOpen,
		SourceHash:     send.Hash(),
		Representative: bobAccount,
		Account:        bobAccount,
	}
	bobWallet.SignBlock(bobOpen)
	if err := n.blockProc.Enqueue(bobOpen); err != nil {
		t.Fatalf("enqueue bob open: %v", err)
	}
	waitUntil(t, time.Second, "bob open to commit", func() bool {
		head, ok := accountHead(t, n, bobAccount)
		return ok && head == bobOpen.Hash()
	})

	// Only bob's open is ever voted on directly; the send's own election
	// (if any) never reaches quorum independently.
	if err := n.voteProc.Enqueue(signedVote(genesisWallet, 1, bobOpen.Hash())); err != nil {
		t.Fatalf("enqueue vote for bob open: %v", err)
	}
	waitUntil(t, time.Second, "bob open to confirm and cascade", func() bool {
		return confirmationHeightOf(t, n, bobAccount) >= 1 && confirmationHeightOf(t, n, genesisAccount) >= 2
	})
	if h := confirmationHeightOf(t, n, types.Account{}); h != 0 {
		t.Fatalf("confirmation height leaked onto the zero account: %d", h)
	}
}

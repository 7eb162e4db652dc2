// Package node wires every subsystem package into one running process:
// store, ledger, signature checker, gap cache, block processor, vote
// processor, active elections, confirmation-height advancer, online-weight
// tracker, frontier backlog tracker, bootstrap coordinator, peer-to-peer
// node, and the RPC server, as a reusable, testable constructor plus an
// explicit Start/Stop lifecycle instead of one long main().
package node

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tolelom/latticenode/active"
	"github.com/tolelom/latticenode/blockprocessor"
	"github.com/tolelom/latticenode/bootstrap"
	"github.com/tolelom/latticenode/config"
	"github.com/tolelom/latticenode/confheight"
	"github.com/tolelom/latticenode/crypto"
	"github.com/tolelom/latticenode/events"
	"github.com/tolelom/latticenode/frontiers"
	"github.com/tolelom/latticenode/gapcache"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/network"
	"github.com/tolelom/latticenode/onlineweight"
	"github.com/tolelom/latticenode/rpc"
	"github.com/tolelom/latticenode/sigcheck"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
	"github.com/tolelom/latticenode/votes"
	"github.com/tolelom/latticenode/wallet"
	"github.com/tolelom/latticenode/work"
)

// Node bundles every running subsystem and their shared background
// context, so Start/Stop can bring the whole process up and down in the
// right order (spec §5's startup/shutdown sequence).
type Node struct {
	cfg    *config.Config
	params config.NetworkParams
	wallet *wallet.Wallet // nil if this node does not vote

	db      store.DB
	ledger  *ledger.Ledger
	emitter *events.Emitter
	nodeKey crypto.PrivateKey // the voting key if set, else an ephemeral identity

	checker *sigcheck.Checker
	gaps    *gapcache.Cache

	blockProc  *blockprocessor.Processor
	voteProc   *votes.Processor
	active     *active.Active
	confHeight *confheight.Processor
	online     *onlineweight.Tracker
	frontierTk *frontiers.Tracker
	repCrawler *votes.RepCrawler

	bootSrv  *bootstrap.Server
	bootPool *bootstrap.Pool
	bootCo   *bootstrap.Coordinator

	p2p       *network.Node
	rpcServer *rpc.Server

	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every subsystem from cfg and opens the on-disk store at
// cfg.DataDir, but starts nothing running yet — call Start for that. w may
// be nil for a non-voting (observer) node.
func New(cfg *config.Config, w *wallet.Wallet) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	params := cfg.Params()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	db, err := store.OpenLevelStore(cfg.DataDir + "/chain")
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	l := ledger.New(ledger.Params{
		EpochLinks:   params.EpochLinks,
		EpochSigners: params.EpochSigners,
	})
	emitter := events.NewEmitter()

	nodeKey := crypto.PrivateKey(nil)
	if w != nil {
		nodeKey = w.PrivKey()
	} else {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("node: generate ephemeral node identity: %w", err)
		}
		nodeKey = priv
	}

	n := &Node{
		cfg:     cfg,
		params:  params,
		wallet:  w,
		db:      db,
		ledger:  l,
		emitter: emitter,
		nodeKey: nodeKey,
		logger:  logger,
	}

	if err := n.ensureGenesis(); err != nil {
		db.Close()
		return nil, err
	}

	n.checker = sigcheck.New(runtime.GOMAXPROCS(0))

	weightOf := func(account types.Account) (types.Amount, error) {
		r := db.BeginRead()
		defer r.Discard()
		return ledger.Weight(r, account)
	}

	n.online, err = onlineweight.New(onlineweight.Config{
		DB:         db,
		Weigh:      weightOf,
		Minimum:    params.OnlineWeightMinimum,
		MaxSamples: cfg.Tunables.OnlineWeightMaxSamples,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: online weight tracker: %w", err)
	}

	n.frontierTk = frontiers.New(emitter)
	{
		r := db.BeginRead()
		err := n.frontierTk.LoadFromLedger(r)
		r.Discard()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("node: load frontier backlog: %w", err)
		}
	}

	bootstrapThreshold := func() types.Amount {
		return bootstrapFraction(n.online.OnlineStake(), params.BootstrapFractionNumerator)
	}
	n.gaps = gapcache.New(bootstrapThreshold, n.onGapThreshold)

	n.confHeight = confheight.New(confheight.Config{
		DB:         db,
		EpochLinks: params.EpochLinks,
		OnInactive: func(account types.Account, hash types.Hash) {
			n.emitter.Emit(events.Event{Type: events.EventConfirmationAdvanced, Data: map[string]any{
				"account": account, "hash": hash,
			}})
		},
		Logger: logger,
	})

	n.active = active.New(active.Config{
		WeightOf:             weightOf,
		OnlineWeight:         n.online.OnlineStake,
		MinOnlineWeight:      params.OnlineWeightMinimum,
		QuorumPercent:        params.OnlineWeightQuorumPercent,
		Requester:            &confirmRequester{n: n},
		Principals:           n.principals,
		Confirmer:            &confirmer{n: n},
		AccountOf:            n.accountOf,
		ConfirmedHistorySize: cfg.Tunables.ConfirmationHistorySize,
		Logger:               logger,
	})

	n.blockProc = blockprocessor.New(blockprocessor.Config{
		DB:           db,
		Ledger:       l,
		Checker:      n.checker,
		Gaps:         n.gaps,
		BatchMax:     cfg.Tunables.BlockProcessorBatchMax,
		BatchMaxTime: cfg.Tunables.BlockProcessorBatchMaxTime,
		Hooks: blockprocessor.Hooks{
			OnProgress: n.onProgress,
			OnGap:      n.onGap,
			OnFork:     n.onFork,
		},
		Logger: logger,
	})

	n.voteProc = votes.New(votes.Config{
		DB:      db,
		Router:  n.active,
		Checker: n.checker,
		Cache:   votes.NewCache(cfg.Tunables.VotingMaxCache),
		Logger:  logger,
	})

	n.repCrawler = votes.NewRepCrawler(votes.RepCrawlerConfig{
		Prober:       &proberFunc{n: n},
		WeightOf:     weightOf,
		PrincipalMin: principalMinimum(params, n.online.OnlineStake()),
		SampleHash:   n.sampleHash,
		Logger:       logger,
	})

	n.bootSrv = bootstrap.NewServer(db, n.blockProc)
	n.bootPool = bootstrap.NewPool(bootstrap.PoolConfig{
		Dial:        n.dialBootstrapPeer,
		WarmupGrace: time.Duration(cfg.Tunables.BootstrapConnectionWarmupSec) * time.Second,
	})
	n.bootCo = bootstrap.New(bootstrap.Config{
		DB:     db,
		Sink:   n.blockProc,
		Pool:   n.bootPool,
		Logger: logger,
	})

	n.p2p = network.New(network.Config{
		Net:        params.Network,
		ListenAddr: cfg.P2PAddr,
		NodeKey:    n.nodeKey,
		Sink:       n.blockProc,
		Votes:      n.voteProc,
		Server:     n.bootSrv,
		Thresholds: params.WorkThresholds,
		Logger:     logger,
	})

	rpcHandler := rpc.NewHandler(db, n.blockProc)
	n.rpcServer = rpc.NewServer(cfg.RPCAddr, rpcHandler, cfg.RPCAuthToken)

	return n, nil
}

// ensureGenesis refuses to start a node whose store has no chain for the
// configured genesis account (spec §3.2/§8 scenario 1): this node expects
// to join a network already bootstrapped elsewhere, via --genesis.
func (n *Node) ensureGenesis() error {
	r := n.db.BeginRead()
	info, err := ledger.LoadAccountInfo(r, n.params.GenesisAccount)
	r.Discard()
	if err != nil {
		return fmt.Errorf("node: check genesis account: %w", err)
	}
	if info != nil {
		return nil // already bootstrapped
	}
	if n.params.GenesisAccount == (types.Account{}) {
		return fmt.Errorf("node: network_params.genesis_account is unset; run with --genesis first")
	}
	return fmt.Errorf("node: genesis account %v has no chain in this store; this node was never bootstrapped", n.params.GenesisAccount)
}

// Start brings every background loop up: block processor, vote processor,
// active election request loop, confirmation-height advancer, online-weight
// sampler, rep crawler, bootstrap pool sweeper, peer-to-peer node, and RPC
// server (spec §5).
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.ctx = ctx
	n.cancel = cancel

	n.goLoop(func() { n.blockProc.Run(ctx) })
	n.goLoop(func() { n.voteProc.Run(ctx) })
	n.goLoop(func() { n.active.Run(ctx) })
	n.goLoop(func() { n.confHeight.Run(ctx) })
	n.goLoop(func() { n.online.Run(ctx, n.cfg.Tunables.OnlineWeightSampleInterval) })
	n.goLoop(func() { n.bootCo.Run(ctx) })

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.repCrawler.Run(stop)
	}()

	if err := n.p2p.Start(); err != nil {
		cancel()
		return fmt.Errorf("node: start p2p: %w", err)
	}
	for _, sp := range n.cfg.SeedPeers {
		if err := n.p2p.Dial(sp.Addr); err != nil {
			n.logger.Printf("[node] seed peer %s (%s): %v", sp.ID, sp.Addr, err)
		}
	}

	if err := n.rpcServer.Start(); err != nil {
		cancel()
		n.p2p.Stop()
		return fmt.Errorf("node: start rpc: %w", err)
	}

	n.logger.Printf("[node] listening p2p=%s rpc=%s network=%v", n.cfg.P2PAddr, n.cfg.RPCAddr, n.params.Network)
	return nil
}

// Stop shuts every subsystem down in the reverse order Start brought it up:
// stop accepting new work first (RPC, p2p), then halt the background
// processing loops, then close the store.
func (n *Node) Stop() {
	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			n.logger.Printf("[node] rpc stop: %v", err)
		}
	}
	if n.p2p != nil {
		n.p2p.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if err := n.frontierTk.Flush(n.db); err != nil {
		n.logger.Printf("[node] flush frontier backlog: %v", err)
	}
	if err := n.db.Close(); err != nil {
		n.logger.Printf("[node] close store: %v", err)
	}
}

func (n *Node) goLoop(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// onProgress fans a committed block out to a new or ongoing election (spec
// §4.6 post-commit, §4.7 "Start") and to the confirmation-height backlog's
// block-processed event, mirroring how frontiers/ and active/ both need to
// hear about every commit without the block processor importing either
// package.
func (n *Node) onProgress(account types.Account, block *types.Block, res ledger.Result) {
	var height uint64
	if r := n.db.BeginRead(); r != nil {
		if info, err := ledger.LoadAccountInfo(r, account); err == nil && info != nil {
			height = info.BlockCount
		}
		r.Discard()
	}
	n.emitter.Emit(events.Event{Type: events.EventBlockProcessed, Data: map[string]any{
		"account": account, "hash": block.Hash(), "height": height,
	}})
	difficulty := work.Value(block.WorkRoot(), block.Work)
	if err := n.active.Start(block, difficulty, account); err != nil {
		n.logger.Printf("[node] start election: %v", err)
	}
}

func (n *Node) onGap(missing types.Hash, block *types.Block) {
	n.gaps.Add(missing, time.Now())
}

func (n *Node) onFork(account types.Account, block *types.Block) {
	n.emitter.Emit(events.Event{Type: events.EventForkDetected, Data: map[string]any{
		"account": account, "incoming": block.Hash(),
	}})
}

// onGapThreshold fires once a gap's accumulated voter weight crosses the
// bootstrap threshold (spec §4.5): ask the bootstrap coordinator to pull
// the missing block's predecessor chain from a connected peer, picked
// arbitrarily since any peer can answer a lazy pull for a known hash.
func (n *Node) onGapThreshold(hash types.Hash) {
	addr, ok := n.p2p.RandomPeerAddr()
	if !ok {
		n.logger.Printf("[node] gap %x crossed bootstrap threshold but no peers are connected", hash[:8])
		return
	}
	n.logger.Printf("[node] gap %x crossed bootstrap threshold, lazy-pulling from %s", hash[:8], addr)

	ctx := n.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		pullCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := n.bootCo.Lazy(pullCtx, bootstrap.PeerID(addr), hash); err != nil {
			n.logger.Printf("[node] lazy pull for gap %x from %s: %v", hash[:8], addr, err)
		}
	}()
}

func (n *Node) principals(count int) []types.Account {
	return n.repCrawler.Principals(count)
}

// confirmRequester adapts Node to active.Requester by delegating to the
// p2p node's confirm_req broadcaster.
type confirmRequester struct{ n *Node }

func (c *confirmRequester) ConfirmReq(roots []types.QualifiedRoot, targets []types.Account) error {
	return c.n.p2p.ConfirmReq(roots, targets)
}

// confirmer adapts Node to active.Confirmer by enqueueing the winning
// block into the confirmation-height processor.
type confirmer struct{ n *Node }

func (c *confirmer) Confirm(account types.Account, block *types.Block) error {
	c.n.emitter.Emit(events.Event{Type: events.EventElectionConfirmed, Data: map[string]any{
		"account": account, "hash": block.Hash(),
	}})
	return c.n.confHeight.Enqueue(confheight.Entry{Account: account, Hash: block.Hash()})
}

// proberFunc adapts Node to votes.Prober via the p2p node's random probe.
type proberFunc struct{ n *Node }

func (p *proberFunc) ProbeRandom(hash types.Hash, count int) error {
	return p.n.p2p.ProbeRandom(hash, count)
}

// dialBootstrapPeer adapts network.DialClient to bootstrap.Dialer.
func (n *Node) dialBootstrapPeer(ctx context.Context, peer bootstrap.PeerID) (bootstrap.Client, error) {
	return network.DialClient(ctx, n.params.Network, n.nodeKey, string(peer), nil)
}

// sampleHash returns a block hash the rep crawler can probe with: the
// genesis account's current head, the one block every node in the network
// is guaranteed to hold (spec §4.8's "a random known block").
func (n *Node) sampleHash() (types.Hash, bool) {
	r := n.db.BeginRead()
	defer r.Discard()
	info, err := ledger.LoadAccountInfo(r, n.params.GenesisAccount)
	if err != nil || info == nil {
		return types.Hash{}, false
	}
	return info.Head, true
}

// accountOf implements active.AccountOf: resolve the account owning an
// already-committed block's chain from its sideband, for the classic
// send/receive/change blocks whose own fields never name an account.
func (n *Node) accountOf(hash types.Hash) (types.Account, bool) {
	r := n.db.BeginRead()
	defer r.Discard()
	stored, err := ledger.LoadBlock(r, hash)
	if err != nil || stored == nil {
		return types.Account{}, false
	}
	return stored.Sideband.Account, true
}

// bootstrapFraction scales online weight into the legacy bootstrap
// trigger threshold (spec §4.5): online_stake/256 * numerator.
func bootstrapFraction(onlineStake types.Amount, numerator int) types.Amount {
	v := onlineStake.Big()
	v.Div(v, big.NewInt(256))
	v.Mul(v, big.NewInt(int64(numerator)))
	amt, _ := types.AmountFromBig(v)
	return amt
}

// principalMinimum derives the minimum weight to count as a principal
// representative: onlineStake / PrincipalRepMinimumFraction (spec §4.10).
func principalMinimum(params config.NetworkParams, onlineStake types.Amount) types.Amount {
	fraction := params.PrincipalRepMinimumFraction
	if fraction <= 0 {
		fraction = 1000
	}
	v := onlineStake.Big()
	v.Div(v, big.NewInt(int64(fraction)))
	amt, _ := types.AmountFromBig(v)
	return amt
}

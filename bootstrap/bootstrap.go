// Package bootstrap implements the three bootstrap attempt modes (spec
// §4.10): legacy frontier diff, lazy pull-by-hash, and wallet-lazy — ask a
// peer for what's missing, validate it, commit it, retry on failure.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// BlockSink is the unverified-queue entry point a pulled block is handed
// to once decoded; blockprocessor.Processor satisfies this.
type BlockSink interface {
	Enqueue(block *types.Block) error
}

// Config wires a Coordinator's collaborators and tunables.
type Config struct {
	DB   store.DB
	Sink BlockSink
	Pool *Pool

	FrontierBatch  uint32        // accounts requested per frontier_req page
	SweepInterval  time.Duration // how often Pool.Sweep runs
	Logger         *log.Logger
}

// Coordinator drives bootstrap attempts against a pool of peers (spec
// §4.10).
type Coordinator struct {
	db     store.DB
	sink   BlockSink
	pool   *Pool
	pulls  *pullsCache
	batch  uint32
	sweep  time.Duration
	logger *log.Logger
}

// New constructs a Coordinator, filling in defaults for zero-valued Config
// fields.
func New(cfg Config) *Coordinator {
	if cfg.FrontierBatch == 0 {
		cfg.FrontierBatch = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Coordinator{
		db:     cfg.DB,
		sink:   cfg.Sink,
		pool:   cfg.Pool,
		pulls:  newPullsCache(),
		batch:  cfg.FrontierBatch,
		sweep:  cfg.SweepInterval,
		logger: cfg.Logger,
	}
}

// Run periodically sweeps the connection pool for stalled peers until ctx
// is canceled. Attempts themselves (Legacy/Lazy/WalletLazy) are invoked
// directly by callers (node startup, a stalled-sync watchdog), not on a
// fixed schedule, matching spec §4.10's "any of which may be active".
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.pool.Sweep(); n > 0 {
				c.logger.Printf("[bootstrap] abandoned %d stalled connection(s)", n)
			}
		}
	}
}

// Legacy runs a frontier-request diff against peer: pull peer's
// (account, head) pairs, compare against the local chain, and pull any
// account whose peer head differs from (or is simply ahead of) the local
// one (spec §4.10 "Legacy").
func (c *Coordinator) Legacy(ctx context.Context, peer PeerID) error {
	s, err := c.pool.Acquire(ctx, peer)
	if err != nil {
		return err
	}

	var targets []ledger.Frontier
	err = s.client.RequestFrontiers(ctx, types.Account{}, c.batch, func(account types.Account, head types.Hash) bool {
		if c.needsPull(account, head) {
			targets = append(targets, ledger.Frontier{Account: account, Head: head})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return fmt.Errorf("bootstrap: legacy frontier request to %s: %w", peer, err)
	}

	for _, t := range targets {
		if err := c.pullAccount(ctx, s, t.Account, t.Head); err != nil {
			c.logger.Printf("[bootstrap] legacy pull %s from %s: %v", t.Account, peer, err)
		}
	}
	return nil
}

// LegacyMany runs a Legacy frontier-diff attempt against every peer in
// peers concurrently, each in its own pooled connection, and returns the
// first error encountered (spec §4.10: "a pool of bootstrap_client
// connections", plural, held in parallel during a single attempt).
func (c *Coordinator) LegacyMany(ctx context.Context, peers []PeerID) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			return c.Legacy(gctx, peer)
		})
	}
	return g.Wait()
}

// needsPull reports whether account's locally-stored head differs from
// peerHead and this (account, local-head) pair has not already been
// resolved by an earlier attempt.
func (c *Coordinator) needsPull(account types.Account, peerHead types.Hash) bool {
	r := c.db.BeginRead()
	defer r.Discard()
	info, err := ledger.LoadAccountInfo(r, account)
	if err != nil {
		return false
	}
	localHead := types.Hash{}
	if info != nil {
		localHead = info.Head
	}
	if localHead == peerHead {
		return false
	}
	if advanced, ok := c.pulls.Seen(account, localHead); ok && advanced == peerHead {
		return false
	}
	return true
}

// pullAccount requests account's chain from start (the peer's reported
// head) down to the first block the local store already has, feeding each
// newly-seen block to the sink in oldest-first order (bulk_pull_account,
// spec §4.10/§6.1).
func (c *Coordinator) pullAccount(ctx context.Context, s *slot, account types.Account, peerHead types.Hash) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	r := c.db.BeginRead()
	info, err := ledger.LoadAccountInfo(r, account)
	r.Discard()
	if err != nil {
		return err
	}
	localHead := types.Hash{}
	if info != nil {
		localHead = info.Head
	}

	n, err := s.client.PullAccount(ctx, account, localHead, func(typ types.BlockType, raw []byte) error {
		block, err := types.UnmarshalBlock(typ, raw)
		if err != nil {
			return fmt.Errorf("decode pulled block: %w", err)
		}
		return c.sink.Enqueue(block)
	})
	s.recordBlocks(n)
	if err != nil {
		return err
	}
	c.pulls.Record(account, localHead, peerHead)
	return nil
}

// Lazy starts with a target hash and pulls predecessors until landing on a
// known block, widening into source hashes encountered along the way
// (spec §4.10 "Lazy").
func (c *Coordinator) Lazy(ctx context.Context, peer PeerID, target types.Hash) error {
	s, err := c.pool.Acquire(ctx, peer)
	if err != nil {
		return err
	}

	pending := []types.Hash{target}
	seen := make(map[types.Hash]bool)
	pulled := 0
	for len(pending) > 0 {
		hash := pending[0]
		pending = pending[1:]
		if seen[hash] {
			continue
		}
		seen[hash] = true

		if c.have(hash) {
			continue
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
		typ, raw, found, err := s.client.PullByHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("bootstrap: lazy pull %s from %s: %w", hash, peer, err)
		}
		if !found {
			continue
		}
		block, err := types.UnmarshalBlock(typ, raw)
		if err != nil {
			return fmt.Errorf("decode lazily-pulled block: %w", err)
		}
		if err := c.sink.Enqueue(block); err != nil {
			return err
		}
		pulled++
		s.recordBlocks(1)

		if !block.Previous.IsZero() && !c.have(block.Previous) {
			pending = append(pending, block.Previous)
		}
		if src, ok := sourceHash(block); ok && !c.have(src) {
			pending = append(pending, src)
		}
	}
	c.logger.Printf("[bootstrap] lazy pull of %s from %s: %d block(s)", target, peer, pulled)
	return nil
}

// WalletLazy enumerates the accounts this node holds voting/representative
// keys for and lazy-pulls each one's current head (spec §4.10 "Wallet
// lazy").
func (c *Coordinator) WalletLazy(ctx context.Context, peer PeerID, accounts []types.Account) error {
	for _, account := range accounts {
		r := c.db.BeginRead()
		info, err := ledger.LoadAccountInfo(r, account)
		r.Discard()
		if err != nil {
			return err
		}
		if info == nil {
			continue
		}
		if err := c.Lazy(ctx, peer, info.Head); err != nil {
			return err
		}
	}
	return nil
}

// Push uploads blocks this node holds that peer is missing (spec §4.10
// "bulk_push (client uploads unknown blocks to peer)"), typically the
// account chains belonging to this node's own wallet keys after a fresh
// start.
func (c *Coordinator) Push(ctx context.Context, peer PeerID, hashes []types.Hash) error {
	s, err := c.pool.Acquire(ctx, peer)
	if err != nil {
		return err
	}
	blocks := make([]WireBlock, 0, len(hashes))
	r := c.db.BeginRead()
	for _, h := range hashes {
		stored, err := ledger.LoadBlock(r, h)
		if err != nil {
			continue
		}
		raw, err := stored.Block.MarshalBinary()
		if err != nil {
			continue
		}
		blocks = append(blocks, WireBlock{Type: stored.Block.Type, Raw: raw})
	}
	r.Discard()
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.client.PushBlocks(ctx, blocks)
}

func (c *Coordinator) have(hash types.Hash) bool {
	r := c.db.BeginRead()
	defer r.Discard()
	exists, err := r.Exists(store.TableBlocks, hash[:])
	return err == nil && exists
}

// sourceHash extracts the source-block hash a receive-shaped block
// consumes, if any, for lazy bootstrap's widening step.
func sourceHash(block *types.Block) (types.Hash, bool) {
	switch block.Type {
	case types.BlockReceive, types.BlockOpen:
		return block.SourceHash, true
	case types.BlockState:
		// A state receive's source is block.Link; classifying it exactly
		// requires the previous block's balance, which lazy bootstrap
		// does not have on hand mid-walk. Treat any non-zero link as a
		// candidate to widen into — if it isn't actually a receive, the
		// lazy pull of it will simply hit "have" immediately (it is
		// usually the account's own prior state block) or the peer will
		// report not-found.
		if !block.Link.IsZero() {
			return block.Link, true
		}
	}
	return types.Hash{}, false
}

// Package blockprocessor is the single-writer ingestion pipeline (spec
// §4.6): it drains an unverified queue and a forced queue, batches
// signature checks ahead of the write transaction, commits blocks through
// the ledger, rolls back conflicting subtrees for forced writes, and
// cascades into the unchecked table to retry dependants of anything it
// just committed, as a continuously-running consumer loop: snapshot a
// candidate batch, execute each entry, commit once, revert on failure.
package blockprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tolelom/latticenode/gapcache"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/sigcheck"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// Default batching constants (spec §4.6).
const (
	DefaultBatchMax     = 256
	DefaultBatchMaxTime = 500 * time.Millisecond
	DefaultFullSize     = 65536
	rolledBackCap       = 1024
)

// Hooks lets callers (active transactions, network flood, gap cache) react
// to what Process decided without the processor importing those packages
// directly.
type Hooks struct {
	OnProgress func(account types.Account, block *types.Block, res ledger.Result)
	OnGap      func(missing types.Hash, block *types.Block)
	OnFork     func(account types.Account, block *types.Block)
	OnOld      func(block *types.Block)
}

type queued struct {
	block  *types.Block
	forced bool
}

// Processor is the block-processor pipeline. Construct with New, then call
// Run in its own goroutine and Enqueue/EnqueueForced from producers
// (network message handlers, bootstrap pulls).
type Processor struct {
	db      store.DB
	ledger  *ledger.Ledger
	checker *sigcheck.Checker
	gaps    *gapcache.Cache
	hooks   Hooks

	batchMax     int
	batchMaxTime time.Duration
	fullSize     int

	unverified chan queued
	forced     chan queued

	rolledBack *ring

	logger *log.Logger
}

// Config bundles the processor's tunables and collaborators.
type Config struct {
	DB           store.DB
	Ledger       *ledger.Ledger
	Checker      *sigcheck.Checker
	Gaps         *gapcache.Cache
	Hooks        Hooks
	BatchMax     int
	BatchMaxTime time.Duration
	FullSize     int
	QueueSize    int
	Logger       *log.Logger
}

// New builds a Processor from cfg, filling unset tunables with the spec's
// defaults.
func New(cfg Config) *Processor {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = DefaultBatchMax
	}
	if cfg.BatchMaxTime <= 0 {
		cfg.BatchMaxTime = DefaultBatchMaxTime
	}
	if cfg.FullSize <= 0 {
		cfg.FullSize = DefaultFullSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.FullSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Processor{
		db:           cfg.DB,
		ledger:       cfg.Ledger,
		checker:      cfg.Checker,
		gaps:         cfg.Gaps,
		hooks:        cfg.Hooks,
		batchMax:     cfg.BatchMax,
		batchMaxTime: cfg.BatchMaxTime,
		fullSize:     cfg.FullSize,
		unverified:   make(chan queued, cfg.QueueSize),
		forced:       make(chan queued, cfg.QueueSize),
		rolledBack:   newRing(rolledBackCap),
		logger:       cfg.Logger,
	}
}

// Full reports whether the processor's backlog has crossed fullSize;
// producers should drop or defer new blocks while true (spec §4.6).
func (p *Processor) Full() bool {
	return len(p.unverified)+len(p.forced) >= p.fullSize
}

// Enqueue submits a block for normal (signature-checked) processing.
func (p *Processor) Enqueue(block *types.Block) error {
	select {
	case p.unverified <- queued{block: block}:
		return nil
	default:
		return fmt.Errorf("blockprocessor: unverified queue full")
	}
}

// EnqueueForced submits a block that bypasses dedup/fork rejection — used
// for bootstrap-replaced rollbacks, where the caller already decided this
// block must win (spec §4.6 step 3).
func (p *Processor) EnqueueForced(block *types.Block) error {
	select {
	case p.forced <- queued{block: block, forced: true}:
		return nil
	default:
		return fmt.Errorf("blockprocessor: forced queue full")
	}
}

// Run drains both queues until ctx is canceled. It is meant to run as the
// single consumer goroutine (spec §4.6: "a single consumer thread").
func (p *Processor) Run(ctx context.Context) {
	for {
		batch := p.collectBatch(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p.processBatch(ctx, batch)
	}
}

// collectBatch gathers up to batchMax items or until batchMaxTime elapses,
// whichever comes first (spec §4.6 step 2), forced items first so a
// rollback-driven replacement is never starved behind a flood of ordinary
// blocks.
func (p *Processor) collectBatch(ctx context.Context) []queued {
	deadline := time.NewTimer(p.batchMaxTime)
	defer deadline.Stop()
	var batch []queued
	for len(batch) < p.batchMax {
		select {
		case q := <-p.forced:
			batch = append(batch, q)
			continue
		default:
		}
		select {
		case q := <-p.forced:
			batch = append(batch, q)
		case q := <-p.unverified:
			batch = append(batch, q)
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// processBatch runs signature pre-verification for the unforced half of
// the batch, then commits everything under a single write transaction.
func (p *Processor) processBatch(ctx context.Context, batch []queued) {
	preVerified := p.preVerify(ctx, batch)

	txn := p.db.BeginWrite()
	committed := make([]types.Hash, 0, len(batch))
	for i, q := range batch {
		hash := q.block.Hash()
		if q.forced {
			if err := p.applyForced(txn, q.block); err != nil {
				p.logger.Printf("[blockprocessor] forced block %s: %v", hash, err)
				continue
			}
			committed = append(committed, hash)
			continue
		}
		res, err := p.ledger.Process(txn, q.block, preVerified[i])
		if err != nil {
			p.logger.Printf("[blockprocessor] process %s: %v", hash, err)
			continue
		}
		p.handleResult(txn, q.block, hash, res)
		if res.Code == ledger.Progress {
			committed = append(committed, hash)
		}
	}
	if err := txn.Commit(); err != nil {
		p.logger.Printf("[blockprocessor] commit batch: %v", err)
		txn.Discard()
		return
	}
	for _, hash := range committed {
		p.cascadeUnchecked(hash)
	}
}

// preVerify resolves each unforced block's signer and batches the
// signature check through the sigcheck pool (spec §4.6 step 1). Forced
// blocks are always treated as pre-verified: they bypass normal
// acceptance by design.
func (p *Processor) preVerify(ctx context.Context, batch []queued) []bool {
	result := make([]bool, len(batch))
	items := make([]sigcheck.Item, 0, len(batch))
	indices := make([]int, 0, len(batch))

	read := p.db.BeginRead()
	defer read.Discard()
	for i, q := range batch {
		if q.forced {
			result[i] = true
			continue
		}
		_, signer, err := p.ledger.ResolveSigner(read, q.block)
		if err != nil {
			// Can't resolve the signer (e.g. missing previous): leave
			// unverified, Process will report gap_previous itself.
			continue
		}
		hash := q.block.Hash()
		items = append(items, sigcheck.Item{Message: hash[:], PubKey: signer, Signature: q.block.Signature})
		indices = append(indices, i)
	}
	if len(items) == 0 {
		return result
	}
	verified, err := p.checker.Verify(ctx, items)
	if err != nil {
		p.logger.Printf("[blockprocessor] signature batch: %v", err)
		return result
	}
	for k, idx := range indices {
		result[idx] = verified[k]
	}
	return result
}

// handleResult dispatches post-commit actions per spec §4.6 step 4.
func (p *Processor) handleResult(txn store.Txn, block *types.Block, hash types.Hash, res ledger.Result) {
	switch res.Code {
	case ledger.Progress:
		if p.hooks.OnProgress != nil {
			p.hooks.OnProgress(res.Account, block, res)
		}
	case ledger.GapPrevious:
		p.insertUnchecked(txn, block.Previous, block)
		if p.gaps != nil {
			p.gaps.Add(block.Previous, time.Now())
		}
		if p.hooks.OnGap != nil {
			p.hooks.OnGap(block.Previous, block)
		}
	case ledger.GapSource:
		source := block.SourceHash
		if block.Type == types.BlockState {
			source = block.Link
		}
		p.insertUnchecked(txn, source, block)
		if p.gaps != nil {
			p.gaps.Add(source, time.Now())
		}
		if p.hooks.OnGap != nil {
			p.hooks.OnGap(source, block)
		}
	case ledger.Old:
		if p.hooks.OnOld != nil {
			p.hooks.OnOld(block)
		}
	case ledger.Fork:
		if p.hooks.OnFork != nil {
			p.hooks.OnFork(res.Account, block)
		}
	}
}

// applyForced commits block unconditionally, first rolling back whatever
// conflicting successor currently occupies its root (spec §4.6 step 3).
func (p *Processor) applyForced(txn store.Txn, block *types.Block) error {
	hash := block.Hash()
	if p.rolledBack.contains(hash) {
		return fmt.Errorf("recently rolled back, refusing immediate re-entry")
	}
	res, err := p.ledger.Process(txn, block, true)
	if err != nil {
		return err
	}
	if res.Code == ledger.Fork {
		reverted, err := p.ledger.Rollback(txn, res.Account, block.Previous)
		if err != nil {
			return fmt.Errorf("rollback conflicting subtree: %w", err)
		}
		for _, h := range reverted {
			p.rolledBack.add(h)
		}
		res, err = p.ledger.Process(txn, block, true)
		if err != nil {
			return err
		}
	}
	if res.Code != ledger.Progress && res.Code != ledger.Old {
		return fmt.Errorf("forced block rejected: %s", res.Code)
	}
	return nil
}

// uncheckedRecord is the JSON-wrapped value stored under a missing
// dependency's key in the unchecked table.
type uncheckedRecord struct {
	Type types.BlockType `json:"type"`
	Data []byte          `json:"data"`
}

func (p *Processor) insertUnchecked(txn store.Txn, missing types.Hash, block *types.Block) {
	data, err := block.MarshalBinary()
	if err != nil {
		p.logger.Printf("[blockprocessor] marshal unchecked block: %v", err)
		return
	}
	raw, err := json.Marshal(uncheckedRecord{Type: block.Type, Data: data})
	if err != nil {
		p.logger.Printf("[blockprocessor] encode unchecked record: %v", err)
		return
	}
	key := append(missing.Bytes(), block.Hash().Bytes()...)
	if err := txn.Put(store.TableUnchecked, key, raw); err != nil {
		p.logger.Printf("[blockprocessor] write unchecked: %v", err)
	}
}

// cascadeUnchecked re-enqueues every block that was waiting on hash,
// deleting its unchecked rows (spec §4.6 step 5). It runs after the
// commit transaction has closed, using a fresh write transaction to clean
// up the unchecked rows it consumes.
func (p *Processor) cascadeUnchecked(hash types.Hash) {
	read := p.db.BeginRead()
	it := read.Iterate(store.TableUnchecked, hash.Bytes())
	var pending []*types.Block
	var keys [][]byte
	for it.Next() {
		var rec uncheckedRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		block, err := types.UnmarshalBlock(rec.Type, rec.Data)
		if err != nil {
			continue
		}
		pending = append(pending, block)
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		keys = append(keys, key)
	}
	it.Release()
	read.Discard()
	if len(pending) == 0 {
		return
	}

	txn := p.db.BeginWrite()
	for _, key := range keys {
		if err := txn.Delete(store.TableUnchecked, key); err != nil {
			p.logger.Printf("[blockprocessor] delete unchecked: %v", err)
		}
	}
	if err := txn.Commit(); err != nil {
		p.logger.Printf("[blockprocessor] commit unchecked cleanup: %v", err)
		txn.Discard()
		return
	}
	for _, block := range pending {
		if err := p.Enqueue(block); err != nil {
			p.logger.Printf("[blockprocessor] requeue cascaded block: %v", err)
		}
	}
}

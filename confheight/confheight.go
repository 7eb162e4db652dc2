// Package confheight implements the confirmation-height processor (spec
// §4.9): given a block that reached election quorum, it advances the
// account's confirmation height up to that block, recursively confirming
// any receive blocks along the way whose source has not itself been
// confirmed on the sending account's chain.
package confheight

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

const (
	// DefaultBatchWriteSize caps accounts touched per write-transaction
	// commit (spec §4.9 step 5).
	DefaultBatchWriteSize = 2048
	// DefaultBatchReadSize caps blocks traversed per processing batch.
	DefaultBatchReadSize = 4096
	// DefaultMinBatchTime is the floor before a partially-filled batch is
	// flushed anyway, to bound latency for a lone confirmation.
	DefaultMinBatchTime = 50 * time.Millisecond
	// DefaultQueueSize bounds the incoming entry queue.
	DefaultQueueSize = 8192
)

// Entry names one block that reached quorum and needs its account's
// confirmation height advanced up to (at least) it.
type Entry struct {
	Account types.Account
	Hash    types.Hash
}

// Config wires a Processor's collaborators and tunables.
type Config struct {
	DB             store.DB
	EpochLinks     map[types.Hash]types.Epoch
	BatchWriteSize int
	BatchReadSize  int
	MinBatchTime   time.Duration
	QueueSize      int
	// OnInactive is called once for each receive's source block confirmed
	// as a cascade side effect rather than directly requested (the lower
	// blocks of that source chain confirmed along with it are not
	// reported), mirroring spec §4.9 step 6's
	// "inactive_confirmation_height" status.
	OnInactive func(account types.Account, hash types.Hash)
	Logger     *log.Logger
}

// Processor is the single-consumer confirmation-height advancer.
type Processor struct {
	db             store.DB
	epochLinks     map[types.Hash]types.Epoch
	batchWriteSize int
	batchReadSize  int
	minBatchTime   time.Duration
	queue          chan Entry
	onInactive     func(types.Account, types.Hash)
	logger         *log.Logger
}

// New constructs a Processor, filling in defaults for zero-valued Config
// fields.
func New(cfg Config) *Processor {
	if cfg.BatchWriteSize <= 0 {
		cfg.BatchWriteSize = DefaultBatchWriteSize
	}
	if cfg.BatchReadSize <= 0 {
		cfg.BatchReadSize = DefaultBatchReadSize
	}
	if cfg.MinBatchTime <= 0 {
		cfg.MinBatchTime = DefaultMinBatchTime
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EpochLinks == nil {
		cfg.EpochLinks = map[types.Hash]types.Epoch{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Processor{
		db:             cfg.DB,
		epochLinks:     cfg.EpochLinks,
		batchWriteSize: cfg.BatchWriteSize,
		batchReadSize:  cfg.BatchReadSize,
		minBatchTime:   cfg.MinBatchTime,
		queue:          make(chan Entry, cfg.QueueSize),
		onInactive:     cfg.OnInactive,
		logger:         cfg.Logger,
	}
}

// Confirm implements active.Confirmer: hand a just-confirmed winner to the
// height-advance queue.
func (p *Processor) Confirm(account types.Account, block *types.Block) error {
	return p.Enqueue(Entry{Account: account, Hash: block.Hash()})
}

// Enqueue submits one entry for processing.
func (p *Processor) Enqueue(e Entry) error {
	select {
	case p.queue <- e:
		return nil
	default:
		return fmt.Errorf("confheight: queue full")
	}
}

// Run drains the queue until ctx is canceled.
func (p *Processor) Run(ctx context.Context) {
	for {
		batch := p.collectBatch(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p.processBatch(batch)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Processor) collectBatch(ctx context.Context) []Entry {
	var batch []Entry
	deadline := time.NewTimer(p.minBatchTime)
	defer deadline.Stop()
	for len(batch) < p.batchReadSize {
		select {
		case e := <-p.queue:
			batch = append(batch, e)
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// walkState accumulates the outcome of one processBatch call: the new
// confirmation height computed per account so far, and how much of the
// batch's read budget remains.
type walkState struct {
	read       store.Tx
	newHeights map[types.Account]uint64
	blocksRead int
	readCap    int
	truncated  bool
	deferred   []Entry
}

func (p *Processor) processBatch(batch []Entry) {
	read := p.db.BeginRead()
	ws := &walkState{
		read:       read,
		newHeights: make(map[types.Account]uint64),
		readCap:    p.batchReadSize,
	}

	for i, e := range batch {
		if ws.truncated {
			ws.deferred = append(ws.deferred, batch[i:]...)
			break
		}
		if err := p.walk(ws, e); err != nil {
			p.logger.Printf("[confheight] walk %s/%v: %v", e.Account, e.Hash, err)
		}
	}
	read.Discard()

	p.commitHeights(ws.newHeights)

	for _, e := range ws.deferred {
		if err := p.Enqueue(e); err != nil {
			p.logger.Printf("[confheight] re-enqueue after truncation: %v", err)
		}
	}
}

// walk advances account's confirmation height up to e.Hash's height,
// recursing into any receive's source chain first (spec §4.9 steps 2-4).
func (p *Processor) walk(ws *walkState, e Entry) error {
	stored, err := ledger.LoadBlock(ws.read, e.Hash)
	if err != nil {
		return fmt.Errorf("load target block: %w", err)
	}
	target := stored.Sideband.Height
	current := p.heightOf(ws, e.Account)
	if current >= target {
		return nil
	}

	chain, err := p.chainFrom(ws, e.Account, e.Hash, current)
	if err != nil {
		return err
	}

	for _, sb := range chain {
		if ws.blocksRead >= ws.readCap {
			ws.truncated = true
			return nil
		}
		ws.blocksRead++

		if source, ok := p.sourceOf(ws, sb.Block); ok {
			sourceStored, err := ledger.LoadBlock(ws.read, source)
			if err == nil {
				sourceAccount := sourceStored.Sideband.Account
				sourceHeight := p.heightOf(ws, sourceAccount)
				if sourceHeight < sourceStored.Sideband.Height {
					if err := p.walk(ws, Entry{Account: sourceAccount, Hash: source}); err != nil {
						return err
					}
					if p.onInactive != nil {
						p.onInactive(sourceAccount, source)
					}
				}
			}
		}

		ws.newHeights[e.Account] = sb.Sideband.Height
	}
	return nil
}

// heightOf returns the best known confirmation height for account: either
// a pending update already computed earlier in this batch, or the
// persisted value.
func (p *Processor) heightOf(ws *walkState, account types.Account) uint64 {
	if h, ok := ws.newHeights[account]; ok {
		return h
	}
	h, err := ledger.LoadConfirmationHeight(ws.read, account)
	if err != nil {
		return 0
	}
	return h
}

// chainFrom walks backward from hash via Previous until it reaches a block
// at height == afterHeight, then returns the chain from there forward to
// hash (spec §4.9 step 3's "traverse from current confirmation_height+1
// forward to height": since there is no height index, the traversal is
// done backward first to establish the span, then replayed forward).
func (p *Processor) chainFrom(ws *walkState, account types.Account, hash types.Hash, afterHeight uint64) ([]*types.StoredBlock, error) {
	var reversed []*types.StoredBlock
	cursor := hash
	for {
		stored, err := ledger.LoadBlock(ws.read, cursor)
		if err != nil {
			return nil, fmt.Errorf("walk chain for %s: %w", account, err)
		}
		reversed = append(reversed, stored)
		if stored.Sideband.Height <= afterHeight+1 {
			break
		}
		prev := stored.Block.Previous
		if prev.IsZero() {
			break
		}
		cursor = prev
	}
	chain := make([]*types.StoredBlock, len(reversed))
	for i, sb := range reversed {
		chain[len(reversed)-1-i] = sb
	}
	return chain, nil
}

// sourceOf returns the source block hash this block consumes, if it is a
// receive-shaped block (spec §4.9 step 3, "receive blocks whose source has
// not yet been confirmed").
func (p *Processor) sourceOf(ws *walkState, block *types.Block) (types.Hash, bool) {
	switch block.Type {
	case types.BlockReceive, types.BlockOpen:
		return block.SourceHash, true
	case types.BlockState:
		prevBalance := types.ZeroAmount
		if !block.Previous.IsZero() {
			if prevStored, err := ledger.LoadBlock(ws.read, block.Previous); err == nil {
				prevBalance = prevStored.Sideband.BalanceAfter
			}
		}
		subtype := types.ClassifyState(block.Balance, prevBalance, block.Link, p.epochLinks)
		if subtype == types.StateReceive {
			return block.Link, true
		}
	}
	return types.Hash{}, false
}

// commitHeights writes every account's new confirmation height, chunked at
// batchWriteSize accounts per write transaction (spec §4.9 step 5).
func (p *Processor) commitHeights(heights map[types.Account]uint64) {
	if len(heights) == 0 {
		return
	}
	accounts := make([]types.Account, 0, len(heights))
	for a := range heights {
		accounts = append(accounts, a)
	}
	for start := 0; start < len(accounts); start += p.batchWriteSize {
		end := start + p.batchWriteSize
		if end > len(accounts) {
			end = len(accounts)
		}
		chunk := accounts[start:end]

		write := p.db.BeginWrite()
		for _, a := range chunk {
			if err := write.Put(store.TableConfirmationHeight, a[:], ledger.EncodeHeight(heights[a])); err != nil {
				p.logger.Printf("[confheight] put height for %s: %v", a, err)
			}
		}
		if err := write.Commit(); err != nil {
			p.logger.Printf("[confheight] commit heights: %v", err)
		}
	}
}

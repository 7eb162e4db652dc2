package votes

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/sigcheck"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// Status is the outcome of processing one vote (spec §4.8 step 3).
type Status int

const (
	// StatusVoted means the vote was new, verified, and routed.
	StatusVoted Status = iota
	// StatusReplay means the voter's stored sequence already covers this one.
	StatusReplay
	// StatusInvalid means the signature failed verification.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusVoted:
		return "vote"
	case StatusReplay:
		return "replay"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Router is the subset of the active election set the vote processor
// drives: hand a verified vote to whatever election matches its hashes, or
// briefly open one if the vote references a known but not-yet-active block.
type Router interface {
	Vote(v *types.Vote) error
}

const (
	// DefaultBatchMax mirrors the block processor's signature-batch sizing
	// rationale (spec §4.6 step 1): large enough to amortize a verify
	// round, small enough to bound one commit's latency.
	DefaultBatchMax = 256
	// DefaultBatchMaxTime is the soft deadline for a batch to fill.
	DefaultBatchMaxTime = 500 * time.Millisecond
	// DefaultQueueSize bounds the incoming vote queue before Enqueue blocks.
	DefaultQueueSize = 4096
)

type queuedVote struct {
	vote   *types.Vote
	result chan<- Status
}

// Config wires a Processor's collaborators.
type Config struct {
	DB       store.DB
	Router   Router
	Checker  *sigcheck.Checker
	Cache    *Cache
	BatchMax int
	BatchMaxTime time.Duration
	QueueSize    int
	Logger       *log.Logger
}

// Processor is the single-consumer vote pipeline (spec §4.8): batches
// incoming votes for signature verification, discards replays and invalid
// signatures, persists the per-account high-water sequence, and routes
// survivors to active transactions.
type Processor struct {
	db           store.DB
	router       Router
	checker      *sigcheck.Checker
	cache        *Cache
	queue        chan queuedVote
	batchMax     int
	batchMaxTime time.Duration
	logger       *log.Logger
}

// New constructs a Processor. Defaults fill in for zero-valued Config fields.
func New(cfg Config) *Processor {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = DefaultBatchMax
	}
	if cfg.BatchMaxTime <= 0 {
		cfg.BatchMaxTime = DefaultBatchMaxTime
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache(DefaultMaxCache)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Processor{
		db:           cfg.DB,
		router:       cfg.Router,
		checker:      cfg.Checker,
		cache:        cfg.Cache,
		queue:        make(chan queuedVote, cfg.QueueSize),
		batchMax:     cfg.BatchMax,
		batchMaxTime: cfg.BatchMaxTime,
		logger:       cfg.Logger,
	}
}

// Cache exposes the processor's votes cache, e.g. for RPC/network handlers
// answering "have you seen a vote for this block" queries.
func (p *Processor) Cache() *Cache { return p.cache }

// Enqueue submits a vote for processing without waiting for a result.
func (p *Processor) Enqueue(v *types.Vote) error {
	select {
	case p.queue <- queuedVote{vote: v}:
		return nil
	default:
		return fmt.Errorf("votes: queue full")
	}
}

// Submit submits a vote and blocks until it has been classified, for
// callers (RPC, network confirm_ack handling) that need the result.
func (p *Processor) Submit(ctx context.Context, v *types.Vote) (Status, error) {
	result := make(chan Status, 1)
	select {
	case p.queue <- queuedVote{vote: v, result: result}:
	case <-ctx.Done():
		return StatusInvalid, ctx.Err()
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return StatusInvalid, ctx.Err()
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
		p.processBatch(ctx, batch)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Processor) collectBatch(ctx context.Context) []queuedVote {
	var batch []queuedVote
	deadline := time.NewTimer(p.batchMaxTime)
	defer deadline.Stop()
	for len(batch) < p.batchMax {
		select {
		case qv := <-p.queue:
			batch = append(batch, qv)
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (p *Processor) processBatch(ctx context.Context, batch []queuedVote) {
	items := make([]sigcheck.Item, len(batch))
	for i, qv := range batch {
		h := qv.vote.Hash()
		items[i] = sigcheck.Item{Message: h[:], PubKey: qv.vote.Account, Signature: qv.vote.Signature}
	}
	verified, err := p.checker.Verify(ctx, items)
	if err != nil {
		p.logger.Printf("[votes] signature batch error: %v", err)
		for _, qv := range batch {
			p.reply(qv, StatusInvalid)
		}
		return
	}

	for i, qv := range batch {
		if !verified[i] {
			p.reply(qv, StatusInvalid)
			continue
		}
		status, err := p.applyOne(qv.vote)
		if err != nil {
			p.logger.Printf("[votes] apply vote from %s: %v", qv.vote.Account, err)
			p.reply(qv, StatusInvalid)
			continue
		}
		p.reply(qv, status)
	}
}

// applyOne checks the stored high-water sequence for the voter, rejects a
// replay, otherwise persists the new sequence, caches the vote and routes
// it to active transactions (spec §4.8 steps 2-4).
func (p *Processor) applyOne(v *types.Vote) (Status, error) {
	read := p.db.BeginRead()
	stored, err := loadSequence(read, v.Account)
	read.Discard()
	if err != nil {
		return StatusInvalid, err
	}
	if v.Sequence <= stored {
		return StatusReplay, nil
	}

	write := p.db.BeginWrite()
	if err := write.Put(store.TableVote, v.Account[:], ledger.EncodeHeight(v.Sequence)); err != nil {
		write.Discard()
		return StatusInvalid, err
	}
	if err := write.Commit(); err != nil {
		return StatusInvalid, fmt.Errorf("votes: commit sequence: %w", err)
	}

	p.cache.Add(v)
	if p.router != nil {
		if err := p.router.Vote(v); err != nil {
			return StatusInvalid, fmt.Errorf("votes: route: %w", err)
		}
	}
	return StatusVoted, nil
}

func (p *Processor) reply(qv queuedVote, s Status) {
	if qv.result != nil {
		qv.result <- s
	}
}

func loadSequence(r store.Reader, account types.Account) (uint64, error) {
	raw, err := r.Get(store.TableVote, account[:])
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return ledger.DecodeHeight(raw)
}

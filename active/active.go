package active

import (
	"context"
	"log"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/latticenode/types"
)

const (
	// DefaultCap is the spec's default bound on live elections (§4.7).
	DefaultCap = 50_000
	// DefaultConfirmedHistory bounds the terminated-election ring.
	DefaultConfirmedHistory = 2048
	// DefaultRequestInterval is the request-loop tick cadence.
	DefaultRequestInterval = 3 * time.Second
	// HashesPerRequest is the confirm_req batching width (spec §4.7 step 1).
	HashesPerRequest = 7
	// DefaultMinConfirmRequestCount matches an election to a request every
	// this-many ticks.
	DefaultMinConfirmRequestCount = 2
	// DefaultLongUnconfirmedThreshold marks an election long-unconfirmed
	// after this many request-loop ticks without quorum.
	DefaultLongUnconfirmedThreshold = 4
	// DefaultQuorumPercent is the share of online weight required to
	// confirm, used when Config.QuorumPercent is unset.
	DefaultQuorumPercent = 67
	// principalSampleSize is how many representatives a confirm_req batch
	// targets per election per tick.
	principalSampleSize = 4
)

// WeightFunc resolves an account's current representative weight
// (ledger.Weight).
type WeightFunc func(account types.Account) (types.Amount, error)

// OnlineWeightFunc returns the current trended online weight sample.
type OnlineWeightFunc func() types.Amount

// Requester sends a batched confirm_req for the given qualified roots to
// a sample of representative accounts. The network layer implements this.
type Requester interface {
	ConfirmReq(roots []types.QualifiedRoot, targets []types.Account) error
}

// Confirmer hands a confirmed winner to the confirmation-height processor.
type Confirmer interface {
	Confirm(account types.Account, block *types.Block) error
}

// PrincipalsFunc returns up to n live principal representatives to target
// confirmation requests at (votes.RepCrawler.Principals).
type PrincipalsFunc func(n int) []types.Account

// AccountOf resolves the account owning an already-committed block's
// chain, by hash. Used only to recover the account for a classic
// send/receive/change block (whose own fields never name an account) when
// an election must be opened from a bare vote rather than a post-commit
// Start (spec §4.8 step 2).
type AccountOf func(hash types.Hash) (types.Account, bool)

// Config wires an Active set's collaborators and tunables.
type Config struct {
	Cap                      int
	WeightOf                 WeightFunc
	OnlineWeight             OnlineWeightFunc
	MinOnlineWeight          types.Amount
	QuorumPercent            int
	Requester                Requester
	Principals               PrincipalsFunc
	Confirmer                Confirmer
	AccountOf                AccountOf
	ConfirmedHistorySize     int
	RequestInterval          time.Duration
	MinConfirmRequestCount   int
	LongUnconfirmedThreshold int
	Logger                   *log.Logger
}

// Active is the bounded set of live elections (spec §4.7): dual-indexed
// by qualified root (election identity) and by every candidate hash it has
// seen (vote routing), ordered by adjusted difficulty for the request loop.
type Active struct {
	mu     sync.Mutex
	byRoot map[types.QualifiedRoot]*Election
	byHash map[types.Hash]*Election

	cap                      int
	weightOf                 WeightFunc
	onlineWeight             OnlineWeightFunc
	minOnlineWeight          types.Amount
	quorumPercent            int
	requester                Requester
	principals               PrincipalsFunc
	confirmer                Confirmer
	accountOf                AccountOf
	history                  *confirmedRing
	requestInterval          time.Duration
	minConfirmRequestCount   int
	longUnconfirmedThreshold int
	logger                   *log.Logger
}

// New constructs an Active set. Zero-valued Config fields fall back to the
// package defaults above.
func New(cfg Config) *Active {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.QuorumPercent <= 0 {
		cfg.QuorumPercent = DefaultQuorumPercent
	}
	if cfg.ConfirmedHistorySize <= 0 {
		cfg.ConfirmedHistorySize = DefaultConfirmedHistory
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	if cfg.MinConfirmRequestCount <= 0 {
		cfg.MinConfirmRequestCount = DefaultMinConfirmRequestCount
	}
	if cfg.LongUnconfirmedThreshold <= 0 {
		cfg.LongUnconfirmedThreshold = DefaultLongUnconfirmedThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Active{
		byRoot:                   make(map[types.QualifiedRoot]*Election),
		byHash:                   make(map[types.Hash]*Election),
		cap:                      cfg.Cap,
		weightOf:                 cfg.WeightOf,
		onlineWeight:             cfg.OnlineWeight,
		minOnlineWeight:          cfg.MinOnlineWeight,
		quorumPercent:            cfg.QuorumPercent,
		requester:                cfg.Requester,
		principals:               cfg.Principals,
		confirmer:                cfg.Confirmer,
		accountOf:                cfg.AccountOf,
		history:                  newConfirmedRing(cfg.ConfirmedHistorySize),
		requestInterval:          cfg.RequestInterval,
		minConfirmRequestCount:   cfg.MinConfirmRequestCount,
		longUnconfirmedThreshold: cfg.LongUnconfirmedThreshold,
		logger:                   cfg.Logger,
	}
}

// Len reports the number of live elections.
func (a *Active) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byRoot)
}

// History returns a snapshot of recently terminated elections.
func (a *Active) History() []Status {
	return a.history.snapshot()
}

// Start seeds a new election for a just-committed `progress` block (spec
// §4.6 post-commit, §4.7 "Start"). account is the block's owning account —
// for a classic send/receive/change block this cannot be read off the
// block itself and must come from the caller's ledger lookup (spec §8
// property 5: confirmation height must land on the real account, not a
// zero value). A block whose root already has a live election is instead
// folded in via Publish.
func (a *Active) Start(block *types.Block, difficulty uint64, account types.Account) error {
	root := block.QualifiedRoot()
	hash := block.Hash()

	a.mu.Lock()
	if _, exists := a.byRoot[root]; exists {
		a.mu.Unlock()
		return a.Publish(block)
	}
	if len(a.byRoot) >= a.cap {
		a.flushLowestLocked(2)
	}
	e := newElection(block, difficulty)
	e.account = account
	a.byRoot[root] = e
	a.byHash[hash] = e
	recomputeAdjusted(e, block, a.byHash)
	a.mu.Unlock()
	return nil
}

// Publish adds block as an additional candidate to its root's election, if
// one is live (spec §4.7 "Publish"). It is a no-op if no election exists
// for the root.
func (a *Active) Publish(block *types.Block) error {
	root := block.QualifiedRoot()
	hash := block.Hash()

	a.mu.Lock()
	e, ok := a.byRoot[root]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	a.byHash[hash] = e
	a.mu.Unlock()

	e.addCandidate(block)
	a.mu.Lock()
	recomputeAdjusted(e, block, a.byHash)
	a.mu.Unlock()
	return nil
}

// Vote ingests one verified vote (votes.Router), tallying it against every
// election that tracks one of its hashes and confirming any that reach
// quorum (spec §4.7 "Vote ingestion"). A full-block vote for a root with no
// live election briefly opens one, per spec §4.8 step 2.
func (a *Active) Vote(v *types.Vote) error {
	var weight types.Amount
	var err error
	if a.weightOf != nil {
		weight, err = a.weightOf(v.Account)
		if err != nil {
			return err
		}
	}
	if weight.Cmp(types.ZeroAmount) == 0 {
		return nil // zero-weight voters cannot move any tally
	}

	if v.Block != nil {
		root := v.Block.QualifiedRoot()
		a.mu.Lock()
		_, exists := a.byRoot[root]
		a.mu.Unlock()
		if !exists {
			account, ok := v.Block.AccountField()
			if !ok && a.accountOf != nil {
				account, _ = a.accountOf(v.Block.Previous)
			}
			if err := a.Start(v.Block, 0, account); err != nil {
				return err
			}
		}
	}

	for _, hash := range v.HashList() {
		a.mu.Lock()
		e, ok := a.byHash[hash]
		a.mu.Unlock()
		if !ok || e.isConfirmed() {
			continue
		}
		changed, applied := e.recordVote(v.Account, v.Sequence, hash, weight)
		if !applied {
			continue
		}
		for _, h := range changed {
			a.checkQuorum(e, h)
		}
	}
	return nil
}

// checkQuorum confirms e if hash's tallied weight has reached the current
// quorum threshold (spec §4.7 "Quorum rule").
func (a *Active) checkQuorum(e *Election, hash types.Hash) {
	if e.isConfirmed() {
		return
	}
	threshold := a.quorumThreshold()
	if e.weightFor(hash).Cmp(threshold) < 0 {
		return
	}
	block := e.candidatesSnapshot()[hash]
	if block == nil {
		return
	}
	a.confirm(e, block)
}

// quorumThreshold computes online_weight (floored by the configured
// minimum) times the quorum percentage.
func (a *Active) quorumThreshold() types.Amount {
	var onlineWeight types.Amount
	if a.onlineWeight != nil {
		onlineWeight = a.onlineWeight()
	}
	if onlineWeight.Cmp(a.minOnlineWeight) < 0 {
		onlineWeight = a.minOnlineWeight
	}
	scaled := new(big.Int).Mul(onlineWeight.Big(), big.NewInt(int64(a.quorumPercent)))
	scaled.Div(scaled, big.NewInt(100))
	amt, err := types.AmountFromBig(scaled)
	if err != nil {
		return onlineWeight
	}
	return amt
}

func (a *Active) confirm(e *Election, winner *types.Block) {
	e.markConfirmed()

	account := e.account
	status := Status{
		Winner:     winner,
		Tally:      e.tallySnapshot(),
		EndUnix:    time.Now().Unix(),
		DurationMs: time.Since(e.started).Milliseconds(),
	}
	a.history.push(status)

	a.mu.Lock()
	delete(a.byRoot, e.qualifiedRoot)
	for h, el := range a.byHash {
		if el == e {
			delete(a.byHash, h)
		}
	}
	a.mu.Unlock()

	if a.confirmer != nil {
		if err := a.confirmer.Confirm(account, winner); err != nil {
			a.logger.Printf("[active] confirm handoff for root %v: %v", e.qualifiedRoot, err)
		}
	}
}

// flushLowestLocked evicts the n lowest-adjusted-difficulty, long-
// unconfirmed, non-confirmed elections to make room for a higher-priority
// arrival (spec §4.7 step 3, "flush_lowest"). Caller must hold a.mu.
func (a *Active) flushLowestLocked(n int) {
	type candidate struct {
		root types.QualifiedRoot
		e    *Election
	}
	var candidates []candidate
	for root, e := range a.byRoot {
		if e.confirmationRequestCountSnapshot() >= a.longUnconfirmedThreshold {
			candidates = append(candidates, candidate{root, e})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].e.getAdjustedDifficulty() < candidates[j].e.getAdjustedDifficulty()
	})
	for i := 0; i < n && i < len(candidates); i++ {
		c := candidates[i]
		delete(a.byRoot, c.root)
		for h, el := range a.byHash {
			if el == c.e {
				delete(a.byHash, h)
			}
		}
	}
}

// Run drives the request loop until ctx is canceled (spec §4.7 "Request
// loop").
func (a *Active) Run(ctx context.Context) {
	ticker := time.NewTicker(a.requestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Active) tick() {
	ordered := a.orderedByAdjustedDifficulty()
	var batch []types.QualifiedRoot
	flush := func() {
		if len(batch) == 0 || a.requester == nil {
			batch = batch[:0]
			return
		}
		targets := a.targetSample()
		if err := a.requester.ConfirmReq(batch, targets); err != nil {
			a.logger.Printf("[active] confirm_req: %v", err)
		}
		batch = batch[:0]
	}

	for _, e := range ordered {
		if e.isConfirmed() {
			continue
		}
		count := e.incrementRequests()
		if count%a.minConfirmRequestCount != 0 {
			continue
		}
		batch = append(batch, e.qualifiedRoot)
		if len(batch) >= HashesPerRequest {
			flush()
		}
	}
	flush()
}

func (a *Active) targetSample() []types.Account {
	if a.principals == nil {
		return nil
	}
	return a.principals(principalSampleSize)
}

func (a *Active) orderedByAdjustedDifficulty() []*Election {
	a.mu.Lock()
	out := make([]*Election, 0, len(a.byRoot))
	for _, e := range a.byRoot {
		out = append(out, e)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].getAdjustedDifficulty() > out[j].getAdjustedDifficulty()
	})
	return out
}

package votes

import (
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/tolelom/latticenode/types"
)

// Prober is the outbound half of the rep crawler: send a confirm_req for
// hash to up to count peers. The network layer supplies an implementation;
// votes has no knowledge of peer addressing.
type Prober interface {
	ProbeRandom(hash types.Hash, count int) error
}

// WeightFunc resolves an account's current voting weight (ledger.Weight).
type WeightFunc func(account types.Account) (types.Amount, error)

// principalWeightEntry is one tracked responder.
type principalWeightEntry struct {
	lastSeen time.Time
}

// RepCrawler periodically probes a random known block and tracks which
// accounts respond with weight above the principal-representative
// threshold, so active transactions can target confirmation requests at
// live, high-weight voters instead of the whole peer set (spec §4.8).
type RepCrawler struct {
	mu        sync.Mutex
	responded map[types.Account]principalWeightEntry

	prober       Prober
	weightOf     WeightFunc
	principalMin types.Amount
	sampleHash   func() (types.Hash, bool)
	peerSample   int
	interval     time.Duration
	logger       *log.Logger
}

// RepCrawlerConfig wires a RepCrawler's collaborators.
type RepCrawlerConfig struct {
	Prober   Prober
	WeightOf WeightFunc
	// PrincipalMin is the minimum weight for a responder to be tracked as
	// a principal representative.
	PrincipalMin types.Amount
	// SampleHash returns a block hash to probe with, and false if none is
	// known yet (e.g. store still empty).
	SampleHash func() (types.Hash, bool)
	PeerSample int
	Interval   time.Duration
	Logger     *log.Logger
}

// NewRepCrawler constructs a RepCrawler. Defaults: 8-peer sample, 5s
// interval (chosen as a conservative default in the absence of a
// network-constant override; production wiring supplies the configured
// value).
func NewRepCrawler(cfg RepCrawlerConfig) *RepCrawler {
	if cfg.PeerSample <= 0 {
		cfg.PeerSample = 8
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &RepCrawler{
		responded:    make(map[types.Account]principalWeightEntry),
		prober:       cfg.Prober,
		weightOf:     cfg.WeightOf,
		principalMin: cfg.PrincipalMin,
		sampleHash:   cfg.SampleHash,
		peerSample:   cfg.PeerSample,
		interval:     cfg.Interval,
		logger:       cfg.Logger,
	}
}

// Run probes on a ticker until stop is closed. Pass a channel that the
// node's stop sequence closes.
func (c *RepCrawler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *RepCrawler) tick() {
	if c.sampleHash == nil || c.prober == nil {
		return
	}
	hash, ok := c.sampleHash()
	if !ok {
		return
	}
	if err := c.prober.ProbeRandom(hash, c.peerSample); err != nil {
		c.logger.Printf("[repcrawler] probe error: %v", err)
	}
}

// Observe records a confirm_ack from responder as a liveness signal, if
// their current weight clears the principal threshold.
func (c *RepCrawler) Observe(responder types.Account) {
	if c.weightOf == nil {
		return
	}
	w, err := c.weightOf(responder)
	if err != nil {
		c.logger.Printf("[repcrawler] weight lookup for %s: %v", responder, err)
		return
	}
	if w.Cmp(c.principalMin) < 0 {
		return
	}
	c.mu.Lock()
	c.responded[responder] = principalWeightEntry{lastSeen: time.Now()}
	c.mu.Unlock()
}

// Principals returns up to n live principal representatives in a random
// order, so no single account is always favored. How recently each was
// seen does not affect the order or which ones are returned.
func (c *RepCrawler) Principals(n int) []types.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	accounts := make([]types.Account, 0, len(c.responded))
	for a := range c.responded {
		accounts = append(accounts, a)
	}
	rand.Shuffle(len(accounts), func(i, j int) { accounts[i], accounts[j] = accounts[j], accounts[i] })
	if n > 0 && n < len(accounts) {
		accounts = accounts[:n]
	}
	return accounts
}

// Prune drops responders not seen within maxAge.
func (c *RepCrawler) Prune(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	for a, e := range c.responded {
		if e.lastSeen.Before(cutoff) {
			delete(c.responded, a)
		}
	}
}

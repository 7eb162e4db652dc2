package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tolelom/latticenode/types"
)

// Default pool tunables (spec §4.10).
const (
	DefaultMaxConnections  = 64
	DefaultMinBlocksPerSec = 10.0
	DefaultWarmupGrace     = 5 * time.Second
)

// PeerID names a bootstrap candidate; network/ supplies the concrete
// dialable address this wraps.
type PeerID string

// Client is one connection to a bootstrap peer: the three request shapes
// the coordinator issues against it (spec §4.10, §6.1). Implementations
// live in network/ once the wire layer is built; bootstrap only depends on
// this interface, never on a concrete socket.
type Client interface {
	RequestFrontiers(ctx context.Context, start types.Account, count uint32, each func(account types.Account, head types.Hash) bool) error
	PullAccount(ctx context.Context, account types.Account, startHash types.Hash, accept func(typ types.BlockType, raw []byte) error) (blocksPulled int, err error)
	PullByHash(ctx context.Context, hash types.Hash) (typ types.BlockType, raw []byte, found bool, err error)
	PushBlocks(ctx context.Context, blocks []WireBlock) error
	Close() error
}

// WireBlock is a block in its spec §6.1 wire encoding, paired with the
// type its header extensions field would carry (the encoding itself is
// not self-describing).
type WireBlock struct {
	Type types.BlockType
	Raw  []byte
}

// Dialer opens a new Client to peer.
type Dialer func(ctx context.Context, peer PeerID) (Client, error)

// slot tracks one pooled connection's lifetime throughput, used to decide
// whether it should be abandoned for running below the minimum frontier
// rate after its warmup grace has elapsed.
type slot struct {
	peer    PeerID
	client  Client
	started time.Time

	mu           sync.Mutex
	blocksPulled int64
	limiter      *rate.Limiter // paces this connection's outbound pull requests
}

func newSlot(peer PeerID, c Client, requestsPerSec float64) *slot {
	if requestsPerSec <= 0 {
		requestsPerSec = 20
	}
	return &slot{
		peer:    peer,
		client:  c,
		started: time.Now(),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

func (s *slot) recordBlocks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocksPulled += int64(n)
}

// belowFloor reports whether, after the warmup grace has elapsed, this
// connection's lifetime throughput is below minBlocksPerSec.
func (s *slot) belowFloor(now time.Time, minBlocksPerSec float64, warmup time.Duration) bool {
	elapsed := now.Sub(s.started)
	if elapsed < warmup {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.blocksPulled)/elapsed.Seconds() < minBlocksPerSec
}

func (s *slot) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// PoolConfig tunes the connection pool (spec §4.10).
type PoolConfig struct {
	MaxConnections  int
	MinBlocksPerSec float64
	WarmupGrace     time.Duration
	RequestsPerSec  float64
	Dial            Dialer
}

// Pool holds a bounded set of connections to distinct bootstrap peers,
// abandoning any that fall below the minimum throughput floor once past
// their warmup grace (spec §4.10).
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	slots map[PeerID]*slot
}

// NewPool constructs a Pool, filling in defaults for zero-valued Config
// fields.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MinBlocksPerSec <= 0 {
		cfg.MinBlocksPerSec = DefaultMinBlocksPerSec
	}
	if cfg.WarmupGrace <= 0 {
		cfg.WarmupGrace = DefaultWarmupGrace
	}
	return &Pool{cfg: cfg, slots: make(map[PeerID]*slot)}
}

// Acquire returns the pooled connection to peer, dialing one if absent and
// the pool has spare capacity.
func (p *Pool) Acquire(ctx context.Context, peer PeerID) (*slot, error) {
	p.mu.Lock()
	if s, ok := p.slots[peer]; ok {
		p.mu.Unlock()
		return s, nil
	}
	if len(p.slots) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, fmt.Errorf("bootstrap: connection pool at capacity (%d)", p.cfg.MaxConnections)
	}
	p.mu.Unlock()

	if p.cfg.Dial == nil {
		return nil, fmt.Errorf("bootstrap: no dialer configured")
	}
	c, err := p.cfg.Dial(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dial %s: %w", peer, err)
	}
	s := newSlot(peer, c, p.cfg.RequestsPerSec)

	p.mu.Lock()
	if existing, ok := p.slots[peer]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.slots[peer] = s
	p.mu.Unlock()
	return s, nil
}

// Sweep closes and evicts every connection currently below the throughput
// floor, returning how many were abandoned.
func (p *Pool) Sweep() int {
	now := time.Now()
	p.mu.Lock()
	var stale []*slot
	for peer, s := range p.slots {
		if s.belowFloor(now, p.cfg.MinBlocksPerSec, p.cfg.WarmupGrace) {
			stale = append(stale, s)
			delete(p.slots, peer)
		}
	}
	p.mu.Unlock()

	// Close outside the lock since Close may block on socket teardown.
	for _, s := range stale {
		s.client.Close()
	}
	return len(stale)
}

// Len reports the number of currently pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[PeerID]*slot)
	p.mu.Unlock()
	for _, s := range slots {
		s.client.Close()
	}
}

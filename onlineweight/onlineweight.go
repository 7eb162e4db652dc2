// Package onlineweight tracks which representatives are currently observed
// voting and trends a periodic sample of their combined weight into the
// online_weight table (spec §4.7 "Quorum rule": "Online weight is a trended
// median sampled every few minutes ... floored by a configured minimum").
// The quorum threshold active/ uses on every election is this trended value,
// not the live sum of reps currently known — the sampling smooths out a rep
// dropping offline briefly from suddenly starving every in-flight election.
package onlineweight

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// DefaultMaxSamples bounds how many online_weight rows are kept; the oldest
// is evicted once a new sample would exceed it (spec §4.7, original
// online_reps.cpp "max_weight_samples").
const DefaultMaxSamples = 4032 // ~2 weeks at one sample per 5 minutes

// DefaultSampleInterval is how often Run takes a new weight sample.
const DefaultSampleInterval = 5 * time.Minute

// Weigher returns rep's current total delegated balance (ledger.Weight).
type Weigher func(rep types.Account) (types.Amount, error)

// Config wires a Tracker's collaborators and tunables.
type Config struct {
	DB         store.DB
	Weigh      Weigher
	Minimum    types.Amount // online_weight_minimum (spec §4.7 "floored by a configured minimum")
	MaxSamples int
	Logger     *log.Logger
}

// Tracker observes which representatives are live and trends their combined
// weight into a bounded, persisted sample history (spec §4.7, grounded in
// the original's online_reps.cpp).
type Tracker struct {
	db         store.DB
	weigh      Weigher
	minimum    types.Amount
	maxSamples int
	logger     *log.Logger

	mu     sync.Mutex
	reps   map[types.Account]struct{}
	online types.Amount // current trended value
}

// New constructs a Tracker, loading the initial trend from any samples
// already persisted (mirrors online_reps's constructor, which computes the
// starting median from a read transaction before the node does anything
// else).
func New(cfg Config) (*Tracker, error) {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[onlineweight] ", log.LstdFlags)
	}
	t := &Tracker{
		db:         cfg.DB,
		weigh:      cfg.Weigh,
		minimum:    cfg.Minimum,
		maxSamples: cfg.MaxSamples,
		logger:     cfg.Logger,
		reps:       make(map[types.Account]struct{}),
	}
	r := t.db.BeginRead()
	defer r.Discard()
	trended, err := t.trend(r)
	if err != nil {
		return nil, fmt.Errorf("onlineweight: initial trend: %w", err)
	}
	t.online = trended
	return t, nil
}

// Observe records rep as seen voting, if it carries any delegated weight at
// all (spec §4.7, original's observe(): "only representatives with nonzero
// weight are worth trending").
func (t *Tracker) Observe(rep types.Account) error {
	w, err := t.weigh(rep)
	if err != nil {
		return err
	}
	if w.Big().Sign() <= 0 {
		return nil
	}
	t.mu.Lock()
	t.reps[rep] = struct{}{}
	t.mu.Unlock()
	return nil
}

// List returns every representative observed since the last Sample.
func (t *Tracker) List() []types.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Account, 0, len(t.reps))
	for rep := range t.reps {
		out = append(out, rep)
	}
	return out
}

// OnlineStake returns the trended online weight, never less than the
// configured minimum. This is what active.Config.OnlineWeight is wired to.
func (t *Tracker) OnlineStake() types.Amount {
	t.mu.Lock()
	online := t.online
	t.mu.Unlock()
	if online.Cmp(t.minimum) < 0 {
		return t.minimum
	}
	return online
}

// Sample sums the weight of every rep observed since the last call, persists
// it as a new row, evicting the oldest row first if that would exceed
// maxSamples, and recomputes the trended median (spec §4.7, original's
// sample()).
func (t *Tracker) Sample() error {
	w := t.db.BeginWrite()
	defer w.Discard()

	for {
		n, err := w.Count(store.TableOnlineWeight)
		if err != nil {
			return fmt.Errorf("onlineweight: count samples: %w", err)
		}
		if n < t.maxSamples {
			break
		}
		oldest, err := oldestSampleKey(w)
		if err != nil {
			return err
		}
		if oldest == nil {
			break
		}
		if err := w.Delete(store.TableOnlineWeight, oldest); err != nil {
			return fmt.Errorf("onlineweight: evict oldest sample: %w", err)
		}
	}

	t.mu.Lock()
	reps := make([]types.Account, 0, len(t.reps))
	for rep := range t.reps {
		reps = append(reps, rep)
	}
	t.reps = make(map[types.Account]struct{})
	t.mu.Unlock()

	current := types.ZeroAmount
	for _, rep := range reps {
		weight, err := t.weigh(rep)
		if err != nil {
			return fmt.Errorf("onlineweight: weigh %s: %w", rep, err)
		}
		sum, err := current.Add(weight)
		if err != nil {
			return fmt.Errorf("onlineweight: sum overflow: %w", err)
		}
		current = sum
	}

	key := sampleKey(time.Now())
	if err := w.Put(store.TableOnlineWeight, key, current[:]); err != nil {
		return fmt.Errorf("onlineweight: persist sample: %w", err)
	}

	trended, err := t.trend(w)
	if err != nil {
		return err
	}
	if err := w.Commit(); err != nil {
		return fmt.Errorf("onlineweight: commit sample: %w", err)
	}

	t.mu.Lock()
	t.online = trended
	t.mu.Unlock()
	t.logger.Printf("sampled %d online rep(s), current=%s trended=%s", len(reps), current, trended)
	return nil
}

// trend computes the median of (minimum, every persisted sample), matching
// the original's nth_element-based median-of-(samples+minimum) rule so a
// single stale low sample can't be outvoted by a handful of high ones
// without the minimum acting as a floor candidate in the vote itself.
func (t *Tracker) trend(r store.Reader) (types.Amount, error) {
	items := []*big.Int{t.minimum.Big()}
	it := r.Iterate(store.TableOnlineWeight, nil)
	defer it.Release()
	for it.Next() {
		var a types.Amount
		copy(a[:], it.Value())
		items = append(items, a.Big())
	}
	if err := it.Error(); err != nil {
		return types.ZeroAmount, fmt.Errorf("onlineweight: iterate samples: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Cmp(items[j]) < 0 })
	median := items[len(items)/2]
	return types.AmountFromBig(median)
}

func oldestSampleKey(r store.Reader) ([]byte, error) {
	it := r.Iterate(store.TableOnlineWeight, nil)
	defer it.Release()
	if !it.Next() {
		return nil, it.Error()
	}
	key := make([]byte, len(it.Key()))
	copy(key, it.Key())
	return key, it.Error()
}

// sampleKey encodes t as a big-endian nanosecond timestamp so that
// lexicographic (byte) key order matches chronological order, letting
// Iterate's in-order walk double as oldest-first.
func sampleKey(t time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(t.UnixNano()))
	return k[:]
}

// Run samples on a fixed interval until ctx is done (spec §4.7: "sampled
// every few minutes").
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sample(); err != nil {
				t.logger.Printf("sample: %v", err)
			}
		}
	}
}

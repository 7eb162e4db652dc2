// Package sigcheck implements the node's batched signature verification
// pool (spec §4.3). Callers submit batches of (message, public key,
// signature) triples; a fixed pool of worker goroutines drains them
// concurrently and fills in a per-item valid/invalid result, so that a
// block carrying dozens of dependent votes or blocks is never verified
// signature-by-signature on the caller's goroutine.
package sigcheck

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/latticenode/types"
)

// Item is one signature to verify.
type Item struct {
	Message   []byte
	PubKey    types.Account
	Signature types.Signature
}

// job pairs a batch with the slice its results should be written into and
// the WaitGroup signaling completion.
type job struct {
	items   []Item
	results []bool
	wg      *sync.WaitGroup
}

// Checker is a pool of worker goroutines draining submitted batches. The
// zero value is not usable; construct with New.
type Checker struct {
	jobs    chan job
	workers int

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a Checker with the given number of worker goroutines. workers
// <= 0 defaults to 1.
func New(workers int) *Checker {
	if workers <= 0 {
		workers = 1
	}
	c := &Checker{
		jobs:    make(chan job, workers*4),
		workers: workers,
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go c.drain()
	}
	return c
}

func (c *Checker) drain() {
	for j := range c.jobs {
		verifyBatch(j.items, j.results)
		j.wg.Done()
	}
}

// verifyBatch fills results[i] with whether items[i]'s signature verifies
// under its public key. Each item is independent, so a single malformed
// entry only invalidates its own slot.
func verifyBatch(items []Item, results []bool) {
	for i, it := range items {
		if len(it.PubKey) != ed25519.PublicKeySize {
			results[i] = false
			continue
		}
		results[i] = ed25519.Verify(ed25519.PublicKey(it.PubKey[:]), it.Message, it.Signature[:])
	}
}

// Verify splits items into per-worker batches and blocks until every batch
// is drained, returning a parallel slice of per-item results. Verify is
// itself the "flush" point; the package has no separate fire-and-forget
// submission queue.
func (c *Checker) Verify(ctx context.Context, items []Item) ([]bool, error) {
	results := make([]bool, len(items))
	if len(items) == 0 {
		return results, nil
	}
	chunks := chunk(len(items), c.workers)

	var wg sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chunks {
		ch := ch
		wg.Add(1)
		g.Go(func() error {
			select {
			case <-gctx.Done():
				wg.Done()
				return gctx.Err()
			case c.jobs <- job{items: items[ch.start:ch.end], results: results[ch.start:ch.end], wg: &wg}:
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sigcheck: verify: %w", err)
	}
	wg.Wait()
	return results, nil
}

// VerifyOne checks a single signature on the caller's own goroutine,
// bypassing the pool. Used by call sites that only ever have one signature
// to check (e.g. a lone incoming vote) and would gain nothing from
// batching.
func VerifyOne(it Item) bool {
	results := make([]bool, 1)
	verifyBatch([]Item{it}, results)
	return results[0]
}

// Stop shuts down the worker pool. Safe to call more than once.
func (c *Checker) Stop() {
	c.closeOnce.Do(func() {
		close(c.jobs)
		close(c.done)
	})
}

type span struct{ start, end int }

// chunk divides n items into at most parts contiguous spans, used to fan a
// single Verify call out across the worker pool without per-item channel
// overhead.
func chunk(n, parts int) []span {
	if parts > n {
		parts = n
	}
	if parts <= 0 {
		parts = 1
	}
	base := n / parts
	rem := n % parts
	spans := make([]span, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		spans = append(spans, span{start: start, end: start + size})
		start += size
	}
	return spans
}

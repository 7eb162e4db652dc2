package votes

import (
	"errors"
	"testing"
	"time"

	"github.com/tolelom/latticenode/types"
)

type fakeProber struct {
	calls int
	hash  types.Hash
	err   error
}

func (f *fakeProber) ProbeRandom(hash types.Hash, count int) error {
	f.calls++
	f.hash = hash
	return f.err
}

func TestRepCrawlerTicksProbeSampleHash(t *testing.T) {
	prober := &fakeProber{}
	want := types.Hash{5}
	c := NewRepCrawler(RepCrawlerConfig{
		Prober:     prober,
		SampleHash: func() (types.Hash, bool) { return want, true },
		Interval:   10 * time.Millisecond,
	})

	stop := make(chan struct{})
	go c.Run(stop)
	time.Sleep(35 * time.Millisecond)
	close(stop)

	if prober.calls == 0 {
		t.Fatal("expected at least one probe")
	}
	if prober.hash != want {
		t.Fatalf("probed hash = %v, want %v", prober.hash, want)
	}
}

func TestRepCrawlerObserveTracksAboveThreshold(t *testing.T) {
	acc := types.Account{1}
	c := NewRepCrawler(RepCrawlerConfig{
		WeightOf: func(a types.Account) (types.Amount, error) {
			if a == acc {
				return types.NewAmount(1000), nil
			}
			return types.Amount{}, errors.New("unknown account")
		},
		PrincipalMin: types.NewAmount(100),
	})

	c.Observe(acc)
	principals := c.Principals(10)
	if len(principals) != 1 || principals[0] != acc {
		t.Fatalf("principals = %v, want [%v]", principals, acc)
	}
}

func TestRepCrawlerObserveSkipsBelowThreshold(t *testing.T) {
	acc := types.Account{2}
	c := NewRepCrawler(RepCrawlerConfig{
		WeightOf: func(a types.Account) (types.Amount, error) { return types.NewAmount(1), nil },
		PrincipalMin: types.NewAmount(100),
	})
	c.Observe(acc)
	if len(c.Principals(10)) != 0 {
		t.Fatal("low-weight responder should not be tracked")
	}
}

func TestRepCrawlerPrune(t *testing.T) {
	acc := types.Account{3}
	c := NewRepCrawler(RepCrawlerConfig{
		WeightOf:     func(a types.Account) (types.Amount, error) { return types.NewAmount(1000), nil },
		PrincipalMin: types.NewAmount(100),
	})
	c.Observe(acc)
	c.Prune(0)
	if len(c.Principals(10)) != 0 {
		t.Fatal("expected pruning to drop the responder immediately with maxAge 0")
	}
}

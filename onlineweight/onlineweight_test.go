package onlineweight

import (
	"testing"

	"github.com/tolelom/latticenode/internal/testutil"
	"github.com/tolelom/latticenode/types"
)

func weigherOf(weights map[types.Account]types.Amount) Weigher {
	return func(rep types.Account) (types.Amount, error) {
		return weights[rep], nil
	}
}

func TestNewStartsAtMinimumWithNoSamples(t *testing.T) {
	db := testutil.NewMemStore()
	tr, err := New(Config{DB: db, Weigh: weigherOf(nil), Minimum: types.NewAmount(1000)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.OnlineStake().Cmp(types.NewAmount(1000)) != 0 {
		t.Fatalf("OnlineStake = %s, want the floor of 1000", tr.OnlineStake())
	}
}

func TestObserveIgnoresZeroWeightReps(t *testing.T) {
	db := testutil.NewMemStore()
	rep := types.Account{1}
	tr, err := New(Config{DB: db, Weigh: weigherOf(map[types.Account]types.Amount{}), Minimum: types.NewAmount(100)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Observe(rep); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(tr.List()) != 0 {
		t.Fatalf("a rep with zero weight should not be tracked, got %v", tr.List())
	}
}

func TestSampleTrendsMedianAcrossRuns(t *testing.T) {
	db := testutil.NewMemStore()
	rep := types.Account{1}
	weights := map[types.Account]types.Amount{rep: types.NewAmount(500)}
	tr, err := New(Config{DB: db, Weigh: weigherOf(weights), Minimum: types.NewAmount(100)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tr.Observe(rep); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := tr.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	// items = {minimum=100, sample=500}; median of 2 picks index 1 -> 500.
	if got := tr.OnlineStake(); got.Cmp(types.NewAmount(500)) != 0 {
		t.Fatalf("OnlineStake after one sample = %s, want 500", got)
	}

	weights[rep] = types.NewAmount(50)
	if err := tr.Observe(rep); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := tr.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	// items = {100, 500, 50} sorted {50,100,500}; median index 1 -> 100.
	if got := tr.OnlineStake(); got.Cmp(types.NewAmount(100)) != 0 {
		t.Fatalf("OnlineStake after two samples = %s, want 100 (the median)", got)
	}
}

func TestSampleEvictsOldestBeyondMaxSamples(t *testing.T) {
	db := testutil.NewMemStore()
	rep := types.Account{1}
	weights := map[types.Account]types.Amount{rep: types.NewAmount(1)}
	tr, err := New(Config{DB: db, Weigh: weigherOf(weights), Minimum: types.ZeroAmount, MaxSamples: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := tr.Observe(rep); err != nil {
			t.Fatalf("Observe: %v", err)
		}
		if err := tr.Sample(); err != nil {
			t.Fatalf("Sample %d: %v", i, err)
		}
	}
	r := db.BeginRead()
	defer r.Discard()
	n, err := r.Count("online_weight/")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("sample count = %d, want capped at MaxSamples=2", n)
	}
}

func TestObserveClearsBetweenSamples(t *testing.T) {
	db := testutil.NewMemStore()
	rep := types.Account{1}
	weights := map[types.Account]types.Amount{rep: types.NewAmount(10)}
	tr, err := New(Config{DB: db, Weigh: weigherOf(weights), Minimum: types.ZeroAmount})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Observe(rep); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := tr.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(tr.List()) != 0 {
		t.Fatalf("the observed-rep set should reset after Sample, got %v", tr.List())
	}
}

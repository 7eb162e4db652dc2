package work

import (
	"testing"

	"github.com/tolelom/latticenode/types"
)

func TestValueDeterministic(t *testing.T) {
	root := types.Hash{1, 2, 3}
	a := Value(root, 42)
	b := Value(root, 42)
	if a != b {
		t.Fatalf("Value not deterministic: %x vs %x", a, b)
	}
	if c := Value(root, 43); c == a {
		t.Fatalf("Value collided across different nonces")
	}
}

func TestThresholdFallsBackToHighestKnown(t *testing.T) {
	th := Thresholds{types.Epoch0: 10, types.Epoch2: 30}
	if got := th.Threshold(types.Epoch1); got != 30 {
		t.Fatalf("unknown epoch threshold = %d, want 30 (highest known)", got)
	}
}

func TestValidateRejectsBelowThreshold(t *testing.T) {
	th := Thresholds{types.Epoch0: ^uint64(0)} // impossible to satisfy
	block := &types.Block{Type: types.BlockOpen, Account: types.Account{9}, Work: 1}
	ok, _ := th.Validate(block, types.Epoch0)
	if ok {
		t.Fatalf("expected validation to fail against a maximal threshold")
	}
}

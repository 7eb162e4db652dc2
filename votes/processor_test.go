package votes

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/tolelom/latticenode/internal/testutil"
	"github.com/tolelom/latticenode/sigcheck"
	"github.com/tolelom/latticenode/types"
)

type fakeRouter struct {
	votes chan *types.Vote
}

func (r *fakeRouter) Vote(v *types.Vote) error {
	r.votes <- v
	return nil
}

func signedVote(t *testing.T, seq uint64, hashes ...types.Hash) *types.Vote {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := types.NewHashListVote(accountFromPub(pub), seq, hashes)
	if err != nil {
		t.Fatal(err)
	}
	h := v.Hash()
	sig := ed25519.Sign(priv, h[:])
	copy(v.Signature[:], sig)
	return v
}

func accountFromPub(pub ed25519.PublicKey) types.Account {
	var a types.Account
	copy(a[:], pub)
	return a
}

func TestProcessorRoutesVerifiedVote(t *testing.T) {
	db := testutil.NewMemStore()
	checker := sigcheck.New(2)
	defer checker.Stop()
	router := &fakeRouter{votes: make(chan *types.Vote, 1)}

	p := New(Config{DB: db, Router: router, Checker: checker, BatchMaxTime: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	v := signedVote(t, 1, types.Hash{7})
	if err := p.Enqueue(v); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-router.votes:
		if got.Account != v.Account {
			t.Fatalf("routed vote account = %s, want %s", got.Account, v.Account)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed vote")
	}
}

func TestProcessorRejectsReplay(t *testing.T) {
	db := testutil.NewMemStore()
	checker := sigcheck.New(2)
	defer checker.Stop()
	router := &fakeRouter{votes: make(chan *types.Vote, 2)}

	p := New(Config{DB: db, Router: router, Checker: checker, BatchMaxTime: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	acc := accountFromPub(pub)

	vHigh, err := types.NewHashListVote(acc, 5, []types.Hash{{1}})
	if err != nil {
		t.Fatal(err)
	}
	hHigh := vHigh.Hash()
	copy(vHigh.Signature[:], ed25519.Sign(priv, hHigh[:]))

	status, err := p.Submit(context.Background(), vHigh)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusVoted {
		t.Fatalf("first vote status = %s, want vote", status)
	}

	vLow, err := types.NewHashListVote(acc, 3, []types.Hash{{2}})
	if err != nil {
		t.Fatal(err)
	}
	hLow := vLow.Hash()
	copy(vLow.Signature[:], ed25519.Sign(priv, hLow[:]))

	status, err = p.Submit(context.Background(), vLow)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusReplay {
		t.Fatalf("lower-sequence vote status = %s, want replay", status)
	}
}

func TestProcessorRejectsInvalidSignature(t *testing.T) {
	db := testutil.NewMemStore()
	checker := sigcheck.New(2)
	defer checker.Stop()

	p := New(Config{DB: db, Checker: checker, BatchMaxTime: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	v := signedVote(t, 1, types.Hash{3})
	v.Signature[0] ^= 0xFF // corrupt

	status, err := p.Submit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusInvalid {
		t.Fatalf("status = %s, want invalid", status)
	}
}

package sigcheck

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/tolelom/latticenode/types"
)

func makeItem(t *testing.T, msg []byte, corrupt bool) Item {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, msg)
	if corrupt {
		sig[0] ^= 0xff
	}
	var it Item
	copy(it.PubKey[:], pub)
	copy(it.Signature[:], sig)
	it.Message = msg
	return it
}

func TestVerifyMixedBatch(t *testing.T) {
	c := New(4)
	defer c.Stop()

	items := []Item{
		makeItem(t, []byte("block one"), false),
		makeItem(t, []byte("block two"), true),
		makeItem(t, []byte("block three"), false),
	}
	results, err := c.Verify(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{true, false, true}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("item %d: got %v, want %v", i, results[i], want[i])
		}
	}
}

func TestVerifyOneRejectsZeroSignature(t *testing.T) {
	it := Item{Message: []byte("x"), PubKey: types.Account{1}}
	if VerifyOne(it) {
		t.Fatal("expected failure: signature is all-zero")
	}
}

func TestChunkCoversAllItems(t *testing.T) {
	spans := chunk(10, 3)
	total := 0
	for _, s := range spans {
		total += s.end - s.start
	}
	if total != 10 {
		t.Fatalf("chunk spans cover %d items, want 10", total)
	}
}

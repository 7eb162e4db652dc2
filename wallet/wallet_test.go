package wallet

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/tolelom/latticenode/types"
)

func TestGenerateAccountMatchesPublicKey(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub := ed25519.PrivateKey(w.PrivKey()).Public().(ed25519.PublicKey)
	want, err := types.AccountFromBytes(pub)
	if err != nil {
		t.Fatalf("AccountFromBytes: %v", err)
	}
	if w.Account() != want {
		t.Fatalf("Account() = %x, want %x", w.Account(), want)
	}
}

func TestSignBlockProducesVerifiableSignature(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	block := &types.Block{Type: types.BlockOpen, Account: w.Account(), Representative: w.Account()}
	w.SignBlock(block)

	h := block.Hash()
	if !ed25519.Verify(ed25519.PublicKey(w.PrivKey().Public()), h[:], block.Signature.Bytes()) {
		t.Fatal("signature does not verify against the block hash")
	}
}

func TestSignVoteProducesVerifiableSignature(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	v, err := types.NewHashListVote(w.Account(), 1, []types.Hash{{1, 2, 3}})
	if err != nil {
		t.Fatalf("NewHashListVote: %v", err)
	}
	w.SignVote(v)

	h := v.Hash()
	if !ed25519.Verify(ed25519.PublicKey(w.PrivKey().Public()), h[:], v.Signature.Bytes()) {
		t.Fatal("signature does not verify against the vote hash")
	}
}

func TestSaveLoadKeyRoundTrips(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := SaveKey(path, "correct horse battery staple", w.PrivKey()); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	loaded, err := LoadKey(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if string(loaded) != string(w.PrivKey()) {
		t.Fatal("loaded key does not match the saved key")
	}
}

func TestLoadKeyRejectsWrongPassword(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := SaveKey(path, "correct horse battery staple", w.PrivKey()); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	if _, err := LoadKey(path, "wrong password"); err == nil {
		t.Fatal("expected an error for a wrong password")
	}
}

func TestLoadKeyMissingFile(t *testing.T) {
	if _, err := LoadKey(filepath.Join(t.TempDir(), "missing.json"), "x"); err == nil {
		t.Fatal("expected an error for a missing keystore file")
	}
}

package network

import (
	"testing"

	"github.com/tolelom/latticenode/types"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := NewHeader(NetworkTest, MsgConfirmReq, 0).WithHashCount(5)
	enc := h.Encode()
	got, err := DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Magic != h.Magic || got.Type != h.Type || got.HashCount() != 5 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderBlockTypeNibble(t *testing.T) {
	h := NewHeader(NetworkLive, MsgPublish, 0).WithBlockType(types.BlockState)
	if h.BlockType() != types.BlockState {
		t.Fatalf("BlockType = %v, want state", h.BlockType())
	}
	if h.HashCount() != 0 {
		t.Fatalf("HashCount = %d, want 0 (independent nibble)", h.HashCount())
	}
}

func TestHeaderBulkPullFlags(t *testing.T) {
	h := NewHeader(NetworkBeta, MsgBulkPull, 0).WithBulkPullByHash(true)
	if !h.BulkPullByHash() {
		t.Fatal("BulkPullByHash should be set")
	}
	if h.BulkPullCountPresent() {
		t.Fatal("count-present should be independent of by-hash flag")
	}
}

func TestKeepaliveEncodeDecodeRoundTrip(t *testing.T) {
	samples := make([]PeerSample, keepalivePeerCount)
	samples[0] = PeerSample{Port: 7075}
	samples[0].Addr[15] = 1
	body := EncodeKeepalive(samples)
	if len(body) != keepaliveBodySize {
		t.Fatalf("body len = %d, want %d", len(body), keepaliveBodySize)
	}
	got, err := DecodeKeepalive(body)
	if err != nil {
		t.Fatalf("DecodeKeepalive: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the one non-zero sample to survive, got %d", len(got))
	}
	if got[0].Port != 7075 || got[0].Addr[15] != 1 {
		t.Fatalf("got %+v", got[0])
	}
}

func TestBulkPullEncodeDecodeWithCount(t *testing.T) {
	req := BulkPullRequest{Start: types.Hash{1}, End: types.Hash{2}, Count: 42}
	body := EncodeBulkPull(req, true)
	got, err := DecodeBulkPull(body, true)
	if err != nil {
		t.Fatalf("DecodeBulkPull: %v", err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestFrontierPairTerminator(t *testing.T) {
	body := EncodeFrontierPair(FrontierPair{})
	got, err := DecodeFrontierPair(body)
	if err != nil {
		t.Fatalf("DecodeFrontierPair: %v", err)
	}
	if !got.Account.IsZero() || !got.Head.IsZero() {
		t.Fatalf("expected all-zero terminator, got %+v", got)
	}
}

func TestConfirmAckHeaderRoundTrip(t *testing.T) {
	h := ConfirmAckHeader{Account: types.Account{9}, Sequence: 123}
	body := EncodeConfirmAckHeader(h)
	got, rest, err := DecodeConfirmAckHeader(body)
	if err != nil {
		t.Fatalf("DecodeConfirmAckHeader: %v", err)
	}
	if got.Account != h.Account || got.Sequence != 123 || len(rest) != 0 {
		t.Fatalf("got %+v, rest %v", got, rest)
	}
}

func TestHandshakeEncodeDecodeBothHalves(t *testing.T) {
	q := &HandshakeQuery{Cookie: [32]byte{1}}
	r := &HandshakeResponse{Account: types.Account{2}, Signature: types.Signature{3}}
	body := EncodeHandshake(q, r)
	h := NewHeader(NetworkTest, MsgNodeIDHandshake, 0).WithHandshakeFlags(true, true)
	gotQ, gotR, err := DecodeHandshake(h, body)
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if gotQ == nil || gotR == nil {
		t.Fatal("expected both halves present")
	}
	if gotQ.Cookie != q.Cookie || gotR.Account != r.Account {
		t.Fatalf("mismatch: %+v %+v", gotQ, gotR)
	}
}

func TestBlockWireSizeKnownAndUnknown(t *testing.T) {
	size, err := types.BlockWireSize(types.BlockState)
	if err != nil {
		t.Fatalf("BlockWireSize(state): %v", err)
	}
	want := types.AccountSize + types.HashSize + types.AccountSize + types.AmountSize + types.HashSize + types.SignatureSize + 8
	if size != want {
		t.Fatalf("size = %d, want %d", size, want)
	}
	if _, err := types.BlockWireSize(types.BlockInvalid); err == nil {
		t.Fatal("expected error for invalid block type")
	}
}

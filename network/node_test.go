package network

import (
	"net"
	"testing"
	"time"

	"github.com/tolelom/latticenode/bootstrap"
	"github.com/tolelom/latticenode/crypto"
	"github.com/tolelom/latticenode/internal/testutil"
	"github.com/tolelom/latticenode/types"
)

type recordingSink struct {
	blocks []*types.Block
}

func (s *recordingSink) Enqueue(b *types.Block) error {
	s.blocks = append(s.blocks, b)
	return nil
}

func pipeNodes(t *testing.T) (*Node, *Node, *Conn, *Conn) {
	t.Helper()
	dialerKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	responderKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()

	dialer := New(Config{Net: NetworkTest, NodeKey: dialerKey})
	responder := New(Config{Net: NetworkTest, NodeKey: responderKey})
	return dialer, responder, NewConn(a).WithTimeout(2 * time.Second), NewConn(b).WithTimeout(2 * time.Second)
}

func TestHandshakeOutboundInboundSucceed(t *testing.T) {
	dialer, responder, connA, connB := pipeNodes(t)

	errCh := make(chan error, 2)
	go func() { errCh <- dialer.handshakeOutbound(connA) }()
	go func() { errCh <- responder.handshakeInbound(connB) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake leg failed: %v", err)
		}
	}
}

func TestHandshakeInboundRejectsNonHandshakeFirst(t *testing.T) {
	_, responder, connA, connB := pipeNodes(t)

	go func() {
		connA.WriteMessage(NewHeader(NetworkTest, MsgKeepalive, 0), make([]byte, keepaliveBodySize))
	}()
	if err := responder.handshakeInbound(connB); err == nil {
		t.Fatal("expected an error when the first message is not a handshake query")
	}
}

func TestBulkPullRoundTripEmptyAccount(t *testing.T) {
	db := testutil.NewMemStore()
	sink := &recordingSink{}
	server := bootstrap.NewServer(db, sink)

	a, b := net.Pipe()
	serverConn := NewConn(a).WithTimeout(2 * time.Second)
	clientConn := NewConn(b).WithTimeout(2 * time.Second)

	serverKey, _, _ := crypto.GenerateKeyPair()
	n := New(Config{Net: NetworkTest, NodeKey: serverKey, Server: server, Sink: sink})

	req := BulkPullRequest{Start: types.Hash(types.Account{42}), End: types.Hash{}}
	go func() {
		clientConn.WriteMessage(NewHeader(NetworkTest, MsgBulkPull, 0), EncodeBulkPull(req, false))
	}()

	h, err := serverConn.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	// net.Pipe is unbuffered, so the handler's terminator write blocks until
	// the client reads it; the handler therefore runs on its own goroutine.
	errCh := make(chan error, 1)
	go func() { errCh <- n.handleBulkPull(h, serverConn) }()

	respHeader, err := clientConn.ReadHeader()
	if err != nil {
		t.Fatalf("client ReadHeader: %v", err)
	}
	if respHeader.BlockType() != NotABlock {
		t.Fatalf("expected a not_a_block terminator for an account with no blocks, got %v", respHeader.BlockType())
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handleBulkPull: %v", err)
	}
}

func TestConfirmReqSendsToFanout(t *testing.T) {
	n := New(Config{Net: NetworkTest, Fanout: 2})
	received := make(chan Header, 3)
	for i := 0; i < 3; i++ {
		addr := string(rune('a'+i)) + ".0.0.0:7075"
		client, server := net.Pipe()
		n.peers.Add(addr, NewConn(client))
		go func() {
			c := NewConn(server).WithTimeout(2 * time.Second)
			h, err := c.ReadHeader()
			if err != nil {
				return
			}
			c.ReadBody(h.HashCount() * 64)
			received <- h
		}()
	}

	if err := n.ConfirmReq([]types.QualifiedRoot{{Root: types.Hash{1}, Previous: types.Hash{2}}}, nil); err != nil {
		t.Fatalf("ConfirmReq: %v", err)
	}

	got := 0
	timeout := time.After(2 * time.Second)
	for got < n.fanout {
		select {
		case <-received:
			got++
		case <-timeout:
			t.Fatalf("only %d of %d fanout peers received a confirm_req", got, n.fanout)
		}
	}
}

package network

import (
	"context"
	crand "crypto/rand"
	"crypto/tls"
	"fmt"

	"github.com/tolelom/latticenode/bootstrap"
	"github.com/tolelom/latticenode/crypto"
	"github.com/tolelom/latticenode/types"
)

// Client is bootstrap's point-to-point half of the wire protocol: a
// dedicated connection used to issue frontier_req/bulk_pull/
// bulk_pull_account/bulk_push requests, distinct from Node's shared gossip
// peer table (spec §4.10's "pool of bootstrap_client connections").
// It satisfies bootstrap.Client.
type Client struct {
	net     Network
	nodeKey crypto.PrivateKey
	conn    *Conn
}

// DialClient opens a connection to addr, completes the node_id_handshake as
// the initiator, and returns a ready bootstrap.Client.
func DialClient(ctx context.Context, netw Network, nodeKey crypto.PrivateKey, addr string, tlsCfg *tls.Config) (*Client, error) {
	conn, err := Dial(addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	c := &Client{net: netw, nodeKey: nodeKey, conn: conn}
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake runs the same 2-message node_id_handshake a gossip Node performs
// when dialing out (see node.go's handshakeOutbound), duplicated here
// rather than shared because a bare *Conn has no PeerTable or CookieStore
// of its own to thread through.
func (c *Client) handshake(ctx context.Context) error {
	var cookie [32]byte
	if _, err := crand.Read(cookie[:]); err != nil {
		return err
	}
	query := HandshakeQuery{Cookie: cookie}
	h := NewHeader(c.net, MsgNodeIDHandshake, 0).WithHandshakeFlags(true, false)
	if err := c.conn.WriteMessage(h, EncodeHandshake(&query, nil)); err != nil {
		return err
	}

	respHeader, err := c.conn.ReadHeader()
	if err != nil {
		return err
	}
	theirQuery, resp, err := readHandshakeBody(respHeader, c.conn)
	if err != nil {
		return err
	}
	if resp == nil || !verifyCookieSignature(cookie, *resp) {
		return fmt.Errorf("network: bootstrap handshake signature invalid")
	}
	if theirQuery == nil {
		return fmt.Errorf("network: bootstrap peer sent no cookie challenge")
	}

	myResp := SignCookie(c.nodeKey, theirQuery.Cookie)
	out := NewHeader(c.net, MsgNodeIDHandshake, 0).WithHandshakeFlags(false, true)
	return c.conn.WriteMessage(out, EncodeHandshake(nil, &myResp))
}

// RequestFrontiers issues a frontier_req and streams the (account, head)
// pairs back to each, stopping at the all-zero terminator pair, an each
// returning false, or count pairs (spec §6.1 frontier_req).
func (c *Client) RequestFrontiers(ctx context.Context, start types.Account, count uint32, each func(account types.Account, head types.Hash) bool) error {
	req := FrontierReqRequest{Start: start, Age: 0xffffffff, Count: count}
	h := NewHeader(c.net, MsgFrontierReq, 0)
	if err := c.conn.WriteMessage(h, EncodeFrontierReq(req)); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.conn.ReadHeader(); err != nil {
			return err
		}
		body, err := c.conn.ReadBody(32 + 32)
		if err != nil {
			return err
		}
		pair, err := DecodeFrontierPair(body)
		if err != nil {
			return err
		}
		if pair.Account.IsZero() && pair.Head.IsZero() {
			return nil
		}
		if !each(pair.Account, pair.Head) {
			return nil
		}
	}
}

// PullAccount issues a bulk_pull for account's chain down to (but not
// including) startHash, streaming every block accept is given in
// oldest-first order until the peer sends the not_a_block terminator (spec
// §6.1 bulk_pull).
func (c *Client) PullAccount(ctx context.Context, account types.Account, startHash types.Hash, accept func(typ types.BlockType, raw []byte) error) (int, error) {
	req := BulkPullRequest{Start: types.Hash(account), End: startHash}
	h := NewHeader(c.net, MsgBulkPull, 0)
	if err := c.conn.WriteMessage(h, EncodeBulkPull(req, false)); err != nil {
		return 0, err
	}
	n := 0
	for {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		mh, err := c.conn.ReadHeader()
		if err != nil {
			return n, err
		}
		typ := mh.BlockType()
		if typ == NotABlock {
			return n, nil
		}
		size, err := types.BlockWireSize(typ)
		if err != nil {
			return n, err
		}
		raw, err := c.conn.ReadBody(size)
		if err != nil {
			return n, err
		}
		if err := accept(typ, raw); err != nil {
			return n, err
		}
		n++
	}
}

// PullByHash fetches exactly the block stored under hash, used by lazy
// bootstrap's predecessor walk (spec §4.10 "Lazy"). It reuses bulk_pull
// with the start-is-hash flag set rather than a dedicated message type.
func (c *Client) PullByHash(ctx context.Context, hash types.Hash) (types.BlockType, []byte, bool, error) {
	req := BulkPullRequest{Start: hash, End: types.Hash{}}
	h := NewHeader(c.net, MsgBulkPull, 0).WithBulkPullByHash(true)
	if err := c.conn.WriteMessage(h, EncodeBulkPull(req, false)); err != nil {
		return 0, nil, false, err
	}
	mh, err := c.conn.ReadHeader()
	if err != nil {
		return 0, nil, false, err
	}
	typ := mh.BlockType()
	if typ == NotABlock {
		return 0, nil, false, nil
	}
	size, err := types.BlockWireSize(typ)
	if err != nil {
		return 0, nil, false, err
	}
	raw, err := c.conn.ReadBody(size)
	if err != nil {
		return 0, nil, false, err
	}
	return typ, raw, true, nil
}

// PushBlocks uploads blocks via bulk_push: one header announcing the push,
// then a raw stream of {type byte, block body} pairs terminated by a
// not_a_block type byte (spec §6.1 bulk_push) — the stream itself carries
// no per-block headers, matching handleBulkPush's reader on the other end.
func (c *Client) PushBlocks(ctx context.Context, blocks []bootstrap.WireBlock) error {
	h := NewHeader(c.net, MsgBulkPush, 0)
	if err := c.conn.WriteMessage(h, nil); err != nil {
		return err
	}
	for _, b := range blocks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.conn.WriteByte(byte(b.Type)); err != nil {
			return err
		}
		if err := c.conn.WriteBody(b.Raw); err != nil {
			return err
		}
	}
	return c.conn.WriteByte(byte(NotABlock))
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var _ bootstrap.Client = (*Client)(nil)

package network

import (
	"context"
	crand "crypto/rand"
	"crypto/ed25519"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tolelom/latticenode/bootstrap"
	"github.com/tolelom/latticenode/crypto"
	"github.com/tolelom/latticenode/types"
	"github.com/tolelom/latticenode/work"
)

// DefaultFanout bounds how many peers a flooded publish/confirm_req
// reaches (spec §4.11: "random-fanout selection for floods").
const DefaultFanout = 8

// DefaultCleanupInterval is how often the peer table is swept for idle
// connections (spec §4.11).
const DefaultCleanupInterval = 30 * time.Second

// VoteSink is the destination for a decoded confirm_ack (votes.Processor
// satisfies this).
type VoteSink interface {
	Enqueue(v *types.Vote) error
}

// Config wires a Node's collaborators and identity.
type Config struct {
	Net        Network
	ListenAddr string
	NodeKey    crypto.PrivateKey // signs node_id_handshake cookie responses
	Sink       bootstrap.BlockSink
	Votes      VoteSink
	Server     *bootstrap.Server // answers frontier_req/bulk_pull/bulk_pull_account/bulk_push
	Thresholds work.Thresholds
	Fanout     int
	Logger     *log.Logger
}

// Node is the gossip/flood half of the peer-to-peer layer (spec §4.11): it
// accepts and dials connections, authenticates them via node_id_handshake,
// and dispatches inbound messages to the node's collaborators. Bootstrap's
// point-to-point pulls go through client.go's dedicated Client connections
// instead of this Node's shared peer table.
type Node struct {
	net        Network
	listenAddr string
	nodeKey    crypto.PrivateKey
	sink       bootstrap.BlockSink
	votes      VoteSink
	server     *bootstrap.Server
	thresholds work.Thresholds
	fanout     int
	logger     *log.Logger

	cookies *CookieStore
	peers   *PeerTable

	reachOutLimiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	stopped  bool
}

// New constructs a Node, filling in defaults for zero-valued Config fields.
func New(cfg Config) *Node {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = work.DefaultThresholds()
	}
	return &Node{
		net:             cfg.Net,
		listenAddr:      cfg.ListenAddr,
		nodeKey:         cfg.NodeKey,
		sink:            cfg.Sink,
		votes:           cfg.Votes,
		server:          cfg.Server,
		thresholds:      cfg.Thresholds,
		fanout:          cfg.Fanout,
		logger:          cfg.Logger,
		cookies:         NewCookieStore(),
		peers:           NewPeerTable(),
		reachOutLimiter: rate.NewLimiter(rate.Every(time.Second), 4),
		stopCh:          make(chan struct{}),
	}
}

// Start begins accepting inbound connections and the background cleanup
// loop.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", n.listenAddr, err)
	}
	n.mu.Lock()
	n.listener = ln
	n.mu.Unlock()
	go n.acceptLoop()
	go n.cleanupLoop()
	return nil
}

// Stop closes the listener and every live connection (spec §5 top-level
// stop sequence: "network accept" is the first thing to go).
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Unlock()
	n.peers.closeAll()
}

// PeerCount reports the number of live connections.
func (n *Node) PeerCount() int { return n.peers.Len() }

// RandomPeerAddr returns the address of one arbitrarily-chosen connected
// peer, for callers that need any endpoint to bootstrap from rather than a
// specific one (e.g. a gap cache threshold crossing).
func (n *Node) RandomPeerAddr() (string, bool) { return n.peers.RandomAddr() }

// ConnectSeeds dials every address in a comma-separated seed list,
// logging (not failing) on any that cannot be reached.
func (n *Node) ConnectSeeds(seeds string) {
	for _, addr := range splitAddrList(seeds) {
		if err := n.Dial(addr); err != nil {
			n.logger.Printf("[network] seed dial %s: %v", addr, err)
		}
	}
}

// Dial opens a connection to addr, performs the node_id_handshake, and
// registers the peer on success.
func (n *Node) Dial(addr string) error {
	conn, err := Dial(addr, nil)
	if err != nil {
		return err
	}
	if err := n.handshakeOutbound(conn); err != nil {
		conn.Close()
		return err
	}
	e, ok := n.peers.Add(addr, conn)
	if !ok {
		conn.Close()
		return fmt.Errorf("network: peer table rejected %s", addr)
	}
	_ = e
	go n.readLoop(addr, conn)
	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.logger.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		addr := conn.RemoteAddr().String()
		c := NewConn(conn)
		if err := n.handshakeInbound(c); err != nil {
			n.logger.Printf("[network] handshake from %s: %v", addr, err)
			c.Close()
			continue
		}
		if _, ok := n.peers.Add(addr, c); !ok {
			c.Close()
			continue
		}
		go n.readLoop(addr, c)
	}
}

func (n *Node) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if evicted := n.peers.Cleanup(DefaultIdleTimeout); len(evicted) > 0 {
				n.logger.Printf("[network] cleaned up %d idle peer(s)", len(evicted))
			}
		}
	}
}

func (n *Node) readLoop(addr string, conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Printf("[network] readLoop panic from %s: %v", addr, r)
		}
		conn.Close()
		n.peers.Remove(addr)
	}()
	for {
		h, err := conn.ReadHeader()
		if err != nil {
			return
		}
		n.peers.Touch(addr)
		if err := n.dispatch(addr, conn, h); err != nil {
			n.logger.Printf("[network] %s from %s: %v", h.Type, addr, err)
			return
		}
	}
}

func (n *Node) dispatch(addr string, conn *Conn, h Header) error {
	switch h.Type {
	case MsgKeepalive:
		body, err := conn.ReadBody(keepaliveBodySize)
		if err != nil {
			return err
		}
		_, err = DecodeKeepalive(body)
		return err

	case MsgPublish:
		return n.handlePublish(h, conn)

	case MsgConfirmReq:
		return n.handleConfirmReq(h, conn)

	case MsgConfirmAck:
		return n.handleConfirmAck(h, conn)

	case MsgFrontierReq:
		return n.handleFrontierReq(h, conn)

	case MsgBulkPull:
		return n.handleBulkPull(h, conn)

	case MsgBulkPullAccount:
		return n.handleBulkPullAccount(h, conn)

	case MsgBulkPush:
		return n.handleBulkPush(conn)

	case MsgNodeIDHandshake:
		// A second handshake on an already-authenticated connection is
		// used by the peer to refresh its asserted node ID; just decode
		// and record it, the connection itself stays open.
		query, resp, err := readHandshakeBody(h, conn)
		if err != nil {
			return err
		}
		if resp != nil {
			n.peers.SetAccount(addr, resp.Account)
		}
		_ = query
		return nil

	default:
		return fmt.Errorf("unhandled message type %d", h.Type)
	}
}

func (n *Node) handlePublish(h Header, conn *Conn) error {
	typ := h.BlockType()
	size, err := types.BlockWireSize(typ)
	if err != nil {
		return err
	}
	raw, err := conn.ReadBody(size)
	if err != nil {
		return err
	}
	block, err := types.UnmarshalBlock(typ, raw)
	if err != nil {
		return err
	}
	// Cheap edge filter against Epoch0's floor, the minimum any account
	// could legitimately present: a block this far under water is spam
	// regardless of the account's real epoch, so it is dropped before
	// ever reaching the processor queue. This is the only work check a
	// published block meets: neither the block processor nor the ledger
	// applies the account's epoch-specific threshold afterwards.
	if ok, _ := n.thresholds.Validate(block, types.Epoch0); !ok {
		return fmt.Errorf("publish from %s: work below minimum threshold", block.Hash())
	}
	if n.sink == nil {
		return nil
	}
	return n.sink.Enqueue(block)
}

func (n *Node) handleConfirmReq(h Header, conn *Conn) error {
	if h.BlockType() != types.BlockInvalid {
		size, err := types.BlockWireSize(h.BlockType())
		if err != nil {
			return err
		}
		raw, err := conn.ReadBody(size)
		if err != nil {
			return err
		}
		_, err = types.UnmarshalBlock(h.BlockType(), raw)
		// A full reply (an echoing confirm_ack) is the caller's job once
		// active transactions expose a "do I have a vote for this root"
		// query; left for node/'s wiring.
		return err
	}
	count := h.HashCount()
	body, err := conn.ReadBody(count * 64)
	if err != nil {
		return err
	}
	_, err = DecodeHashRoots(body, count)
	return err
}

func (n *Node) handleConfirmAck(h Header, conn *Conn) error {
	prefix, err := conn.ReadBody(confirmAckHeaderSize)
	if err != nil {
		return err
	}
	ackHeader, _, err := DecodeConfirmAckHeader(prefix)
	if err != nil {
		return err
	}

	var vote *types.Vote
	if h.BlockType() != types.BlockInvalid {
		size, err := types.BlockWireSize(h.BlockType())
		if err != nil {
			return err
		}
		raw, err := conn.ReadBody(size)
		if err != nil {
			return err
		}
		block, err := types.UnmarshalBlock(h.BlockType(), raw)
		if err != nil {
			return err
		}
		vote = types.NewBlockVote(ackHeader.Account, ackHeader.Sequence, block)
	} else {
		count := h.HashCount()
		body, err := conn.ReadBody(count * types.HashSize)
		if err != nil {
			return err
		}
		hashes, err := DecodeHashList(body, count)
		if err != nil {
			return err
		}
		vote, err = types.NewHashListVote(ackHeader.Account, ackHeader.Sequence, hashes)
		if err != nil {
			return err
		}
	}
	vote.Signature = ackHeader.Sig
	if n.votes == nil {
		return nil
	}
	return n.votes.Enqueue(vote)
}

func (n *Node) handleFrontierReq(h Header, conn *Conn) error {
	body, err := conn.ReadBody(frontierReqBodySize)
	if err != nil {
		return err
	}
	req, err := DecodeFrontierReq(body)
	if err != nil {
		return err
	}
	if n.server == nil {
		return nil
	}
	sent := uint32(0)
	err = n.server.FrontierReq(req.Start, req.Count, func(account types.Account, head types.Hash) bool {
		pair := EncodeFrontierPair(FrontierPair{Account: account, Head: head})
		if werr := conn.WriteMessage(NewHeader(n.net, MsgFrontierReq, 0), pair); werr != nil {
			return false
		}
		sent++
		return true
	})
	if err != nil {
		return err
	}
	// Terminate with the all-zero pair.
	return conn.WriteMessage(NewHeader(n.net, MsgFrontierReq, 0), EncodeFrontierPair(FrontierPair{}))
}

func (n *Node) handleBulkPull(h Header, conn *Conn) error {
	countPresent := h.BulkPullCountPresent()
	want := 64
	if countPresent {
		want = 72
	}
	body, err := conn.ReadBody(want)
	if err != nil {
		return err
	}
	req, err := DecodeBulkPull(body, countPresent)
	if err != nil {
		return err
	}
	if n.server == nil {
		return nil
	}
	if h.BulkPullByHash() {
		found, err := n.server.PullByHash(req.Start, func(typ types.BlockType, raw []byte) error {
			return conn.WriteMessage(NewHeader(n.net, MsgPublish, 0).WithBlockType(typ), raw)
		})
		if err != nil {
			return err
		}
		if !found {
			// Tell the caller there is nothing to send rather than leaving
			// it blocked on a header that never arrives.
			return conn.WriteMessage(NewHeader(n.net, MsgPublish, 0).WithBlockType(NotABlock), nil)
		}
		return nil
	}
	// bulk_pull's start field carries the requesting account (spec §6.1);
	// end, when non-zero, is the last hash the peer already holds, so the
	// stream covers the account's whole chain head-down to (but not
	// including) it.
	err = n.server.BulkPull(types.Account(req.Start), req.End, types.Hash{}, func(typ types.BlockType, raw []byte) error {
		return conn.WriteMessage(NewHeader(n.net, MsgPublish, 0).WithBlockType(typ), raw)
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(NewHeader(n.net, MsgPublish, 0).WithBlockType(NotABlock), nil)
}

func (n *Node) handleBulkPullAccount(h Header, conn *Conn) error {
	body, err := conn.ReadBody(bulkPullAccountBodySize)
	if err != nil {
		return err
	}
	req, err := DecodeBulkPullAccount(body)
	if err != nil {
		return err
	}
	if n.server == nil {
		return nil
	}
	return n.server.BulkPullAccount(req.Account, req.MinAmount, func(entry bootstrap.PendingEntry) bool {
		body := make([]byte, 0, 32+32+16)
		body = append(body, entry.Send[:]...)
		body = append(body, entry.Source[:]...)
		body = append(body, entry.Amount[:]...)
		return conn.WriteMessage(NewHeader(n.net, MsgBulkPullAccount, 0), body) == nil
	})
}

func (n *Node) handleBulkPush(conn *Conn) error {
	for {
		typ, err := conn.ReadByte()
		if err != nil {
			return err
		}
		if types.BlockType(typ) == NotABlock {
			return nil
		}
		size, err := types.BlockWireSize(types.BlockType(typ))
		if err != nil {
			return err
		}
		raw, err := conn.ReadBody(size)
		if err != nil {
			return err
		}
		if n.server == nil {
			continue
		}
		block, err := types.UnmarshalBlock(types.BlockType(typ), raw)
		if err != nil {
			return err
		}
		// Same universal-floor rejection as handlePublish: an uploaded
		// block this far under water is dropped before it ever reaches
		// the unverified queue.
		if ok, _ := n.thresholds.Validate(block, types.Epoch0); !ok {
			return fmt.Errorf("bulk_push %s: work below minimum threshold", block.Hash())
		}
		if err := n.server.BulkPush(types.BlockType(typ), raw); err != nil {
			return err
		}
	}
}

func readHandshakeBody(h Header, conn *Conn) (*HandshakeQuery, *HandshakeResponse, error) {
	size := 0
	if h.IsHandshakeQuery() {
		size += 32
	}
	if h.IsHandshakeResponse() {
		size += 32 + 64
	}
	body, err := conn.ReadBody(size)
	if err != nil {
		return nil, nil, err
	}
	return DecodeHandshake(h, body)
}

// handshakeOutbound dials addr's handshake as the initiator: issue a
// cookie, sign its response, and validate the peer's response to our own
// challenge (spec §4.11, §6.1).
func (n *Node) handshakeOutbound(conn *Conn) error {
	var cookie [32]byte
	if _, err := crand.Read(cookie[:]); err != nil {
		return err
	}
	query := HandshakeQuery{Cookie: cookie}
	h := NewHeader(n.net, MsgNodeIDHandshake, 0).WithHandshakeFlags(true, false)
	if err := conn.WriteMessage(h, EncodeHandshake(&query, nil)); err != nil {
		return err
	}

	respHeader, err := conn.ReadHeader()
	if err != nil {
		return err
	}
	// The responder combines its own cookie challenge and its signed
	// answer to ours into one message (handshakeInbound below), so a
	// single decode call yields both halves.
	theirQuery, resp, err := readHandshakeBody(respHeader, conn)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("network: peer sent no handshake response")
	}
	if !verifyCookieSignature(cookie, *resp) {
		return fmt.Errorf("network: handshake signature invalid")
	}
	if theirQuery == nil {
		return fmt.Errorf("network: peer sent no handshake cookie challenge")
	}

	myResp := SignCookie(n.nodeKey, theirQuery.Cookie)
	out := NewHeader(n.net, MsgNodeIDHandshake, 0).WithHandshakeFlags(false, true)
	return conn.WriteMessage(out, EncodeHandshake(nil, &myResp))
}

// handshakeInbound answers an incoming node_id_handshake as the responder:
// sign the dialer's cookie and issue our own challenge back.
func (n *Node) handshakeInbound(conn *Conn) error {
	h, err := conn.ReadHeader()
	if err != nil {
		return err
	}
	if h.Type != MsgNodeIDHandshake || !h.IsHandshakeQuery() {
		return fmt.Errorf("network: expected node_id_handshake query, got %s", h.Type)
	}
	query, _, err := readHandshakeBody(h, conn)
	if err != nil {
		return err
	}
	resp := SignCookie(n.nodeKey, query.Cookie)

	ip := hostOf(conn.RemoteAddr().String())
	myCookie, err := n.cookies.Issue(ip)
	if err != nil {
		return err
	}
	out := NewHeader(n.net, MsgNodeIDHandshake, 0).WithHandshakeFlags(true, true)
	if err := conn.WriteMessage(out, EncodeHandshake(&HandshakeQuery{Cookie: myCookie}, &resp)); err != nil {
		return err
	}

	// The dialer now answers our cookie with its own response message.
	replyHeader, err := conn.ReadHeader()
	if err != nil {
		return err
	}
	_, theirResp, err := readHandshakeBody(replyHeader, conn)
	if err != nil {
		return err
	}
	if theirResp == nil || !n.cookies.Verify(ip, *theirResp) {
		return fmt.Errorf("network: peer's handshake reply invalid")
	}
	return nil
}

func verifyCookieSignature(cookie [32]byte, resp HandshakeResponse) bool {
	return ed25519.Verify(ed25519.PublicKey(resp.Account[:]), cookie[:], resp.Signature[:])
}

// --- active.Requester / votes.Prober implementations ---

// ConfirmReq sends a hash-list confirm_req for roots to a random fanout of
// connected peers, satisfying active.Requester (spec §4.7 step 1). targets
// names the representative accounts worth reaching, used to size the
// fanout; address-level routing to specific representatives is left to a
// peer/account directory this layer does not yet maintain.
func (n *Node) ConfirmReq(roots []types.QualifiedRoot, targets []types.Account) error {
	if len(roots) == 0 {
		return nil
	}
	pairs := make([]HashRoot, 0, len(roots))
	for _, r := range roots {
		pairs = append(pairs, HashRoot{Hash: r.Previous, Root: r.Root})
	}
	body := EncodeHashRoots(pairs)
	h := NewHeader(n.net, MsgConfirmReq, 0).WithHashCount(len(pairs))

	fanout := n.fanout
	if len(targets) > 0 && len(targets) < fanout {
		fanout = len(targets)
	}
	for _, conn := range n.peers.RandomFanout(fanout) {
		if err := conn.WriteMessage(h, body); err != nil {
			n.logger.Printf("[network] confirm_req send: %v", err)
		}
	}
	return nil
}

// ProbeRandom sends a single-hash confirm_req to count randomly chosen
// peers, satisfying votes.Prober (spec §4.8 rep crawler).
func (n *Node) ProbeRandom(hash types.Hash, count int) error {
	pairs := []HashRoot{{Hash: hash, Root: hash}}
	body := EncodeHashRoots(pairs)
	h := NewHeader(n.net, MsgConfirmReq, 0).WithHashCount(1)
	for _, conn := range n.peers.RandomFanout(count) {
		if err := conn.WriteMessage(h, body); err != nil {
			n.logger.Printf("[network] probe send: %v", err)
		}
	}
	return nil
}

// BroadcastBlock floods block to a random fanout of peers (spec §4.7
// "Start"/"Publish" propagation).
func (n *Node) BroadcastBlock(block *types.Block) {
	raw, err := block.MarshalBinary()
	if err != nil {
		n.logger.Printf("[network] marshal block for broadcast: %v", err)
		return
	}
	h := NewHeader(n.net, MsgPublish, 0).WithBlockType(block.Type)
	for _, conn := range n.peers.RandomFanout(n.fanout) {
		if err := conn.WriteMessage(h, raw); err != nil {
			n.logger.Printf("[network] publish send: %v", err)
		}
	}
}

// KeepaliveLoop periodically reaches out to candidate endpoints by dialing
// them (connection plus node_id_handshake; no keepalive message is sent),
// throttled to one attempt per endpoint per ReachOutWindow and node-wide by
// reachOutLimiter (spec §4.11).
func (n *Node) KeepaliveLoop(ctx context.Context, candidates func() []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range candidates() {
				if !n.peers.ShouldReachOut(addr) {
					continue
				}
				if !n.reachOutLimiter.Allow() {
					break
				}
				if err := n.Dial(addr); err != nil {
					n.logger.Printf("[network] reach out %s: %v", addr, err)
				}
			}
		}
	}
}

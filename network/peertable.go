package network

import (
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// MaxPeersPerIP bounds how many simultaneous connections one remote IP may
// hold (spec §4.11: "per-IP cap (10)").
const MaxPeersPerIP = 10

// DefaultIdleTimeout evicts a peer that has sent nothing in this long
// (spec §4.11: "cleanup based on last-packet-received").
const DefaultIdleTimeout = 3 * time.Minute

// ReachOutWindow bounds how often an unknown endpoint is reached out to
// with a keepalive (spec §4.11: "one keepalive per unknown endpoint per
// cleanup window").
const ReachOutWindow = 1 * time.Minute

// peerEntry is one live connection tracked by the peer table.
type peerEntry struct {
	addr       string
	ip         string
	conn       *Conn
	account    [32]byte // node ID established by handshake, zero until known
	lastPacket time.Time
}

// PeerTable holds the node's live connections, enforcing the per-IP cap
// and evicting idle peers (spec §4.11).
type PeerTable struct {
	mu         sync.Mutex
	peers      map[string]*peerEntry // keyed by remote addr
	perIP      map[string]int
	reachedOut map[string]time.Time
}

// NewPeerTable constructs an empty PeerTable.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:      make(map[string]*peerEntry),
		perIP:      make(map[string]int),
		reachedOut: make(map[string]time.Time),
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Add registers a new connection at addr, rejecting it if ip is already at
// MaxPeersPerIP.
func (t *PeerTable) Add(addr string, conn *Conn) (*peerEntry, bool) {
	ip := hostOf(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[addr]; exists {
		return nil, false
	}
	if t.perIP[ip] >= MaxPeersPerIP {
		return nil, false
	}
	e := &peerEntry{addr: addr, ip: ip, conn: conn, lastPacket: time.Now()}
	t.peers[addr] = e
	t.perIP[ip]++
	return e, true
}

// Remove drops addr from the table.
func (t *PeerTable) Remove(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[addr]
	if !ok {
		return
	}
	delete(t.peers, addr)
	t.perIP[e.ip]--
	if t.perIP[e.ip] <= 0 {
		delete(t.perIP, e.ip)
	}
}

// Touch records that a packet was just received from addr.
func (t *PeerTable) Touch(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.peers[addr]; ok {
		e.lastPacket = time.Now()
	}
}

// SetAccount records the node ID a handshake established for addr.
func (t *PeerTable) SetAccount(addr string, account [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.peers[addr]; ok {
		e.account = account
	}
}

// RandomAddr returns the address of one arbitrarily-chosen live peer, for
// callers (bootstrap gap handling) that need any connected endpoint rather
// than a specific one.
func (t *PeerTable) RandomAddr() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.peers) == 0 {
		return "", false
	}
	n := rand.Intn(len(t.peers))
	i := 0
	for addr := range t.peers {
		if i == n {
			return addr, true
		}
		i++
	}
	return "", false // unreachable
}

// Cleanup evicts and returns every peer whose last packet predates
// idleTimeout, closing their connections.
func (t *PeerTable) Cleanup(idleTimeout time.Duration) []string {
	now := time.Now()
	t.mu.Lock()
	var stale []*peerEntry
	for addr, e := range t.peers {
		if now.Sub(e.lastPacket) > idleTimeout {
			stale = append(stale, e)
			delete(t.peers, addr)
			t.perIP[e.ip]--
			if t.perIP[e.ip] <= 0 {
				delete(t.perIP, e.ip)
			}
		}
	}
	t.mu.Unlock()

	addrs := make([]string, 0, len(stale))
	for _, e := range stale {
		e.conn.Close()
		addrs = append(addrs, e.addr)
	}
	return addrs
}

// ShouldReachOut reports whether endpoint has not been reached out to
// within ReachOutWindow, recording the attempt if so.
func (t *PeerTable) ShouldReachOut(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.reachedOut[endpoint]
	if ok && time.Since(last) < ReachOutWindow {
		return false
	}
	t.reachedOut[endpoint] = time.Now()
	return true
}

// Get returns the live connection for addr, if any.
func (t *PeerTable) Get(addr string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[addr]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Len reports the number of live connections.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Addrs returns every currently connected peer's address.
func (t *PeerTable) Addrs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		out = append(out, addr)
	}
	return out
}

// RandomFanout picks up to n distinct peer connections at random, used to
// bound flood fan-out for publish/confirm_req broadcasts (spec §4.11:
// "random-fanout selection for floods").
func (t *PeerTable) RandomFanout(n int) []*Conn {
	t.mu.Lock()
	all := make([]*Conn, 0, len(t.peers))
	for _, e := range t.peers {
		all = append(all, e.conn)
	}
	t.mu.Unlock()

	if n >= len(all) {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:n]
}

// closeAll closes every live connection, used on shutdown.
func (t *PeerTable) closeAll() {
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]*peerEntry)
	t.perIP = make(map[string]int)
	t.mu.Unlock()
	for _, e := range peers {
		e.conn.Close()
	}
}

// splitAddrList is a small helper for config-supplied seed peer lists of
// the form "host:port,host:port".
func splitAddrList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tolelom/latticenode/crypto"
)

// CookieTTL bounds how long an issued handshake cookie remains valid
// (spec §4.11: "cookies expire in 5 s").
const CookieTTL = 5 * time.Second

// CookieRate is the per-IP rate at which new cookies may be issued (spec
// §4.11: "rate-limited per IP").
const CookieRate = 1 // per second, burst 2

type issuedCookie struct {
	cookie  [32]byte
	expires time.Time
}

// CookieStore issues and validates node_id_handshake cookie challenges,
// rate-limited per remote IP (spec §4.11).
type CookieStore struct {
	mu      sync.Mutex
	byIP    map[string]issuedCookie
	limiter map[string]*rate.Limiter
}

// NewCookieStore constructs an empty CookieStore.
func NewCookieStore() *CookieStore {
	return &CookieStore{
		byIP:    make(map[string]issuedCookie),
		limiter: make(map[string]*rate.Limiter),
	}
}

func (s *CookieStore) limiterFor(ip string) *rate.Limiter {
	l, ok := s.limiter[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(CookieRate), 2)
		s.limiter[ip] = l
	}
	return l
}

// Issue produces a fresh cookie for ip, or an error if ip is issuing
// cookies faster than CookieRate allows.
func (s *CookieStore) Issue(ip string) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.limiterFor(ip).Allow() {
		return [32]byte{}, fmt.Errorf("network: cookie rate limit exceeded for %s", ip)
	}
	var cookie [32]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return [32]byte{}, err
	}
	s.byIP[ip] = issuedCookie{cookie: cookie, expires: time.Now().Add(CookieTTL)}
	return cookie, nil
}

// Verify checks that resp is a valid signature over the cookie most
// recently issued to ip, consuming it (a cookie is single-use).
func (s *CookieStore) Verify(ip string, resp HandshakeResponse) bool {
	s.mu.Lock()
	issued, ok := s.byIP[ip]
	if ok {
		delete(s.byIP, ip)
	}
	s.mu.Unlock()
	if !ok || time.Now().After(issued.expires) {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(resp.Account[:]), issued.cookie[:], resp.Signature[:])
}

// SignCookie signs cookie with this node's node key, producing the
// response half of a node_id_handshake (spec §4.11: "the responder signs
// the cookie with its node key").
func SignCookie(priv crypto.PrivateKey, cookie [32]byte) HandshakeResponse {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), cookie[:])
	var out HandshakeResponse
	copy(out.Account[:], priv.Public())
	copy(out.Signature[:], sig)
	return out
}

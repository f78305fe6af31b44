// Package token implements the DHT's write-token issuance/verification and
// the capacity- and age-bounded value cache used by the BEP-44 storage
// extension.
package token

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/dhtnode/dht/krpc"
)

// rotationInterval is how often the signing secret rotates; acceptance of a
// token issued under the immediately preceding secret gives a 10-minute
// acceptance window end-to-end without timestamping the token itself.
const rotationInterval = 10 * time.Minute

const secretLen = 10

// Store issues and verifies per-(target, requester-IP) write tokens, and
// holds the bounded value cache BEP-44 get/put read and write through.
type Store struct {
	mu        sync.Mutex
	secret    [secretLen]byte
	prevSecret [secretLen]byte
	rotatedAt time.Time

	values *Values
}

// NewStore constructs a Store with a freshly randomized secret and a value
// cache of the given capacity and per-entry TTL.
func NewStore(capacity int, ttl time.Duration) *Store {
	s := &Store{
		rotatedAt: time.Now(),
		values:    NewValues(capacity, ttl),
	}
	if _, err := rand.Read(s.secret[:]); err != nil {
		panic(err)
	}
	return s
}

// Values exposes the store's bounded value cache.
func (s *Store) Values() *Values {
	return s.values
}

func (s *Store) maybeRotate() {
	if time.Since(s.rotatedAt) < rotationInterval {
		return
	}
	s.prevSecret = s.secret
	if _, err := rand.Read(s.secret[:]); err != nil {
		panic(err)
	}
	s.rotatedAt = time.Now()
}

func tokenFor(target krpc.ID, ip net.IP, secret [secretLen]byte) string {
	h := sha1.New()
	h.Write(target[:])
	if ip4 := ip.To4(); ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip)
	}
	h.Write(secret[:])
	return string(h.Sum(nil))
}

// Issue returns a fresh write token binding target to requester's IP under
// the store's current secret.
func (s *Store) Issue(target krpc.ID, requester net.IP) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate()
	return tokenFor(target, requester, s.secret)
}

// Verify reports whether tok was issued for (target, requester) under the
// current or immediately previous secret.
func (s *Store) Verify(tok string, target krpc.ID, requester net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate()
	if tok == tokenFor(target, requester, s.secret) {
		return true
	}
	return tok == tokenFor(target, requester, s.prevSecret)
}

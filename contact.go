package dht

import (
	"net"
	"time"

	"github.com/dhtnode/dht/krpc"
)

// staleAfter is how long a contact can go without responding to us or
// sending us a query before it stops counting as good.
const staleAfter = 15 * time.Minute

// maxFailures is the number of consecutive failed queries after which a
// contact is bad and evictable.
const maxFailures = 3

// Contact is a single routing-table entry: a node's ID and address plus the
// liveness bookkeeping the table's eviction policy reads.
type Contact struct {
	ID   krpc.ID
	Addr krpc.NodeAddr

	// Token is the write token this node most recently handed us for use in
	// a future announce_peer/put. Empty if none is held.
	Token string

	LastResponse time.Time
	LastQuery    time.Time
	Failed       int
}

// NewContact constructs a fresh, never-yet-contacted Contact.
func NewContact(id krpc.ID, addr *net.UDPAddr) *Contact {
	return &Contact{ID: id, Addr: krpc.NodeAddrFromUDP(addr)}
}

// responded is true once the contact has ever answered a query of ours.
func (c *Contact) responded() bool {
	return !c.LastResponse.IsZero()
}

// Good reports whether c is good: it has ever responded, hasn't accumulated
// maxFailures consecutive failures, and has either responded or sent us a
// query within the last staleAfter window.
func (c *Contact) Good() bool {
	if !c.responded() || c.Failed >= maxFailures {
		return false
	}
	now := time.Now()
	if now.Sub(c.LastResponse) < staleAfter {
		return true
	}
	return now.Sub(c.LastQuery) < staleAfter
}

// Bad reports whether c has failed maxFailures consecutive queries, the
// table's signal to evict it outright.
func (c *Contact) Bad() bool {
	return c.Failed >= maxFailures
}

// Questionable reports whether c is neither good nor bad: it hasn't failed
// enough to evict, but has gone quiet long enough to warrant a liveness
// ping before being displaced by a new contact.
func (c *Contact) Questionable() bool {
	return !c.Good() && !c.Bad()
}

// RecordResponse marks a successful reply from c, clearing any failure
// streak.
func (c *Contact) RecordResponse() {
	c.LastResponse = time.Now()
	c.Failed = 0
}

// RecordQuery marks an incoming query from c, which keeps a contact that has
// responded before good without our querying it again.
func (c *Contact) RecordQuery() {
	c.LastQuery = time.Now()
}

// RecordTimeout marks a failed query to c.
func (c *Contact) RecordTimeout() {
	c.Failed++
}

// Package dht implements a Kademlia-style mainline BitTorrent DHT node: its
// routing table, KRPC transport, iterative lookup engine and BEP-44 storage
// extension.
package dht

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dhtnode/dht/krpc"
)

// DefaultK is the routing table's default bucket capacity.
const DefaultK = 8

// refreshInterval is how often the table walks its leaves looking for stale
// buckets to refresh.
const refreshInterval = 15 * time.Minute

// pingDeadline is the internal deadline the table imposes on every eviction
// ping, regardless of how the injected PingProber behaves.
const pingDeadline = 5 * time.Second

// PingProber is the dependency the routing table uses to liveness-check a
// questionable contact before evicting it in favor of a new one. Lifting
// this out as an interface (rather than an emitted "ping" event the host
// must answer) breaks the circular reference between table and node that
// the event-style design implied.
type PingProber interface {
	// Probe reports whether addr answered before ctx is done. Implementations
	// should race the DHT's own ping query; the table applies its own
	// pingDeadline on top of whatever ctx carries.
	Probe(ctx context.Context, addr krpc.NodeAddr) bool
}

// Table is the routing table: a trie of K-buckets with liveness-based
// eviction and periodic refresh. It is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	local  krpc.ID
	k      int
	root   *bucket
	pinger PingProber
	logger log.Logger

	refreshC chan krpc.ID

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTable constructs a routing table for the given local ID. k<=0 uses
// DefaultK. pinger may be nil, in which case questionable contacts are never
// evicted via liveness ping (they're only ever displaced by a bad contact or
// kept indefinitely) — intended for tests exercising only pure trie logic.
func NewTable(local krpc.ID, k int, pinger PingProber, logger log.Logger) *Table {
	if k <= 0 {
		k = DefaultK
	}
	return &Table{
		local:    local,
		k:        k,
		root:     newRootBucket(),
		pinger:   pinger,
		logger:   logger,
		refreshC: make(chan krpc.ID, 64),
		closed:   make(chan struct{}),
	}
}

// Refresh returns the channel on which stale-bucket refresh targets are
// delivered; the host is expected to issue find_node(id) for each.
func (t *Table) Refresh() <-chan krpc.ID {
	return t.refreshC
}

// RecordResponse marks id/addr as having just answered a query, creating the
// contact if this is the first time it's been seen.
func (t *Table) RecordResponse(id krpc.ID, addr krpc.NodeAddr) {
	t.mu.Lock()
	_, c := t.root.find(id)
	if c != nil {
		c.Addr = addr
		c.RecordResponse()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	nc := &Contact{ID: id, Addr: addr}
	nc.RecordResponse()
	t.insert(nc)
}

// RecordQuery marks id/addr as having just sent us a query, creating the
// contact if this is the first time it's been seen.
func (t *Table) RecordQuery(id krpc.ID, addr krpc.NodeAddr) {
	t.mu.Lock()
	_, c := t.root.find(id)
	if c != nil {
		c.Addr = addr
		c.RecordQuery()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	nc := &Contact{ID: id, Addr: addr}
	nc.RecordQuery()
	t.insert(nc)
}

// RecordNoResponse increments the failure counter of an existing contact;
// it never creates one.
func (t *Table) RecordNoResponse(id krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, c := t.root.find(id)
	if c != nil {
		c.RecordTimeout()
	}
}

// SetToken records the write token a contact most recently handed us.
func (t *Table) SetToken(id krpc.ID, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, c := t.root.find(id)
	if c != nil {
		c.Token = token
	}
}

// insert runs the walk-split-evict path for a brand new contact,
// re-checking for a concurrently-inserted duplicate under its own lock.
func (t *Table) insert(c *Contact) {
	t.mu.Lock()
	if _, existing := t.root.find(c.ID); existing != nil {
		existing.Addr = c.Addr
		if !c.LastResponse.IsZero() {
			existing.LastResponse = c.LastResponse
			existing.Failed = 0
		}
		if !c.LastQuery.IsZero() {
			existing.LastQuery = c.LastQuery
		}
		t.mu.Unlock()
		return
	}
	b := t.root.leafFor(c.ID)
	for {
		if len(b.contacts) < t.k {
			b.contacts = append(b.contacts, c)
			b.lastChanged = time.Now()
			t.mu.Unlock()
			return
		}
		if b.inRange(t.local) {
			if b.split() {
				b = b.leafFor(c.ID)
				continue
			}
		}
		break
	}
	full := b
	t.mu.Unlock()
	t.evict(full, c)
}

// evict applies the eviction policy to a full leaf that cannot (or must not)
// split: a bad contact is replaced outright; absent one, questionable
// contacts are pinged stalest-first and the first to fail is replaced;
// otherwise c is discarded.
func (t *Table) evict(full *bucket, c *Contact) {
	t.mu.Lock()
	if !full.inRange(c.ID) {
		// The trie shape may have changed (another split) since full was
		// selected; re-resolve and retry the whole insert path once.
		t.mu.Unlock()
		t.insert(c)
		return
	}
	for _, existing := range full.contacts {
		if existing.Bad() {
			t.replace(full, existing, c)
			t.mu.Unlock()
			return
		}
	}
	var questionable []*Contact
	for _, existing := range full.contacts {
		if existing.Questionable() {
			questionable = append(questionable, existing)
		}
	}
	if len(questionable) == 0 {
		t.mu.Unlock()
		return
	}
	sortByStaleness(questionable)
	pinger := t.pinger
	t.mu.Unlock()

	if pinger == nil {
		return
	}
	for _, q := range questionable {
		ctx, cancel := context.WithTimeout(context.Background(), pingDeadline)
		alive := pinger.Probe(ctx, q.Addr)
		cancel()
		select {
		case <-t.closed:
			return
		default:
		}
		if !alive {
			t.mu.Lock()
			t.replace(full, q, c)
			t.mu.Unlock()
			return
		}
	}
}

// replace swaps old for c within leaf, assuming the caller holds t.mu.
func (t *Table) replace(leaf *bucket, old *Contact, c *Contact) {
	for i, existing := range leaf.contacts {
		if existing == old {
			leaf.contacts[i] = c
			leaf.lastChanged = time.Now()
			return
		}
	}
}

// Closest returns the n contacts closest to target by XOR distance,
// ascending. Default n is 10 when n<=0.
func (t *Table) Closest(target krpc.ID, n int) []NodeDistance {
	if n <= 0 {
		n = 10
	}
	t.mu.Lock()
	var all []*Contact
	t.root.all(&all)
	t.mu.Unlock()

	kc := newKClosest(target, n)
	for _, c := range all {
		kc.Add(c.ID, c.Addr)
	}
	return kc.Slice()
}

// runRefreshLoop periodically walks the table for stale leaves, emitting
// each one's target on the refresh channel. It runs until ctx is
// done.
func (t *Table) runRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshStale()
		}
	}
}

func (t *Table) refreshStale() {
	cutoff := time.Now().Add(-refreshInterval)
	t.mu.Lock()
	var stale []*bucket
	t.root.staleLeaves(cutoff, &stale)
	targets := make([]krpc.ID, 0, len(stale))
	for _, b := range stale {
		targets = append(targets, randIDInRange(b.min, b.max, randomByte))
	}
	t.mu.Unlock()

	for _, id := range targets {
		select {
		case t.refreshC <- id:
		default:
			log.Fmsg("refresh channel full, dropping target %v", id).Log(t.logger)
		}
	}
}

// Close signals any in-flight eviction pings to abandon their result once
// observed, and empties the table. The refresh loop is not stopped here; it
// exits when the context passed to runRefreshLoop is done.
func (t *Table) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		t.root = newRootBucket()
		t.mu.Unlock()
	})
}

// ContactSnapshot is one row of the persisted routing-table state.
type ContactSnapshot struct {
	ID           krpc.ID
	Addr         krpc.NodeAddr
	Token        string
	LastResponse time.Time
	LastQuery    time.Time
	Failed       int
}

// Snapshot materializes every contact for persistence.
func (t *Table) Snapshot() []ContactSnapshot {
	t.mu.Lock()
	var all []*Contact
	t.root.all(&all)
	t.mu.Unlock()

	out := make([]ContactSnapshot, len(all))
	for i, c := range all {
		out[i] = ContactSnapshot{
			ID: c.ID, Addr: c.Addr, Token: c.Token,
			LastResponse: c.LastResponse, LastQuery: c.LastQuery, Failed: c.Failed,
		}
	}
	sort.Slice(out, func(i, j int) bool { return idCmp(out[i].ID, out[j].ID) < 0 })
	return out
}

// LoadSnapshot reinserts previously snapshotted contacts via the normal
// insert path.
func (t *Table) LoadSnapshot(rows []ContactSnapshot) {
	for _, row := range rows {
		c := &Contact{
			ID: row.ID, Addr: row.Addr, Token: row.Token,
			LastResponse: row.LastResponse, LastQuery: row.LastQuery, Failed: row.Failed,
		}
		t.insert(c)
	}
}

func randomByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}

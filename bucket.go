package dht

import (
	"sort"
	"time"

	"github.com/dhtnode/dht/krpc"
)

// bucket is a node of the routing table's binary trie, covering the
// half-open ID range [min, max) — except when max is idMax (the root and
// the rightmost spine of the trie), where the range is inclusive. A leaf holds up to k
// contacts directly; an inner node holds no contacts and has two children.
type bucket struct {
	min, max krpc.ID

	contacts []*Contact
	children [2]*bucket // nil for a leaf

	lastChanged time.Time
}

func newRootBucket() *bucket {
	return &bucket{min: idZero, max: idMax, lastChanged: time.Now()}
}

func (b *bucket) isLeaf() bool {
	return b.children[0] == nil
}

func (b *bucket) inRange(id krpc.ID) bool {
	return idInRange(id, b.min, b.max)
}

// find returns the existing contact for id, if present, and the leaf it
// lives in.
func (b *bucket) find(id krpc.ID) (*bucket, *Contact) {
	leaf := b.leafFor(id)
	for _, c := range leaf.contacts {
		if c.ID == id {
			return leaf, c
		}
	}
	return leaf, nil
}

// leafFor descends the trie to the unique leaf whose range contains id.
func (b *bucket) leafFor(id krpc.ID) *bucket {
	cur := b
	for !cur.isLeaf() {
		if cur.children[0].inRange(id) {
			cur = cur.children[0]
		} else {
			cur = cur.children[1]
		}
	}
	return cur
}

// split bisects a full leaf at its arithmetic midpoint, redistributing
// its contacts into the two new leaves. Returns false if the range is one ID
// wide and cannot be bisected.
func (b *bucket) split() bool {
	mid := idMid(b.min, b.max)
	if mid == b.min || mid == b.max {
		return false
	}
	left := &bucket{min: b.min, max: mid, lastChanged: b.lastChanged}
	right := &bucket{min: mid, max: b.max, lastChanged: b.lastChanged}
	for _, c := range b.contacts {
		if left.inRange(c.ID) {
			left.contacts = append(left.contacts, c)
		} else {
			right.contacts = append(right.contacts, c)
		}
	}
	b.contacts = nil
	b.children[0] = left
	b.children[1] = right
	return true
}

// staleLeaves appends every leaf under b whose lastChanged predates cutoff
// into out, for the refresh walk.
func (b *bucket) staleLeaves(cutoff time.Time, out *[]*bucket) {
	if b.isLeaf() {
		if b.lastChanged.Before(cutoff) {
			*out = append(*out, b)
		}
		return
	}
	b.children[0].staleLeaves(cutoff, out)
	b.children[1].staleLeaves(cutoff, out)
}

// all appends every contact in the subtree rooted at b into out.
func (b *bucket) all(out *[]*Contact) {
	if b.isLeaf() {
		*out = append(*out, b.contacts...)
		return
	}
	b.children[0].all(out)
	b.children[1].all(out)
}

// sortByStaleness orders contacts ascending by LastResponse, stalest first,
// as required before the sequential eviction ping.
func sortByStaleness(cs []*Contact) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].LastResponse.Before(cs[j].LastResponse)
	})
}

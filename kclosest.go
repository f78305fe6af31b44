package dht

import (
	"sort"

	"github.com/dhtnode/dht/krpc"
)

// kclosest is a fixed-capacity, distance-sorted accumulator used both by the
// routing table's Closest query and by the lookup engine's shed-candidates
// set.
type kclosest struct {
	target krpc.ID
	cap    int
	items  []NodeDistance
}

// NodeDistance pairs a routing-table node with its XOR distance from the
// lookup/query target, the sort key used throughout routing and lookups.
type NodeDistance struct {
	ID       krpc.ID
	Addr     krpc.NodeAddr
	Distance krpc.Distance
}

func newKClosest(target krpc.ID, capacity int) *kclosest {
	return &kclosest{target: target, cap: capacity}
}

// max returns the current worst (furthest) distance held, or the maximum
// possible distance if the set isn't yet full — so any candidate compares
// as an improvement until the set reaches capacity.
func (k *kclosest) max() krpc.Distance {
	if len(k.items) < k.cap {
		return krpc.MaxDistance
	}
	return k.items[len(k.items)-1].Distance
}

// Add inserts (id, addr) if it ranks among the cap closest seen so far,
// evicting the current furthest entry if the set was already full.
func (k *kclosest) Add(id krpc.ID, addr krpc.NodeAddr) {
	d := id.Distance(k.target)
	if len(k.items) >= k.cap && !d.Less(k.max()) {
		return
	}
	nd := NodeDistance{ID: id, Addr: addr, Distance: d}
	i := sort.Search(len(k.items), func(i int) bool {
		return !k.items[i].Distance.Less(d)
	})
	k.items = append(k.items, NodeDistance{})
	copy(k.items[i+1:], k.items[i:])
	k.items[i] = nd
	if len(k.items) > k.cap {
		k.items = k.items[:k.cap]
	}
}

// Contains reports whether id is already present.
func (k *kclosest) Contains(id krpc.ID) bool {
	for _, it := range k.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// Slice returns the accumulated entries in ascending distance order.
func (k *kclosest) Slice() []NodeDistance {
	return k.items
}

// Len reports how many entries have been accumulated.
func (k *kclosest) Len() int {
	return len(k.items)
}

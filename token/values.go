package token

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhtnode/dht/krpc"
)

// StoredValue is a single BEP-44 record held in a node's local value store,
// keyed by its target. Immutable records only populate V; mutable
// records additionally carry the public key, signature and sequence number
// needed to accept a later compare-and-swap write and to re-serve get
// responses.
type StoredValue struct {
	V    interface{}
	// Mutable-only fields; K is nil for immutable records.
	K    []byte
	Salt []byte
	Sig  []byte
	Seq  int64
}

// Mutable reports whether v is a BEP-44 mutable record.
func (v *StoredValue) Mutable() bool {
	return v != nil && len(v.K) > 0
}

// Values is the capacity- and age-bounded value cache backing get/put
//: entries evict by LRU at the configured capacity or by age at the
// configured TTL, whichever comes first. Built directly on
// hashicorp/golang-lru's expirable LRU rather than hand-rolled bookkeeping.
type Values struct {
	cache *lru.LRU[string, *StoredValue]
}

// NewValues constructs a Values cache with the given capacity and per-entry
// TTL.
func NewValues(capacity int, ttl time.Duration) *Values {
	return &Values{cache: lru.NewLRU[string, *StoredValue](capacity, nil, ttl)}
}

func key(target krpc.ID) string {
	return string(target[:])
}

// Get returns the record stored for target, if any and not yet expired.
func (vs *Values) Get(target krpc.ID) (*StoredValue, bool) {
	return vs.cache.Get(key(target))
}

// Put stores v under target, refreshing its position in the LRU and its TTL.
func (vs *Values) Put(target krpc.ID, v *StoredValue) {
	vs.cache.Add(key(target), v)
}

// Len reports the number of live (non-expired) entries.
func (vs *Values) Len() int {
	return vs.cache.Len()
}

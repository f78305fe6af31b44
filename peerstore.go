package dht

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhtnode/dht/krpc"
)

// peerAnnounceTTL bounds how long an announce_peer entry is served before it
// must be refreshed; real swarms re-announce well inside this window.
const peerAnnounceTTL = 30 * time.Minute

// peerStore holds the announcement set for get_peers/announce_peer: a
// deduplicated set of compact-peer tuples per info_hash.
type peerStore struct {
	byInfoHash *lru.LRU[krpc.ID, *lru.LRU[string, krpc.NodeAddr]]
}

func newPeerStore() *peerStore {
	return &peerStore{byInfoHash: lru.NewLRU[krpc.ID, *lru.LRU[string, krpc.NodeAddr]](1024, nil, 0)}
}

// Add records addr as announcing infoHash, deduplicated by address.
func (ps *peerStore) Add(infoHash krpc.ID, addr krpc.NodeAddr) {
	set, ok := ps.byInfoHash.Get(infoHash)
	if !ok {
		set = lru.NewLRU[string, krpc.NodeAddr](256, nil, peerAnnounceTTL)
		ps.byInfoHash.Add(infoHash, set)
	}
	set.Add(addr.String(), addr)
}

// Get returns the live announcements for infoHash, or nil if there are none.
func (ps *peerStore) Get(infoHash krpc.ID) []krpc.NodeAddr {
	set, ok := ps.byInfoHash.Get(infoHash)
	if !ok {
		return nil
	}
	keys := set.Keys()
	out := make([]krpc.NodeAddr, 0, len(keys))
	for _, k := range keys {
		if v, ok := set.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

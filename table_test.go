package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhtnode/dht/krpc"
)

// fakePinger answers Probe per a map keyed by address string, defaulting to
// alive for anything not listed.
type fakePinger struct {
	dead map[string]bool
	n    int
}

func (p *fakePinger) Probe(ctx context.Context, addr krpc.NodeAddr) bool {
	p.n++
	return !p.dead[addr.String()]
}

func addrWithPort(port int) krpc.NodeAddr {
	return krpc.NodeAddr{IP: []byte{127, 0, 0, 1}, Port: port}
}

func TestTableInsertAndRecordResponseCreatesContact(t *testing.T) {
	local := krpc.RandomID()
	tbl := NewTable(local, 4, nil, log.Default)

	id := krpc.RandomID()
	tbl.RecordResponse(id, addrWithPort(1))

	found := tbl.Closest(id, 1)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
}

func TestTableRecordResponseUpdatesExistingContact(t *testing.T) {
	local := krpc.RandomID()
	tbl := NewTable(local, 4, nil, log.Default)
	id := krpc.RandomID()

	tbl.RecordResponse(id, addrWithPort(1))
	tbl.RecordResponse(id, addrWithPort(2))

	found := tbl.Closest(id, 1)
	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].Addr.Port)
}

func TestTableRecordNoResponseOnUnknownContactIsNoop(t *testing.T) {
	tbl := NewTable(krpc.RandomID(), 4, nil, log.Default)
	assert.NotPanics(t, func() {
		tbl.RecordNoResponse(krpc.RandomID())
	})
}

func TestTableThreeTimeoutsMakesContactBad(t *testing.T) {
	local := krpc.RandomID()
	tbl := NewTable(local, 4, nil, log.Default)
	id := krpc.RandomID()
	tbl.RecordResponse(id, addrWithPort(1))

	tbl.RecordNoResponse(id)
	tbl.RecordNoResponse(id)
	tbl.RecordNoResponse(id)

	_, c := tbl.root.find(id)
	require.NotNil(t, c)
	assert.True(t, c.Bad())
}

func TestTableSetToken(t *testing.T) {
	tbl := NewTable(krpc.RandomID(), 4, nil, log.Default)
	id := krpc.RandomID()
	tbl.RecordResponse(id, addrWithPort(1))
	tbl.SetToken(id, "tok")

	_, c := tbl.root.find(id)
	require.NotNil(t, c)
	assert.Equal(t, "tok", c.Token)
}

func TestTableSplitsWhenLocalIDSharesBucket(t *testing.T) {
	// With K=1, every insert beyond the first into the bucket containing the
	// local ID forces the trie to split rather than evict. Spread the
	// contacts across the top byte so a handful of splits suffices. Leaves
	// away from the local ID never split, so each keeps only the first
	// contact it received: 0x10, 0x20, 0x40 and 0x80 stay, the rest are
	// discarded because the resident is good.
	local := krpc.ID{0x00}
	tbl := NewTable(local, 1, nil, log.Default)

	var ids []krpc.ID
	for i := 0; i < 8; i++ {
		id := krpc.ID{byte(0x10 * (i + 1))}
		ids = append(ids, id)
		tbl.RecordResponse(id, addrWithPort(i+1))
	}

	all := tbl.Closest(local, 100)
	assert.Len(t, all, 4, "one contact per leaf that does not contain the local ID")
	assert.False(t, tbl.root.isLeaf(), "root should have split repeatedly")
}

func TestTableLeafRangesPartitionSpaceWithoutOverlap(t *testing.T) {
	local := krpc.RandomID()
	tbl := NewTable(local, 2, nil, log.Default)
	for i := 0; i < 40; i++ {
		tbl.RecordResponse(krpc.RandomID(), addrWithPort(i+1))
	}

	var leaves []*bucket
	var walk func(b *bucket)
	walk = func(b *bucket) {
		if b.isLeaf() {
			leaves = append(leaves, b)
			return
		}
		walk(b.children[0])
		walk(b.children[1])
	}
	walk(tbl.root)

	for i, a := range leaves {
		for j, b := range leaves {
			if i == j {
				continue
			}
			overlap := idCmp(a.min, b.max) < 0 && idCmp(b.min, a.max) < 0
			assert.False(t, overlap, "leaves %x-%x and %x-%x overlap", a.min, a.max, b.min, b.max)
		}
	}

	var all []*Contact
	tbl.root.all(&all)
	for _, c := range all {
		leaf := tbl.root.leafFor(c.ID)
		assert.True(t, leaf.inRange(c.ID))
	}
}

func TestTableEvictsBadContactOutright(t *testing.T) {
	// local sits at the all-zero corner, so the leaf holding ids with their
	// top bit set never contains local and therefore can't split: once it's
	// full, a bad resident must be replaced outright instead.
	local := krpc.ID{0x00}
	tbl := NewTable(local, 1, nil, log.Default)

	victim := krpc.ID{0x80}
	tbl.RecordResponse(victim, addrWithPort(1))
	tbl.RecordNoResponse(victim)
	tbl.RecordNoResponse(victim)
	tbl.RecordNoResponse(victim)
	_, v := tbl.root.find(victim)
	require.NotNil(t, v)
	require.True(t, v.Bad())

	replacement := krpc.ID{0x90}
	tbl.insert(NewContact(replacement, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}))

	_, v = tbl.root.find(victim)
	_, r := tbl.root.find(replacement)
	assert.Nil(t, v, "bad contact should have been evicted")
	assert.NotNil(t, r, "replacement should now occupy the leaf")
}

func TestTableEvictsQuestionableContactThatFailsPing(t *testing.T) {
	local := krpc.ID{0x00}
	pinger := &fakePinger{dead: map[string]bool{}}
	tbl := NewTable(local, 1, pinger, log.Default)

	stale := krpc.ID{0x80}
	tbl.RecordResponse(stale, addrWithPort(1))
	_, c := tbl.root.find(stale)
	require.NotNil(t, c)
	c.LastResponse = time.Now().Add(-staleAfter - time.Minute)
	pinger.dead[c.Addr.String()] = true

	newcomer := krpc.ID{0x90}
	tbl.insert(NewContact(newcomer, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3}))

	assert.True(t, pinger.n >= 1)
	_, old := tbl.root.find(stale)
	_, nc := tbl.root.find(newcomer)
	assert.Nil(t, old)
	assert.NotNil(t, nc)
}

func TestTableClosestOrdersByDistanceAscending(t *testing.T) {
	target := krpc.ID{0x00}
	tbl := NewTable(krpc.RandomID(), 8, nil, log.Default)
	tbl.RecordResponse(krpc.ID{0x30}, addrWithPort(1))
	tbl.RecordResponse(krpc.ID{0x10}, addrWithPort(2))
	tbl.RecordResponse(krpc.ID{0x20}, addrWithPort(3))

	got := tbl.Closest(target, 10)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Distance.Less(got[i-1].Distance))
	}
}

func TestTableSnapshotLoadSnapshotRoundTrip(t *testing.T) {
	local := krpc.RandomID()
	tbl := NewTable(local, 8, nil, log.Default)
	id := krpc.RandomID()
	tbl.RecordResponse(id, addrWithPort(42))
	tbl.SetToken(id, "abc")

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)

	tbl2 := NewTable(local, 8, nil, log.Default)
	tbl2.LoadSnapshot(snap)

	_, c := tbl2.root.find(id)
	require.NotNil(t, c)
	assert.Equal(t, "abc", c.Token)
	assert.Equal(t, 42, c.Addr.Port)
}

func TestTableRefreshLoopExitsOnContextCancelThenCloseWithoutPanic(t *testing.T) {
	tbl := NewTable(krpc.RandomID(), 8, nil, log.Default)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tbl.runRefreshLoop(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runRefreshLoop did not exit after context cancellation")
	}
	tbl.Close()
}


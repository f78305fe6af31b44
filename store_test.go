package dht

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/dhtnode/dht/krpc"
)

func bootstrapNetwork(t *testing.T, n int) []*Server {
	t.Helper()
	nodes := make([]*Server, n)
	for i := range nodes {
		nodes[i] = newTestServer(t)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 1; i < n; i++ {
		require.NoError(t, nodes[i].Bootstrap(ctx, []krpc.NodeAddr{nodes[0].testAddr()}))
	}
	return nodes
}

func TestBuildSigDataIsDeterministic(t *testing.T) {
	a, err := buildSigData(4, "hello", []byte("salt"))
	require.NoError(t, err)
	b, err := buildSigData(4, "hello", []byte("salt"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := buildSigData(5, "hello", []byte("salt"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestImmutableTargetIsSHA1OfBencodedValue(t *testing.T) {
	vb1, err := bencode.Marshal("hello world")
	require.NoError(t, err)
	vb2, err := bencode.Marshal("hello world")
	require.NoError(t, err)
	assert.Equal(t, immutableTarget(vb1), immutableTarget(vb2))

	vb3, err := bencode.Marshal("something else")
	require.NoError(t, err)
	assert.NotEqual(t, immutableTarget(vb1), immutableTarget(vb3))
}

func TestPutImmutableThenGetImmutable(t *testing.T) {
	nodes := bootstrapNetwork(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writer := nodes[1]
	target, err := writer.PutImmutable(ctx, "hello dht")
	require.NoError(t, err)

	reader := nodes[len(nodes)-1]
	v, err := reader.GetImmutable(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "hello dht", v)
}

func TestGetImmutableNotFoundReturnsErrNotFound(t *testing.T) {
	nodes := bootstrapNetwork(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := nodes[0].GetImmutable(ctx, krpc.RandomID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutMutableThenGetMutable(t *testing.T) {
	nodes := bootstrapNetwork(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	writer := nodes[1]
	target, err := writer.PutMutable(ctx, priv, nil, func(previous *MutableRecord) (interface{}, int64, error) {
		require.Nil(t, previous)
		return "v1", 1, nil
	})
	require.NoError(t, err)

	reader := nodes[len(nodes)-1]
	rec, err := reader.GetMutable(ctx, pub, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", rec.V)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, target, mutableTarget(pub, nil))
}

func TestPutMutableSecondWriteBumpsSequence(t *testing.T) {
	nodes := bootstrapNetwork(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	salt := []byte("mysalt")

	writer := nodes[1]
	_, err = writer.PutMutable(ctx, priv, salt, func(previous *MutableRecord) (interface{}, int64, error) {
		return "first", 1, nil
	})
	require.NoError(t, err)

	_, err = writer.PutMutable(ctx, priv, salt, func(previous *MutableRecord) (interface{}, int64, error) {
		require.NotNil(t, previous)
		return "second", previous.Seq + 1, nil
	})
	require.NoError(t, err)

	reader := nodes[len(nodes)-1]
	rec, err := reader.GetMutable(ctx, pub, salt)
	require.NoError(t, err)
	assert.Equal(t, "second", rec.V)
	assert.Equal(t, int64(2), rec.Seq)
}

func TestHandlePutRejectsLowerSequenceNumber(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.Bootstrap(ctx, []krpc.NodeAddr{b.testAddr()}))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = a.PutMutable(ctx, priv, nil, func(previous *MutableRecord) (interface{}, int64, error) {
		return "v2", 5, nil
	})
	require.NoError(t, err)

	// A direct put carrying a stale seq against b (which now holds the
	// value at seq 5) must be rejected with ErrorLowSeq.
	sigData, err := buildSigData(1, "stale", nil)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, sigData)
	target := mutableTarget(pub, nil)
	tok := b.tokens.Issue(target, net.ParseIP("127.0.0.1"))
	seq := int64(1)
	_, err = a.query(ctx, b.testAddr(), &target, "put", krpc.Args{
		Target: target, K: pub, Seq: &seq, V: "stale", Sig: sig, Token: tok,
	})
	assert.Error(t, err)
}

package krpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceOrdering(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	c := ID{0x03}

	dab := a.Distance(b)
	dac := a.Distance(c)
	assert.True(t, dab.Less(dac))
	assert.False(t, dac.Less(dab))
	assert.Equal(t, 0, dab.Cmp(dab))
}

func TestDistanceToSelfIsZero(t *testing.T) {
	id := RandomID()
	d := id.Distance(id)
	assert.Equal(t, Distance{}, d)
}

func TestMaxDistanceIsLargest(t *testing.T) {
	assert.True(t, ID{0x00}.Distance(ID{0x01}).Less(MaxDistance))
}

func TestBitLen(t *testing.T) {
	var d Distance
	assert.Equal(t, IDLen*8, d.BitLen())

	d[0] = 0x80
	assert.Equal(t, 0, d.BitLen())

	d[0] = 0x01
	assert.Equal(t, 7, d.BitLen())

	d = Distance{}
	d[1] = 0x01
	assert.Equal(t, 15, d.BitLen())
}

func TestIDHexRoundTrip(t *testing.T) {
	id := RandomID()
	parsed, err := IDFromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestIDFromHexRejectsBadLength(t *testing.T) {
	_, err := IDFromHex("abcd")
	assert.Error(t, err)
}

func TestIsZero(t *testing.T) {
	assert.True(t, ID{}.IsZero())
	assert.False(t, RandomID().IsZero())
}

package krpc

import (
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBencodeRoundTrip(t *testing.T) {
	e := Error{Code: ErrorCodeProtocolError, Msg: "Bad Token"}
	b, err := e.MarshalBencode()
	require.NoError(t, err)
	assert.Equal(t, "li203e9:Bad Tokene", string(b))

	var out Error
	require.NoError(t, out.UnmarshalBencode(b))
	assert.Equal(t, e, out)
}

func TestErrorUnmarshalRejectsWrongArity(t *testing.T) {
	b, err := bencode.Marshal([]interface{}{201})
	require.NoError(t, err)
	var out Error
	assert.Error(t, out.UnmarshalBencode(b))
}

func TestErrorUnmarshalRejectsWrongTypes(t *testing.T) {
	b, err := bencode.Marshal([]interface{}{"not a code", "msg"})
	require.NoError(t, err)
	var out Error
	assert.Error(t, out.UnmarshalBencode(b))
}

func TestErrorImplementsError(t *testing.T) {
	e := ErrorMethodUnknown
	assert.Contains(t, e.Error(), "204")
	assert.Contains(t, e.Error(), "Method Unknown")
}

func TestErrorCodeConstants(t *testing.T) {
	assert.Equal(t, 201, ErrorCodeGenericError)
	assert.Equal(t, 202, ErrorCodeServerError)
	assert.Equal(t, 203, ErrorCodeProtocolError)
	assert.Equal(t, 204, ErrorCodeMethodUnknown)
}

package krpc

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// Error codes defined by BEP 5 and used in y='e' messages.
const (
	ErrorCodeGenericError  = 201
	ErrorCodeServerError   = 202
	ErrorCodeProtocolError = 203 // malformed packet, invalid arguments, or bad token
	ErrorCodeMethodUnknown = 204
)

// ErrorMethodUnknown is sent in reply to a query naming an unrecognised method.
var ErrorMethodUnknown = Error{Code: ErrorCodeMethodUnknown, Msg: "Method Unknown"}

// ErrorBadToken is sent in reply to announce_peer/put carrying a token that
// fails to verify against (target, sender IP).
var ErrorBadToken = Error{Code: ErrorCodeProtocolError, Msg: "Bad Token"}

// ErrorBadSignature is sent in reply to a mutable put whose signature fails
// to verify.
var ErrorBadSignature = Error{Code: ErrorCodeProtocolError, Msg: "Bad Signature"}

// ErrorLowSeq is sent in reply to a mutable put carrying a seq lower than
// the currently stored value's.
var ErrorLowSeq = Error{Code: ErrorCodeProtocolError, Msg: "Lower Sequence Number"}

// ErrorBadValueSize is sent when |v|, |k| or |salt| exceed their limits.
var ErrorBadValueSize = Error{Code: ErrorCodeProtocolError, Msg: "Value Too Large"}

// ErrorMissingArguments is sent when a query is missing its "a" dictionary
// or an argument inside it that the method needs.
var ErrorMissingArguments = Error{Code: ErrorCodeProtocolError, Msg: "Missing Arguments Dict"}

// Error is the [code, description] pair carried by a y='e' message.
type Error struct {
	Code int
	Msg  string
}

func (e Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Msg)
}

// MarshalBencode renders e as the bencoded list [code, "msg"].
func (e Error) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Msg})
}

// UnmarshalBencode parses e from a bencoded list [code, "msg"].
func (e *Error) UnmarshalBencode(b []byte) error {
	var tuple []interface{}
	if err := bencode.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("krpc: error list has %d elements, want 2", len(tuple))
	}
	code, ok := tuple[0].(int64)
	if !ok {
		return fmt.Errorf("krpc: error code has unexpected type %T", tuple[0])
	}
	msg, ok := tuple[1].(string)
	if !ok {
		return fmt.Errorf("krpc: error message has unexpected type %T", tuple[1])
	}
	e.Code = int(code)
	e.Msg = msg
	return nil
}

// Package krpc implements the wire messages of the BitTorrent mainline
// DHT's KRPC protocol: bencoded query/response/error dictionaries carrying a
// transaction ID, sent one per UDP datagram.
//
// A KRPC message is a single dictionary with two keys common to every
// message and additional keys depending on the type of message. Every
// message has a key "t" with a short opaque transaction ID, generated by
// the querying node and echoed in the response, so responses may be
// correlated with multiple queries to the same node. The other key
// contained in every KRPC message is "y" with a single character value
// describing the type of message: "q" for query, "r" for response, or "e"
// for error.
package krpc

// Msg is a single KRPC message. Exactly one of {Q,A}, R, E is populated,
// selected by Y.
type Msg struct {
	T string  `bencode:"t"`           // required: transaction ID
	Y string  `bencode:"y"`           // required: "q", "r" or "e"
	Q string  `bencode:"q,omitempty"` // query method (ping, find_node, get_peers, announce_peer, get, put)
	A *Args   `bencode:"a,omitempty"` // named arguments sent with a query
	R *Return `bencode:"r,omitempty"` // RESPONSE type only
	E *Error  `bencode:"e,omitempty"` // ERROR type only

	// IP is the BEP-42-unrelated "ip" top level key some implementations
	// echo back so the querier can learn its externally visible address.
	// A pointer so a zero value is actually omitted (NodeAddr's compact
	// encoder errors on a nil IP, and struct fields don't honor omitempty).
	IP *NodeAddr `bencode:"ip,omitempty"`
}

// Args is the "a" dictionary of a query message. Fields apply per-method:
// the base queries (ping, find_node, get_peers, announce_peer) and the
// BEP-44 storage extension (get, put) each use their own subset.
type Args struct {
	ID ID `bencode:"id"` // ID of the querying node

	// find_node
	Target ID `bencode:"target,omitempty"`

	// get_peers, announce_peer
	InfoHash ID `bencode:"info_hash,omitempty"`

	// announce_peer, put: token received from an earlier get_peers/get
	Token string `bencode:"token,omitempty"`

	// announce_peer
	Port        int  `bencode:"port,omitempty"`
	ImpliedPort bool `bencode:"implied_port,omitempty"`

	// get, put (BEP 44)
	V    interface{} `bencode:"v,omitempty"`    // immutable/mutable value
	K    []byte      `bencode:"k,omitempty"`    // ed25519 public key (mutable)
	Salt []byte      `bencode:"salt,omitempty"` // optional salt (mutable)
	Sig  []byte      `bencode:"sig,omitempty"`  // ed25519 signature (mutable)
	Seq  *int64      `bencode:"seq,omitempty"`  // sequence number (mutable)
	Cas  *int64      `bencode:"cas,omitempty"`  // compare-and-swap expected seq (mutable)
}

// Return is the "r" dictionary of a response message.
type Return struct {
	ID ID `bencode:"id"` // ID of the responding node

	// Closest nodes to the requested target; included in responses to
	// queries that imply traversal (find_node, get_peers, get).
	Nodes CompactIPv4NodeInfo `bencode:"nodes,omitempty"`

	Token  *string    `bencode:"token,omitempty"`  // write token, get_peers/get responses
	Values []NodeAddr `bencode:"values,omitempty"` // torrent peers, get_peers responses

	// get (BEP 44)
	V   interface{} `bencode:"v,omitempty"`
	K   []byte      `bencode:"k,omitempty"`
	Sig []byte      `bencode:"sig,omitempty"`
	Seq *int64      `bencode:"seq,omitempty"`
}

// ForAllNodes calls f once per node in r.Nodes, in order.
func (r Return) ForAllNodes(f func(NodeInfo)) {
	for _, n := range r.Nodes {
		f(n)
	}
}

// SenderID returns the node ID of the source of m, or nil if m doesn't
// carry one (only errors lack a sender ID).
func (m Msg) SenderID() *ID {
	switch m.Y {
	case "q":
		if m.A == nil {
			return nil
		}
		return &m.A.ID
	case "r":
		if m.R == nil {
			return nil
		}
		return &m.R.ID
	}
	return nil
}

// Error returns m.E if m is an error message, else nil.
func (m Msg) Error() *Error {
	if m.Y != "e" {
		return nil
	}
	return m.E
}

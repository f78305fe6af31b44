package krpc

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/anacrolix/torrent/bencode"
)

// ErrBadCompactLength is returned when a compact nodes/peers string isn't a
// whole multiple of the per-record length.
var ErrBadCompactLength = errors.New("krpc: compact string has invalid length")

// NodeAddr is an IPv4 address and UDP port, the "compact peer info" form
// (6 bytes on the wire). The DHT fixes the wire format to IPv4.
type NodeAddr struct {
	IP   net.IP
	Port int
}

// UDP converts na to a *net.UDPAddr.
func (na NodeAddr) UDP() *net.UDPAddr {
	return &net.UDPAddr{IP: na.IP, Port: na.Port}
}

func (na NodeAddr) String() string {
	return na.UDP().String()
}

// NodeAddrFromUDP builds a NodeAddr from a *net.UDPAddr, normalizing the IP
// to its 4-byte form.
func NodeAddrFromUDP(a *net.UDPAddr) NodeAddr {
	return NodeAddr{IP: a.IP.To4(), Port: a.Port}
}

const compactPeerLen = 6

// MarshalBencode renders na as the 6-byte compact peer string.
func (na NodeAddr) MarshalBencode() ([]byte, error) {
	b, err := na.compact()
	if err != nil {
		return nil, err
	}
	return bencode.Marshal(b)
}

// UnmarshalBencode parses a 6-byte compact peer bencode byte string.
func (na *NodeAddr) UnmarshalBencode(b []byte) error {
	var s []byte
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	return na.unmarshalCompact(s)
}

func (na NodeAddr) compact() ([]byte, error) {
	ip4 := na.IP.To4()
	if ip4 == nil {
		return nil, errors.New("krpc: NodeAddr requires an IPv4 address")
	}
	b := make([]byte, compactPeerLen)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(na.Port))
	return b, nil
}

func (na *NodeAddr) unmarshalCompact(b []byte) error {
	if len(b) != compactPeerLen {
		return ErrBadCompactLength
	}
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	na.IP = ip
	na.Port = int(binary.BigEndian.Uint16(b[4:]))
	return nil
}

// NodeInfo is a (node ID, address) pair, the "compact node info" form.
type NodeInfo struct {
	ID   ID
	Addr NodeAddr
}

const compactNodeInfoLen = IDLen + compactPeerLen

func (ni NodeInfo) compact() ([]byte, error) {
	addr, err := ni.Addr.compact()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, compactNodeInfoLen)
	b = append(b, ni.ID[:]...)
	b = append(b, addr...)
	return b, nil
}

func (ni *NodeInfo) unmarshalCompact(b []byte) error {
	if len(b) != compactNodeInfoLen {
		return ErrBadCompactLength
	}
	copy(ni.ID[:], b[:IDLen])
	return ni.Addr.unmarshalCompact(b[IDLen:])
}

// CompactIPv4NodeInfo is a list of NodeInfo that (de)serializes as a single
// concatenated compact-node-info byte string; the length must be a whole
// multiple of 26 bytes or the whole message is rejected.
type CompactIPv4NodeInfo []NodeInfo

// MarshalBencode concatenates each node's 26-byte compact form into a single
// bencoded byte string.
func (cni CompactIPv4NodeInfo) MarshalBencode() ([]byte, error) {
	buf := make([]byte, 0, len(cni)*compactNodeInfoLen)
	for _, ni := range cni {
		b, err := ni.compact()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return bencode.Marshal(buf)
}

// UnmarshalBencode splits a concatenated compact-node-info byte string back
// into individual NodeInfo values, failing the whole message if the length
// isn't a multiple of 26.
func (cni *CompactIPv4NodeInfo) UnmarshalBencode(b []byte) error {
	var s []byte
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	if len(s)%compactNodeInfoLen != 0 {
		return ErrBadCompactLength
	}
	out := make([]NodeInfo, 0, len(s)/compactNodeInfoLen)
	for i := 0; i < len(s); i += compactNodeInfoLen {
		var ni NodeInfo
		if err := ni.unmarshalCompact(s[i : i+compactNodeInfoLen]); err != nil {
			return err
		}
		out = append(out, ni)
	}
	*cni = out
	return nil
}

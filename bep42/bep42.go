// Package bep42 derives a node ID from an IPv4 address per BEP 42, binding a
// node's identity to its observed network address to raise the cost of
// routing-table poisoning attacks.
package bep42

import (
	"crypto/rand"
	"hash/crc32"
	"net"

	"github.com/dhtnode/dht/krpc"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ipMask keeps only the bits of ip32 that BEP 42 mixes into the CRC: the top
// 6 bits are cleared (the salt r is then ORed into the top 3), and the
// low 14 bits of the address are kept as they are.
const ipMask = 0x030f3fff

// Secure derives a 20-byte node ID from ip and the 8-bit value r, following
// BEP 42 exactly:
//
//	ip32 = (big-endian uint32 of the four octets) & 0x030f3fff | (r << 29)
//	c    = CRC32C(big-endian bytes of ip32)
//
// byte 0 = c>>24, byte 1 = c>>16, byte 2 = (c>>8 & 0xf8) | random 3 bits,
// bytes 3..18 random, byte 19 = r.
func Secure(ip net.IP, r byte) (krpc.ID, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return krpc.ID{}, errInvalidIPv4
	}
	ip32 := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	ip32 = (ip32 & ipMask) | (uint32(r) << 29)

	var ipBytes [4]byte
	ipBytes[0] = byte(ip32 >> 24)
	ipBytes[1] = byte(ip32 >> 16)
	ipBytes[2] = byte(ip32 >> 8)
	ipBytes[3] = byte(ip32)
	c := crc32.Checksum(ipBytes[:], castagnoli)

	var id krpc.ID
	rnd := make([]byte, 17)
	if _, err := rand.Read(rnd); err != nil {
		return krpc.ID{}, err
	}
	id[0] = byte(c >> 24)
	id[1] = byte(c >> 16)
	id[2] = (byte(c>>8) & 0xf8) | (rnd[0] & 0x07)
	copy(id[3:19], rnd[1:])
	id[19] = r
	return id, nil
}

// SecureRandomSalt derives a secure ID for ip using a random 8-bit salt,
// returning the salt alongside the ID so a caller can persist it.
func SecureRandomSalt(ip net.IP) (krpc.ID, byte, error) {
	var rb [1]byte
	if _, err := rand.Read(rb[:]); err != nil {
		return krpc.ID{}, 0, err
	}
	id, err := Secure(ip, rb[0])
	return id, rb[0], err
}

// Valid reports whether id is consistent with BEP 42 for ip: it recomputes
// the CRC-derived prefix bytes from id's own trailing salt byte and compares
// against the high bits of id, ignoring the random low bits exactly as the
// derivation leaves them free.
func Valid(id krpc.ID, ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	r := id[19]
	ip32 := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	ip32 = (ip32 & ipMask) | (uint32(r) << 29)
	var ipBytes [4]byte
	ipBytes[0] = byte(ip32 >> 24)
	ipBytes[1] = byte(ip32 >> 16)
	ipBytes[2] = byte(ip32 >> 8)
	ipBytes[3] = byte(ip32)
	c := crc32.Checksum(ipBytes[:], castagnoli)
	if id[0] != byte(c>>24) || id[1] != byte(c>>16) {
		return false
	}
	return id[2]&0xf8 == byte(c>>8)&0xf8
}

type bep42Error string

func (e bep42Error) Error() string { return string(e) }

const errInvalidIPv4 = bep42Error("bep42: address is not a valid IPv4 address")

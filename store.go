package dht

import (
	"context"
	"crypto/sha1"
	"net"
	"sync"

	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"

	"github.com/dhtnode/dht/krpc"
	"github.com/dhtnode/dht/token"
)

// BEP-44 size limits.
const (
	maxValueLen = 1000
	maxSaltLen  = 64
)

// ErrValueTooLarge is returned when a value, salt, or key fails local
// validation before ever leaving the node.
var ErrValueTooLarge = errors.New("dht: value, salt or key exceeds the BEP-44 size limit")

// ErrNotFound is returned by Get* when neither the local store nor the
// lookup turns up a matching, validated record.
var ErrNotFound = errors.New("dht: no matching value found")

// MutableRecord is a BEP-44 mutable record as observed locally or returned
// by a successful GetMutable.
type MutableRecord struct {
	K    ed25519.PublicKey
	Salt []byte
	Seq  int64
	V    interface{}
	Sig  []byte
}

// buildSigData serializes {salt?, seq, v} as the ordered, concatenated
// bencode field sequence ed25519 signs over.
func buildSigData(seq int64, v interface{}, salt []byte) ([]byte, error) {
	var buf []byte
	if len(salt) > 0 {
		sb, err := bencode.Marshal(salt)
		if err != nil {
			return nil, err
		}
		buf = append(buf, "4:salt"...)
		buf = append(buf, sb...)
	}
	seqBytes, err := bencode.Marshal(seq)
	if err != nil {
		return nil, err
	}
	buf = append(buf, "3:seq"...)
	buf = append(buf, seqBytes...)

	vBytes, err := bencode.Marshal(v)
	if err != nil {
		return nil, err
	}
	buf = append(buf, "1:v"...)
	buf = append(buf, vBytes...)
	return buf, nil
}

func immutableTarget(vBencoded []byte) krpc.ID {
	return krpc.ID(sha1.Sum(vBencoded))
}

func mutableTarget(k, salt []byte) krpc.ID {
	h := sha1.New()
	h.Write(k)
	h.Write(salt)
	var id krpc.ID
	copy(id[:], h.Sum(nil))
	return id
}

// GetImmutable fetches and validates an immutable record by its target hash
//: the local store is consulted first, then an iterative "get"
// lookup with a predicate requiring SHA-1(bencode(v)) == target.
func (s *Server) GetImmutable(ctx context.Context, target krpc.ID) (interface{}, error) {
	if sv, ok := s.tokens.Values().Get(target); ok && !sv.Mutable() {
		return sv.V, nil
	}
	res := s.closest(ctx, target, "get", krpc.Args{Target: target}, func(ret *krpc.Return, _ NodeDistance) (interface{}, bool) {
		if ret.V == nil {
			return nil, false
		}
		vb, err := bencode.Marshal(ret.V)
		if err != nil || immutableTarget(vb) != target {
			return nil, false
		}
		return ret.V, true
	})
	if res.Found {
		return res.Value, nil
	}
	return nil, ErrNotFound
}

// GetMutable fetches and validates a mutable record by (public key, salt)
//: requires k and sig, verifies the ed25519 signature over sig_data,
// and requires SHA-1(k ‖ salt) == target.
func (s *Server) GetMutable(ctx context.Context, pub ed25519.PublicKey, salt []byte) (*MutableRecord, error) {
	target := mutableTarget(pub, salt)
	if sv, ok := s.tokens.Values().Get(target); ok && sv.Mutable() {
		return &MutableRecord{K: sv.K, Salt: sv.Salt, Seq: sv.Seq, V: sv.V, Sig: sv.Sig}, nil
	}
	res := s.closest(ctx, target, "get", krpc.Args{Target: target}, func(ret *krpc.Return, _ NodeDistance) (interface{}, bool) {
		if ret.V == nil || len(ret.K) == 0 || ret.Sig == nil || ret.Seq == nil {
			return nil, false
		}
		if mutableTarget(ret.K, salt) != target {
			return nil, false
		}
		sigData, err := buildSigData(*ret.Seq, ret.V, salt)
		if err != nil || !ed25519.Verify(ed25519.PublicKey(ret.K), sigData, ret.Sig) {
			return nil, false
		}
		return &MutableRecord{K: ret.K, Salt: salt, Seq: *ret.Seq, V: ret.V, Sig: ret.Sig}, true
	})
	if res.Found {
		return res.Value.(*MutableRecord), nil
	}
	return nil, ErrNotFound
}

// PutImmutable derives target = SHA-1(bencode(v)), then runs a collecting
// lookup for write tokens and sends put to every node that returned one.
func (s *Server) PutImmutable(ctx context.Context, v interface{}) (krpc.ID, error) {
	vb, err := bencode.Marshal(v)
	if err != nil {
		return krpc.ID{}, err
	}
	if len(vb) > maxValueLen {
		return krpc.ID{}, ErrValueTooLarge
	}
	target := immutableTarget(vb)
	res := s.closest(ctx, target, "get", krpc.Args{Target: target}, nil)
	s.sendPutToClosest(ctx, res, func(token string) krpc.Args {
		return krpc.Args{Target: target, V: v, Token: token}
	})
	return target, nil
}

// MutateFunc computes the next (value, sequence number) to write, given the
// most recent record this node observed during the collecting lookup (nil
// if none was found).
type MutateFunc func(previous *MutableRecord) (v interface{}, seq int64, err error)

// PutMutable runs a collecting "get" lookup for (pub, salt) to discover the
// current record and write tokens, invokes mutate to decide the next
// (v, seq), signs it, and sends put to every node that returned a token.
// The current contract accepts whatever seq mutate chooses; compare-and-swap
// semantics are the caller's responsibility.
func (s *Server) PutMutable(ctx context.Context, priv ed25519.PrivateKey, salt []byte, mutate MutateFunc) (krpc.ID, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return krpc.ID{}, errors.New("dht: invalid ed25519 key")
	}
	if len(salt) > maxSaltLen {
		return krpc.ID{}, ErrValueTooLarge
	}
	target := mutableTarget(pub, salt)

	var mu sync.Mutex
	var previous *MutableRecord
	res := s.closest(ctx, target, "get", krpc.Args{Target: target}, func(ret *krpc.Return, _ NodeDistance) (interface{}, bool) {
		if ret.V != nil && ret.Seq != nil {
			mu.Lock()
			if previous == nil || *ret.Seq > previous.Seq {
				previous = &MutableRecord{K: pub, Salt: salt, Seq: *ret.Seq, V: ret.V}
			}
			mu.Unlock()
		}
		return nil, false
	})

	v, seq, err := mutate(previous)
	if err != nil {
		return krpc.ID{}, err
	}
	vb, err := bencode.Marshal(v)
	if err != nil {
		return krpc.ID{}, err
	}
	if len(vb) > maxValueLen {
		return krpc.ID{}, ErrValueTooLarge
	}
	sigData, err := buildSigData(seq, v, salt)
	if err != nil {
		return krpc.ID{}, err
	}
	sig := ed25519.Sign(priv, sigData)

	s.sendPutToClosest(ctx, res, func(token string) krpc.Args {
		return krpc.Args{Target: target, K: pub, Salt: salt, Seq: &seq, V: v, Sig: sig, Token: token}
	})
	return target, nil
}

// sendPutToClosest issues a put to every node in res.Closest that returned a
// write token during the collecting lookup, concurrently, swallowing
// per-node failures (a put is never failed as a whole by one bad peer).
func (s *Server) sendPutToClosest(ctx context.Context, res *lookupResult, buildArgs func(token string) krpc.Args) {
	var wg sync.WaitGroup
	for _, nd := range res.Closest {
		tok, ok := res.Tokens[nd.ID]
		if !ok {
			continue
		}
		nd := nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := nd.ID
			s.query(ctx, nd.Addr, &id, "put", buildArgs(tok))
		}()
	}
	wg.Wait()
}

func (s *Server) handleGet(msg krpc.Msg, addr *net.UDPAddr) {
	target := msg.A.Target
	tok := s.tokens.Issue(target, addr.IP)
	ret := krpc.Return{ID: s.id, Token: &tok, Nodes: s.closestCompact(target)}
	if sv, ok := s.tokens.Values().Get(target); ok {
		ret.V = sv.V
		if sv.Mutable() {
			ret.K = sv.K
			ret.Sig = sv.Sig
			seq := sv.Seq
			ret.Seq = &seq
		}
	}
	s.sendReply(msg.T, addr, ret)
}

func (s *Server) handlePut(msg krpc.Msg, addr *net.UDPAddr) {
	a := msg.A
	mutable := len(a.K) > 0

	var target krpc.ID
	if mutable {
		if len(a.K) != ed25519.PublicKeySize || len(a.Salt) > maxSaltLen {
			s.sendError(msg.T, addr, krpc.ErrorBadValueSize)
			return
		}
		target = mutableTarget(a.K, a.Salt)
	} else {
		vb, err := bencode.Marshal(a.V)
		if err != nil {
			s.sendError(msg.T, addr, krpc.ErrorMissingArguments)
			return
		}
		if len(vb) > maxValueLen {
			s.sendError(msg.T, addr, krpc.ErrorBadValueSize)
			return
		}
		target = immutableTarget(vb)
	}

	if !s.tokens.Verify(a.Token, target, addr.IP) {
		s.sendError(msg.T, addr, krpc.ErrorBadToken)
		return
	}

	if mutable {
		if a.Seq == nil || len(a.Sig) == 0 {
			s.sendError(msg.T, addr, krpc.ErrorMissingArguments)
			return
		}
		vb, err := bencode.Marshal(a.V)
		if err != nil || len(vb) > maxValueLen {
			s.sendError(msg.T, addr, krpc.ErrorBadValueSize)
			return
		}
		sigData, err := buildSigData(*a.Seq, a.V, a.Salt)
		if err != nil || !ed25519.Verify(ed25519.PublicKey(a.K), sigData, a.Sig) {
			s.sendError(msg.T, addr, krpc.ErrorBadSignature)
			return
		}
		// Reject out-of-order seq at the receiver rather than accepting
		// any seq a writer sends.
		if existing, ok := s.tokens.Values().Get(target); ok && existing.Mutable() && existing.Seq > *a.Seq {
			s.sendError(msg.T, addr, krpc.ErrorLowSeq)
			return
		}
		s.tokens.Values().Put(target, &token.StoredValue{V: a.V, K: a.K, Salt: a.Salt, Sig: a.Sig, Seq: *a.Seq})
	} else {
		s.tokens.Values().Put(target, &token.StoredValue{V: a.V})
	}
	s.sendReply(msg.T, addr, krpc.Return{ID: s.id})
}

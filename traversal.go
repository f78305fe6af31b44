package dht

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dhtnode/dht/krpc"
)

// lookupStep is one resolved outstanding query, read off the traversal's
// promise selector.
type lookupStep struct {
	node NodeDistance
	ret  *krpc.Return
	err  error
}

// lookupResult is the outcome of an iterative closest-node traversal: either
// the first non-nil value a predicate returned, or the fully-drained
// closest-K set together with the write tokens every responder handed back.
type lookupResult struct {
	Found   bool
	Value   interface{}
	Closest []NodeDistance
	Tokens  map[krpc.ID]string
}

func nodeKey(nd NodeDistance) string {
	return string(nd.ID[:]) + nd.Addr.String()
}

// closest is the iterative lookup engine: it maintains a size-K
// closest set, a seen set, and a selector of pending query futures, seeded
// from the routing table's own closest(target, K). For every successful
// response, each returned neighbor not yet seen whose distance to target
// is below the current worst of closest is queried in turn. predicate may be nil, in which
// case the traversal always fully drains.
func (s *Server) closest(
	ctx context.Context,
	target krpc.ID,
	method string,
	args krpc.Args,
	predicate func(ret *krpc.Return, sender NodeDistance) (interface{}, bool),
) *lookupResult {
	ctx, cancel := context.WithCancel(ctx)

	seen := make(map[string]bool)
	tokens := make(map[krpc.ID]string)
	cl := newKClosest(target, s.k)
	resultsCh := make(chan lookupStep)
	pending := 0

	dispatch := func(nd NodeDistance) {
		pending++
		id := nd.ID
		go func() {
			ret, err := s.query(ctx, nd.Addr, &id, method, args)
			select {
			case resultsCh <- lookupStep{node: nd, ret: ret, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	for _, nd := range s.table.Closest(target, s.k) {
		seen[nodeKey(nd)] = true
		cl.Add(nd.ID, nd.Addr)
		dispatch(nd)
	}

	finish := func(found bool, value interface{}) *lookupResult {
		cancel()
		if pending > 0 {
			// Outstanding queries are cancelled but may already have a result
			// in flight; drain them asynchronously so their goroutines never
			// block forever on a send nobody will read.
			n := pending
			go func() {
				for i := 0; i < n; i++ {
					<-resultsCh
				}
			}()
		}
		return &lookupResult{Found: found, Value: value, Closest: cl.Slice(), Tokens: tokens}
	}

	for pending > 0 {
		step := <-resultsCh
		pending--
		if step.err != nil || step.ret == nil {
			// Errors and timeouts are consumed as non-responses.
			continue
		}
		if step.ret.Token != nil {
			tokens[step.node.ID] = *step.ret.Token
		}
		if predicate != nil {
			if value, ok := predicate(step.ret, step.node); ok {
				return finish(true, value)
			}
		}
		cl.Add(step.node.ID, step.node.Addr)
		for _, ni := range step.ret.Nodes {
			nd := NodeDistance{ID: ni.ID, Addr: ni.Addr, Distance: ni.ID.Distance(target)}
			key := nodeKey(nd)
			if seen[key] {
				continue
			}
			if nd.Distance.Less(cl.max()) {
				seen[key] = true
				dispatch(nd)
			}
		}
	}
	return finish(false, nil)
}

// GetPeers runs the iterative lookup engine for target, accumulating
// deduplicated peers from every response's values.
func (s *Server) GetPeers(ctx context.Context, target krpc.ID) ([]krpc.NodeAddr, error) {
	seen := make(map[string]bool)
	var peers []krpc.NodeAddr
	s.closest(ctx, target, "get_peers", krpc.Args{InfoHash: target}, func(ret *krpc.Return, _ NodeDistance) (interface{}, bool) {
		for _, p := range ret.Values {
			k := p.String()
			if !seen[k] {
				seen[k] = true
				peers = append(peers, p)
			}
		}
		return nil, false
	})
	return peers, nil
}

// ErrNoWritableNodes is returned by AnnouncePeer when the collecting lookup
// found no node willing to hand back a write token. PutImmutable and
// PutMutable do not return it; they report success with zero puts sent.
var ErrNoWritableNodes = errors.New("dht: no node returned a write token")

// AnnouncePeer runs a get_peers lookup to collect the K closest nodes that
// returned a write token, then announces port to each, injecting each
// node's own token.
func (s *Server) AnnouncePeer(ctx context.Context, target krpc.ID, port int, impliedPort bool) error {
	res := s.closest(ctx, target, "get_peers", krpc.Args{InfoHash: target}, nil)
	if len(res.Tokens) == 0 {
		return ErrNoWritableNodes
	}
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
			s.query(ctx, nd.Addr, &id, "announce_peer", krpc.Args{
				InfoHash:    target,
				Token:       tok,
				Port:        port,
				ImpliedPort: impliedPort,
			})
		}()
	}
	wg.Wait()
	return nil
}

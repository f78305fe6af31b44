package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo"
	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"

	"github.com/dhtnode/dht/bep42"
	"github.com/dhtnode/dht/krpc"
	"github.com/dhtnode/dht/token"
)

// Server is a DHT node: a UDP socket, a transaction-multiplexed KRPC layer,
// a routing table, and the base/extension query handlers.
type Server struct {
	conn   net.PacketConn
	id     krpc.ID
	k      int
	timeout time.Duration
	logger log.Logger

	table  *Table
	txns   *transactionTable
	tokens *token.Store
	peers  *peerStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	disposed  missinggo.Event
}

// NewServer constructs and starts a Server per cfg. The caller owns binding
// cfg.Conn; pinging the bootstrap nodes happens afterward, via Bootstrap.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Conn == nil {
		return nil, errors.New("dht: ServerConfig.Conn is required")
	}
	id := cfg.ID
	if id.IsZero() {
		id = deriveDefaultID(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:    cfg.Conn,
		id:      id,
		k:       cfg.K,
		timeout: cfg.QueryTimeout,
		logger:  cfg.Logger,
		txns:    newTransactionTable(),
		tokens:  token.NewStore(cfg.TokenCapacity, cfg.TokenTTL),
		peers:   newPeerStore(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.table = NewTable(id, cfg.K, s, cfg.Logger)

	s.wg.Add(4)
	go s.readLoop()
	go s.refreshLoop()
	go func() {
		defer s.wg.Done()
		s.table.runRefreshLoop(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		// disposed is the authoritative disposal signal; propagate it to
		// the context every other goroutine here actually selects on.
		<-s.disposed.C()
		s.cancel()
	}()
	return s, nil
}

// deriveDefaultID picks the node's ID when cfg.ID is zero: a BEP-42 address-
// bound ID if cfg.NodeIDSecure and cfg.Conn's local address resolves to an
// IPv4 address, otherwise a fully random one.
func deriveDefaultID(cfg ServerConfig) krpc.ID {
	if cfg.NodeIDSecure {
		if udpAddr, ok := cfg.Conn.LocalAddr().(*net.UDPAddr); ok {
			if id, _, err := bep42.SecureRandomSalt(udpAddr.IP); err == nil {
				return id
			}
		}
	}
	return krpc.RandomID()
}

// ID returns the node's own identifier.
func (s *Server) ID() krpc.ID { return s.id }

// Table exposes the node's routing table.
func (s *Server) Table() *Table { return s.table }

// Close tears the node down: cancels all outstanding transactions with the
// disposing sentinel, stops background timers, and closes the socket.
// Ongoing eviction pings may still take up to pingDeadline to unwind, a
// documented limitation.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.disposed.Set()
		s.txns.drain()
		s.table.Close()
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 8192)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.disposed.C():
				return
			default:
			}
			log.Fmsg("socket read error: %v", err).Log(s.logger)
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleDatagram(data, udpAddr)
		}()
	}
}

func (s *Server) refreshLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.disposed.C():
			return
		case target, ok := <-s.table.Refresh():
			if !ok {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
				defer cancel()
				s.FindNode(ctx, target)
			}()
		}
	}
}

// handleDatagram decodes and dispatches one inbound packet. Anything that
// fails to parse, lacks t/y, or carries an unrecognized y is silently
// dropped.
func (s *Server) handleDatagram(b []byte, addr *net.UDPAddr) {
	var msg krpc.Msg
	if err := bencode.Unmarshal(b, &msg); err != nil {
		log.Fmsg("dropping unparseable datagram from %v: %v", addr, err).Log(s.logger)
		return
	}
	if msg.T == "" || msg.Y == "" {
		return
	}
	switch msg.Y {
	case "q":
		s.handleQuery(msg, addr)
	case "r":
		s.handleReply(msg, addr)
	case "e":
		s.handleError(msg, addr)
	}
}

func (s *Server) handleReply(msg krpc.Msg, addr *net.UDPAddr) {
	tr, ok := s.txns.get(msg.T)
	if !ok {
		log.Fmsg("reply to unknown transaction from %v", addr).Log(s.logger)
		return
	}
	s.txns.remove(msg.T)
	if msg.R == nil {
		tr.resolve(queryResult{Timeout: false, RErr: &krpc.Error{Code: krpc.ErrorCodeProtocolError, Msg: "missing r"}})
		return
	}
	s.table.RecordResponse(msg.R.ID, krpc.NodeAddrFromUDP(addr))
	tr.resolve(queryResult{Reply: &msg})
}

func (s *Server) handleError(msg krpc.Msg, addr *net.UDPAddr) {
	tr, ok := s.txns.get(msg.T)
	if !ok {
		return
	}
	s.txns.remove(msg.T)
	e := msg.E
	if e == nil {
		e = &krpc.Error{Code: krpc.ErrorCodeGenericError, Msg: "unspecified"}
	}
	tr.resolve(queryResult{RErr: e})
}

func (s *Server) handleQuery(msg krpc.Msg, addr *net.UDPAddr) {
	if msg.A == nil {
		s.sendError(msg.T, addr, krpc.ErrorMissingArguments)
		return
	}
	s.table.RecordQuery(msg.A.ID, krpc.NodeAddrFromUDP(addr))
	switch msg.Q {
	case "ping":
		s.sendReply(msg.T, addr, krpc.Return{ID: s.id})
	case "find_node":
		s.sendReply(msg.T, addr, krpc.Return{ID: s.id, Nodes: s.closestCompact(msg.A.Target)})
	case "get_peers":
		s.handleGetPeers(msg, addr)
	case "announce_peer":
		s.handleAnnouncePeer(msg, addr)
	case "get":
		s.handleGet(msg, addr)
	case "put":
		s.handlePut(msg, addr)
	default:
		s.sendError(msg.T, addr, krpc.ErrorMethodUnknown)
	}
}

func (s *Server) handleGetPeers(msg krpc.Msg, addr *net.UDPAddr) {
	tok := s.tokens.Issue(msg.A.InfoHash, addr.IP)
	ret := krpc.Return{ID: s.id, Token: &tok, Nodes: s.closestCompact(msg.A.InfoHash)}
	if vs := s.peers.Get(msg.A.InfoHash); len(vs) > 0 {
		ret.Values = vs
	}
	s.sendReply(msg.T, addr, ret)
}

func (s *Server) handleAnnouncePeer(msg krpc.Msg, addr *net.UDPAddr) {
	if !s.tokens.Verify(msg.A.Token, msg.A.InfoHash, addr.IP) {
		s.sendError(msg.T, addr, krpc.ErrorBadToken)
		return
	}
	port := msg.A.Port
	if msg.A.ImpliedPort {
		port = addr.Port
	}
	s.peers.Add(msg.A.InfoHash, krpc.NodeAddr{IP: addr.IP.To4(), Port: port})
	s.sendReply(msg.T, addr, krpc.Return{ID: s.id})
}

func (s *Server) closestCompact(target krpc.ID) krpc.CompactIPv4NodeInfo {
	nds := s.table.Closest(target, s.k)
	out := make(krpc.CompactIPv4NodeInfo, len(nds))
	for i, nd := range nds {
		out[i] = krpc.NodeInfo{ID: nd.ID, Addr: nd.Addr}
	}
	return out
}

func (s *Server) sendReply(t string, addr *net.UDPAddr, r krpc.Return) {
	r.ID = s.id
	requesterIP := krpc.NodeAddrFromUDP(addr)
	b, err := bencode.Marshal(krpc.Msg{T: t, Y: "r", R: &r, IP: &requesterIP})
	if err != nil {
		log.Fmsg("marshal reply: %v", err).Log(s.logger)
		return
	}
	if _, err := s.conn.WriteTo(b, addr); err != nil {
		log.Fmsg("write reply to %v: %v", addr, err).Log(s.logger)
	}
}

func (s *Server) sendError(t string, addr *net.UDPAddr, e krpc.Error) {
	b, err := bencode.Marshal(krpc.Msg{T: t, Y: "e", E: &e})
	if err != nil {
		log.Fmsg("marshal error reply: %v", err).Log(s.logger)
		return
	}
	if _, err := s.conn.WriteTo(b, addr); err != nil {
		log.Fmsg("write error reply to %v: %v", addr, err).Log(s.logger)
	}
}

// query sends a single outbound KRPC query and waits for its resolution:
// response, remote error, timeout, or context cancellation. targetID,
// if non-nil, is used to record a failure (a timeout or an error reply)
// against the routing table (the contact must already be known to the
// caller in that case).
func (s *Server) query(ctx context.Context, peer krpc.NodeAddr, targetID *krpc.ID, method string, args krpc.Args) (*krpc.Return, error) {
	if s.disposed.IsSet() {
		return nil, ErrDisposing
	}
	args.ID = s.id
	tid := s.txns.newID()
	b, err := bencode.Marshal(krpc.Msg{T: tid, Y: "q", Q: method, A: &args})
	if err != nil {
		return nil, errors.Wrap(err, "marshal query")
	}
	tr := newTransaction(tid, peer)
	s.txns.add(tr)

	if _, err := s.conn.WriteTo(b, peer.UDP()); err != nil {
		s.txns.remove(tid)
		return nil, errors.Wrap(err, "write query")
	}

	var timeoutC <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res := <-tr.result:
		if res.RErr != nil {
			if targetID != nil {
				s.table.RecordNoResponse(*targetID)
			}
			return nil, *res.RErr
		}
		return res.Reply.R, nil
	case <-timeoutC:
		s.txns.remove(tid)
		if targetID != nil {
			s.table.RecordNoResponse(*targetID)
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		s.txns.remove(tid)
		return nil, ctx.Err()
	case <-s.disposed.C():
		s.txns.remove(tid)
		return nil, ErrDisposing
	}
}

// ErrTimeout is returned by Query/Ping/etc. when a transaction's deadline
// elapses without a response.
var ErrTimeout = errors.New("dht: query timeout exceeded")

// Ping sends a single ping query to peer.
func (s *Server) Ping(ctx context.Context, peer krpc.NodeAddr) (krpc.ID, error) {
	r, err := s.query(ctx, peer, nil, "ping", krpc.Args{})
	if err != nil {
		return krpc.ID{}, err
	}
	return r.ID, nil
}

// Probe implements PingProber for the routing table's eviction policy: it
// issues a real ping and reports only liveness.
func (s *Server) Probe(ctx context.Context, addr krpc.NodeAddr) bool {
	_, err := s.Ping(ctx, addr)
	return err == nil
}

// FindNode performs an iterative lookup for target, populating the routing
// table along the way, and returns the K closest nodes found.
func (s *Server) FindNode(ctx context.Context, target krpc.ID) ([]NodeDistance, error) {
	res := s.closest(ctx, target, "find_node", krpc.Args{Target: target}, nil)
	return res.Closest, nil
}

// ClosestNodes returns the n closest known contacts to id without any
// network traffic.
func (s *Server) ClosestNodes(id krpc.ID, n int) []NodeDistance {
	return s.table.Closest(id, n)
}

// Bootstrap pings each of nodes and then issues find_node(self.id) to
// populate the node's own neighborhood.
func (s *Server) Bootstrap(ctx context.Context, nodes []krpc.NodeAddr) error {
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Ping(ctx, n)
		}()
	}
	wg.Wait()
	_, err := s.FindNode(ctx, s.id)
	return err
}

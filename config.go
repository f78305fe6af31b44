package dht

import (
	"net"
	"reflect"
	"time"

	"github.com/anacrolix/log"

	"github.com/dhtnode/dht/krpc"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// ID is the node's own 160-bit identifier. If zero, an ID is generated
	// at construction: securely derived from cfg.Conn's local IPv4 address
	// per BEP 42 if NodeIDSecure is set, otherwise fully random.
	ID krpc.ID

	// NodeIDSecure derives a default ID bound to cfg.Conn's address (BEP 42)
	// instead of a fully random one, raising the cost of routing-table
	// poisoning by Sybils claiming arbitrary IDs. Ignored if ID is set.
	NodeIDSecure bool

	// Conn is the UDP socket the server reads and writes on. Required:
	// binding it is the caller's responsibility.
	Conn net.PacketConn

	// K is the routing table's bucket capacity; DefaultK (8) if zero.
	K int

	// QueryTimeout is the per-transaction timeout; defaultQueryTimeout (2s)
	// if zero is not passed explicitly via NoQueryTimeout.
	QueryTimeout time.Duration
	// NoQueryTimeout disables the per-transaction timeout entirely.
	NoQueryTimeout bool

	// TokenCapacity/TokenTTL size the BEP-44 value cache; defaults
	// 500 entries / 2 hours.
	TokenCapacity int
	TokenTTL      time.Duration

	Logger log.Logger
}

const (
	defaultTokenCapacity = 500
	defaultTokenTTL      = 2 * time.Hour
)

func (c ServerConfig) withDefaults() ServerConfig {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.QueryTimeout == 0 && !c.NoQueryTimeout {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.NoQueryTimeout {
		c.QueryTimeout = 0
	}
	if c.TokenCapacity <= 0 {
		c.TokenCapacity = defaultTokenCapacity
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if reflect.DeepEqual(c.Logger, log.Logger{}) {
		c.Logger = log.Default
	}
	return c
}

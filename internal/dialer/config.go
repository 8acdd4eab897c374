package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// DNSServer, if set, is a host:port queried for A/AAAA records in place
	// of the system resolver.
	DNSServer string
}

package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	cfg      Config
	resolver *dnsResolver
}

// NewDirectDialer returns a Dialer that connects straight to its target.
func NewDirectDialer(cfg Config) Dialer {
	d := &directDialer{cfg: cfg}
	if cfg.DNSServer != "" {
		d.resolver = newDNSResolver(cfg.DNSServer, cfg.DialTimeout)
	}
	return d
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	target := address
	if d.resolver != nil {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
		}
		if net.ParseIP(host) == nil {
			ip, err := d.resolver.Resolve(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
			}
			target = net.JoinHostPort(ip.String(), port)
		}
	}

	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}
	conn, err := nd.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}

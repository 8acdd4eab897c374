package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

var errNoRecords = errors.New("no A or AAAA records")

// dnsResolver looks names up against a single DNS server. A records are
// preferred over AAAA.
type dnsResolver struct {
	server string
	client *dns.Client
}

func newDNSResolver(server string, timeout time.Duration) *dnsResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &dnsResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (r *dnsResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.lookup(ctx, host, qtype)
		if err == nil {
			return ip, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("resolve %s via %s: %w", host, r.server, lastErr)
}

func (r *dnsResolver) lookup(ctx context.Context, host string, qtype uint16) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s lookup: %s", dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}

	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			return rr.A, nil
		case *dns.AAAA:
			return rr.AAAA, nil
		}
	}
	return nil, errNoRecords
}

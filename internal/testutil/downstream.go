package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/ssrelay/internal/socks5"
)

// StartSOCKS5Relay starts a no-auth SOCKS5 server that accepts one CONNECT,
// dials the requested address, and pipes bytes both ways. It stands in for
// the downstream relay.
func StartSOCKS5Relay(t *testing.T, ctx context.Context) (net.Listener, func()) {
	t.Helper()

	return StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_ = ServeSOCKS5Connect(ctx, c, socks5.Auth{})
	})
}

// ServeSOCKS5Connect handles one SOCKS5 CONNECT on c and relays until either
// side closes.
func ServeSOCKS5Connect(ctx context.Context, c net.Conn, auth socks5.Auth) error {
	if err := socks5.ServerNegotiate(c, auth); err != nil {
		return err
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return err
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = socks5.WriteConnectionRefusedReply(c)
		return err
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return err
	}

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := io.Copy(dst, c)
		_ = dst.Close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(c, dst)
		_ = c.Close()
		return err
	})
	return g.Wait()
}

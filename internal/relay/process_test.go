package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/ssrelay/internal/socks5"
)

const testTimeout = 5 * time.Second

// xorTransform is a stateless stand-in for a stream cipher.
type xorTransform struct{}

func (xorTransform) Encrypt(p []byte) []byte { return xorBytes(p) }
func (xorTransform) Decrypt(p []byte) []byte { return xorBytes(p) }

func xorBytes(p []byte) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5a
	}
	return out
}

// pipeDialer hands the process one end of a net.Pipe and the test the other.
type pipeDialer struct {
	gate  chan struct{}
	peers chan net.Conn
	err   error
	dials atomic.Int32
	addrs chan string
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		peers: make(chan net.Conn, 1),
		addrs: make(chan string, 1),
	}
}

func (d *pipeDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.dials.Add(1)
	d.addrs <- address
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.peers <- remote
	return local, nil
}

func (d *pipeDialer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.peers:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for downstream dial")
		return nil
	}
}

func startProcess(t *testing.T, ctx context.Context, d Dialer, hooks Hooks) (*Process, net.Conn, <-chan error) {
	t.Helper()

	client, peer := net.Pipe()
	p := New(Config{
		Host:      "relay.test",
		Port:      1080,
		Client:    client,
		Transform: xorTransform{},
		Dialer:    d,
		Hooks:     hooks,
	})

	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = peer.Close()
		_ = p.Close()
	})
	return p, peer, done
}

func domainHeader(host string, port int) []byte {
	b := []byte{0x03, byte(len(host))}
	b = append(b, host...)
	return append(b, byte(port>>8), byte(port))
}

func sendClient(t *testing.T, c net.Conn, plain []byte) {
	t.Helper()
	writeAll(t, c, xorBytes(plain))
}

func writeAll(t *testing.T, c net.Conn, b []byte) {
	t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(testTimeout))
	if _, err := c.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readExact(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(testTimeout))
	b := make([]byte, n)
	if _, err := io.ReadFull(c, b); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return b
}

func expectBytes(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("%s = % x, want % x", what, got, want)
	}
}

// expectClosed asserts c reaches EOF without delivering any more bytes.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(testTimeout))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read until close: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("got % x after teardown, want nothing", b)
	}
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// ackGreeting reads the greeting the process sends and accepts no-auth.
func ackGreeting(t *testing.T, down net.Conn) {
	t.Helper()
	expectBytes(t, "greeting", readExact(t, down, 3), socks5.Greeting())
	writeAll(t, down, []byte{0x05, 0x00})
}

var successReply = []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}

func TestHandshakeForwardsInOrder(t *testing.T) {
	d := newPipeDialer()
	d.gate = make(chan struct{})

	clientData := make(chan []byte, 8)
	handshook := make(chan struct{})
	var (
		p                    *Process
		firstTraffic, closes atomic.Int32
		firstTrafficStage    atomic.Int32
	)
	hooks := Hooks{
		ClientData:        func(b []byte) { clientData <- bytes.Clone(b) },
		HandshakeComplete: func() { close(handshook) },
		FirstTraffic: func(time.Duration) {
			firstTraffic.Add(1)
			firstTrafficStage.Store(int32(p.Stage()))
		},
		Close: func() { closes.Add(1) },
	}

	p, peer, done := startProcess(t, t.Context(), d, hooks)
	header := domainHeader("example.com", 80)

	sendClient(t, peer, header)
	sendClient(t, peer, []byte("GET"))
	expectBytes(t, "first client data", <-clientData, append(socks5.Greeting(), header...))
	expectBytes(t, "second client data", <-clientData, []byte("GET"))

	if got := <-d.addrs; got != "relay.test:1080" {
		t.Errorf("dialed %q, want relay.test:1080", got)
	}
	if p.RemoteAddr() != "example.com" || p.RemotePort() != 80 {
		t.Errorf("target = %s:%d, want example.com:80", p.RemoteAddr(), p.RemotePort())
	}
	if p.DownstreamConn() != nil {
		t.Error("downstream connection set before dial completed")
	}

	close(d.gate)
	down := d.accept(t)
	ackGreeting(t, down)

	expectBytes(t, "connect request", readExact(t, down, 3+len(header)), append(socks5.Greeting(), header...))
	if got := p.Stage(); got != StageAwaitingConnectReply {
		t.Errorf("stage = %v, want %v", got, StageAwaitingConnectReply)
	}

	writeAll(t, down, successReply)
	expectBytes(t, "pending payload", readExact(t, down, 3), []byte("GET"))
	waitSignal(t, handshook, "handshake")
	if got := p.Stage(); got != StageForwarding {
		t.Errorf("stage = %v, want %v", got, StageForwarding)
	}

	sendClient(t, peer, []byte("more"))
	expectBytes(t, "forwarded payload", readExact(t, down, 4), []byte("more"))
	if got := firstTraffic.Load(); got != 0 {
		t.Fatalf("FirstTraffic fired %d times before any downstream payload", got)
	}

	for _, msg := range []string{"hello", "again"} {
		writeAll(t, down, []byte(msg))
		expectBytes(t, "client payload", xorBytes(readExact(t, peer, len(msg))), []byte(msg))
	}

	_ = peer.Close()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if got := firstTraffic.Load(); got != 1 {
		t.Errorf("FirstTraffic fired %d times, want 1", got)
	}
	if got := Stage(firstTrafficStage.Load()); got != StageForwarding {
		t.Errorf("FirstTraffic fired in stage %v, want %v", got, StageForwarding)
	}
	if got := closes.Load(); got != 1 {
		t.Errorf("Close fired %d times, want 1", got)
	}
	if got := d.dials.Load(); got != 1 {
		t.Errorf("dialed %d times, want 1", got)
	}
}

func TestConnectRejected(t *testing.T) {
	d := newPipeDialer()

	var errs atomic.Int32
	var hookErr error
	hooks := Hooks{
		Error: func(err error) {
			errs.Add(1)
			hookErr = err
		},
		HandshakeComplete: func() { t.Error("handshake completed on a refused connect") },
	}

	_, peer, done := startProcess(t, t.Context(), d, hooks)
	header := domainHeader("example.com", 443)
	sendClient(t, peer, append(header, "GET"...))

	down := d.accept(t)
	ackGreeting(t, down)
	readExact(t, down, 3+len(header))
	writeAll(t, down, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	// The pending payload must never reach the relay.
	expectClosed(t, down)
	expectClosed(t, peer)

	err := waitRun(t, done)
	if !errors.Is(err, ErrHandshake) || !errors.Is(err, socks5.ErrConnectFailed) {
		t.Fatalf("Run = %v, want handshake error", err)
	}
	if got := ErrorKind(err); got != "handshake" {
		t.Errorf("ErrorKind = %q, want handshake", got)
	}
	if errs.Load() != 1 || hookErr != err {
		t.Errorf("Error hook fired %d times with %v", errs.Load(), hookErr)
	}
}

func TestAddressRejected(t *testing.T) {
	tests := []struct {
		name  string
		first []byte
	}{
		{name: "unknown type", first: []byte{0x09, 1, 2, 3, 4, 0, 80}},
		{name: "truncated ipv4", first: []byte{0x01, 10, 0}},
		{name: "zero port", first: []byte{0x01, 10, 0, 0, 1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newPipeDialer()
			_, peer, done := startProcess(t, t.Context(), d, Hooks{})

			sendClient(t, peer, tt.first)
			expectClosed(t, peer)

			if err := waitRun(t, done); !errors.Is(err, ErrAddress) {
				t.Fatalf("Run = %v, want address error", err)
			}
			if got := d.dials.Load(); got != 0 {
				t.Errorf("dialed %d times, want 0", got)
			}
		})
	}
}

func TestBadDownstreamReplies(t *testing.T) {
	tests := []struct {
		name     string
		greeting []byte
		connect  []byte
		want     error
	}{
		{name: "auth required", greeting: []byte{0x05, 0x02}, want: ErrProtocol},
		{name: "wrong version", greeting: []byte{0x04, 0x00}, want: ErrProtocol},
		{name: "long greeting reply", greeting: []byte{0x05, 0x00, 0x00}, want: ErrProtocol},
		{name: "unknown reply address type", greeting: []byte{0x05, 0x00}, connect: []byte{0x05, 0x00, 0x00, 0x09, 0, 0}, want: ErrProtocol},
		{name: "host unreachable", greeting: []byte{0x05, 0x00}, connect: []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, want: ErrHandshake},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newPipeDialer()
			_, peer, done := startProcess(t, t.Context(), d, Hooks{})
			header := domainHeader("example.org", 80)
			sendClient(t, peer, header)

			down := d.accept(t)
			readExact(t, down, 3)
			writeAll(t, down, tt.greeting)
			if tt.connect != nil {
				readExact(t, down, 3+len(header))
				writeAll(t, down, tt.connect)
			}

			if err := waitRun(t, done); !errors.Is(err, tt.want) {
				t.Fatalf("Run = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDialError(t *testing.T) {
	d := newPipeDialer()
	d.err = errors.New("connection refused")

	_, peer, done := startProcess(t, t.Context(), d, Hooks{})
	sendClient(t, peer, domainHeader("example.com", 80))

	err := waitRun(t, done)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, d.err) {
		t.Fatalf("Run = %v, want transport error wrapping %v", err, d.err)
	}
}

func TestReplyTrailingBytes(t *testing.T) {
	tests := []struct {
		name   string
		writes [][]byte
		want   string
	}{
		{
			name:   "payload after reply",
			writes: [][]byte{append(bytes.Clone(successReply), "hi"...)},
			want:   "hi",
		},
		{
			name:   "split reply",
			writes: [][]byte{successReply[:4], append(bytes.Clone(successReply[4:]), "yo"...)},
			want:   "yo",
		},
		{
			name:   "one byte reply head",
			writes: [][]byte{successReply[:1], append(bytes.Clone(successReply[1:]), "hi"...)},
			want:   "hi",
		},
		{
			name:   "status only reply head",
			writes: [][]byte{successReply[:2], append(bytes.Clone(successReply[2:]), "hi"...)},
			want:   "hi",
		},
		{
			name:   "reply trickled bytewise",
			writes: [][]byte{successReply[:1], successReply[1:2], successReply[2:3], successReply[3:5], []byte("\x00\x00\x00\x00\x00ok")},
			want:   "ok",
		},
		{
			name: "domain reply split before length",
			writes: [][]byte{
				{0x05, 0x00, 0x00, 0x03},
				append([]byte{4}, "host\x00\x50ok"...),
			},
			want: "ok",
		},
		{
			name: "domain reply",
			writes: [][]byte{
				append([]byte{0x05, 0x00, 0x00, 0x03, 4}, "host\x00\x50ok"...),
			},
			want: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newPipeDialer()
			_, peer, done := startProcess(t, t.Context(), d, Hooks{})
			header := domainHeader("example.com", 80)
			sendClient(t, peer, header)

			down := d.accept(t)
			ackGreeting(t, down)
			readExact(t, down, 3+len(header))
			for _, w := range tt.writes {
				writeAll(t, down, w)
			}

			expectBytes(t, "client payload", xorBytes(readExact(t, peer, len(tt.want))), []byte(tt.want))

			_ = down.Close()
			if err := waitRun(t, done); err != nil {
				t.Fatalf("Run = %v, want nil", err)
			}
		})
	}
}

func TestCloseFromDownstreamDataHook(t *testing.T) {
	d := newPipeDialer()

	var p *Process
	var closes atomic.Int32
	hooks := Hooks{
		DownstreamData: func([]byte) { _ = p.Close() },
		Close:          func() { closes.Add(1) },
	}

	p, peer, done := startProcess(t, t.Context(), d, hooks)
	header := domainHeader("example.com", 80)
	sendClient(t, peer, header)

	down := d.accept(t)
	ackGreeting(t, down)
	readExact(t, down, 3+len(header))
	writeAll(t, down, successReply)
	_, _ = down.Write([]byte("secret"))

	expectClosed(t, peer)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if got := closes.Load(); got != 1 {
		t.Errorf("Close fired %d times, want 1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	p, peer, done := startProcess(t, t.Context(), newPipeDialer(), Hooks{
		Close: func() { closes.Add(1) },
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Close()
		}()
	}
	wg.Wait()

	expectClosed(t, peer)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	_ = p.Close()
	if got := closes.Load(); got != 1 {
		t.Errorf("Close fired %d times, want 1", got)
	}
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	closed := make(chan struct{})
	_, peer, done := startProcess(t, ctx, newPipeDialer(), Hooks{
		Close: func() { close(closed) },
	})

	cancel()
	expectClosed(t, peer)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	waitSignal(t, closed, "Close hook")
}

func TestRunTwice(t *testing.T) {
	p, _, done := startProcess(t, t.Context(), newPipeDialer(), Hooks{})
	_ = p.Close()
	_ = waitRun(t, done)

	if err := p.Run(t.Context()); err == nil {
		t.Fatal("second Run succeeded")
	}
}

func TestCloseHookAfterSocketsClosed(t *testing.T) {
	d := newPipeDialer()

	var p *Process
	closeErrs := make(chan [2]error, 1)
	hooks := Hooks{
		Close: func() {
			// SetDeadline on a net.Pipe end fails once that end is closed.
			closeErrs <- [2]error{
				p.ClientConn().SetDeadline(time.Time{}),
				p.DownstreamConn().SetDeadline(time.Time{}),
			}
		},
	}

	p, peer, done := startProcess(t, t.Context(), d, hooks)
	header := domainHeader("example.com", 80)
	sendClient(t, peer, header)

	down := d.accept(t)
	ackGreeting(t, down)
	readExact(t, down, 3+len(header))
	writeAll(t, down, successReply)
	waitForStage(t, p, StageForwarding)

	// Close from outside the event loop, as a watchdog would.
	go func() { _ = p.Close() }()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	errs := <-closeErrs
	for i, err := range errs {
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("connection %d still open when Close fired: %v", i, err)
		}
	}
}

func waitForStage(t *testing.T, p *Process, want Stage) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for p.Stage() != want {
		if time.Now().After(deadline) {
			t.Fatalf("stage = %v, want %v", p.Stage(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

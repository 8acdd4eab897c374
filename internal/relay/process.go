package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/ssrelay/internal/socks5"
)

// Transform is the client-facing crypto boundary. Encrypt applies to bytes
// sent to the client and Decrypt to bytes received from it, each in stream
// order. Results must not alias the input.
type Transform interface {
	Encrypt(p []byte) []byte
	Decrypt(p []byte) []byte
}

// Dialer opens the downstream connection.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// AddrParser decodes the destination header at the start of the first
// decrypted client packet.
type AddrParser func(b []byte) (socks5.Addr, error)

// Target is the destination a client asked for.
type Target = socks5.Addr

type Config struct {
	// Host and Port locate the downstream SOCKS5 relay. They are not the
	// client's requested destination.
	Host string
	Port int

	Client    net.Conn
	Transform Transform

	// Dialer defaults to a zero net.Dialer.
	Dialer Dialer
	// ParseAddr defaults to socks5.ParseAddr.
	ParseAddr AddrParser

	Hooks Hooks
}

type side int

const (
	clientSide side = iota
	downstreamSide
)

func (s side) String() string {
	if s == clientSide {
		return "client"
	}
	return "downstream"
}

type event struct {
	side side
	data []byte
	buf  *[]byte
	err  error

	dialed bool
	conn   net.Conn
}

// Process relays one client connection. Create it with New and drive it with
// Run.
type Process struct {
	addr      string
	client    net.Conn
	transform Transform
	dialer    Dialer
	parseAddr AddrParser
	created   time.Time

	events     chan event
	stop       chan struct{}
	terminated atomic.Bool
	running    atomic.Bool
	stage      atomic.Int32

	mu         sync.Mutex
	downstream net.Conn
	target     Target
	hasTarget  bool
	err        error

	// Owned by the Run goroutine.
	hooks       Hooks
	pending     pendingBuffer
	trafficSeen bool
	replyBuf    []byte
	replySkip   int
	dialCtx     context.Context
}

// New returns a Process for cfg.Client. It does no I/O until Run.
func New(cfg Config) *Process {
	if cfg.Client == nil || cfg.Transform == nil {
		panic("relay: Config needs Client and Transform")
	}

	p := &Process{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		client:    cfg.Client,
		transform: cfg.Transform,
		dialer:    cfg.Dialer,
		parseAddr: cfg.ParseAddr,
		hooks:     cfg.Hooks,
		created:   time.Now(),
		events:    make(chan event),
		stop:      make(chan struct{}),
	}
	if p.dialer == nil {
		p.dialer = &net.Dialer{}
	}
	if p.parseAddr == nil {
		p.parseAddr = socks5.ParseAddr
	}
	return p
}

// Run processes socket events until the process is torn down, then fires
// the Close hook and returns the error that caused teardown, or nil for a
// clean close. Canceling ctx tears the process down. Run must be called
// once.
func (p *Process) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("relay: Run called more than once")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = p.Close()
	})
	defer stop()

	var cancel context.CancelFunc
	p.dialCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	go p.read(p.client, clientSide)

	for {
		select {
		case <-p.stop:
			p.finish()
			return p.Err()
		case ev := <-p.events:
			p.handle(ev)
		}
	}
}

// Close tears the process down: both connections are closed and Run
// returns. It is safe to call from any goroutine, including from a hook, and
// any number of times.
func (p *Process) Close() error {
	p.shutdown()
	return nil
}

// Stage returns the current handshake stage.
func (p *Process) Stage() Stage {
	return Stage(p.stage.Load())
}

// Target returns the destination parsed from the first client packet. ok
// is false until that packet has been parsed.
func (p *Process) Target() (t Target, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target, p.hasTarget
}

// RemoteAddr returns the requested destination host, or "" before it is
// known.
func (p *Process) RemoteAddr() string {
	t, _ := p.Target()
	return t.Host
}

// RemotePort returns the requested destination port, or 0 before it is
// known.
func (p *Process) RemotePort() int {
	t, _ := p.Target()
	return t.Port
}

// ClientConn returns the client connection.
func (p *Process) ClientConn() net.Conn {
	return p.client
}

// DownstreamConn returns the downstream connection, or nil before the dial
// completes.
func (p *Process) DownstreamConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downstream
}

// Created returns when the process was constructed.
func (p *Process) Created() time.Time {
	return p.created
}

// Err returns the error that tore the process down, if any.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) handle(ev event) {
	defer putBuffer(ev.buf)

	if p.terminated.Load() {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	switch {
	case ev.dialed:
		p.onDialed(ev.conn, ev.err)
	case ev.err != nil:
		p.onReadError(ev.side, ev.err)
	case ev.side == clientSide:
		p.onClientData(ev.data)
	default:
		p.onDownstreamData(ev.data)
	}
}

func (p *Process) onClientData(b []byte) {
	data := p.transform.Decrypt(b)
	if len(data) == 0 {
		return
	}

	if !p.hasTarget {
		t, err := p.parseAddr(data)
		if err != nil {
			p.fail(fmt.Errorf("%w: %w", ErrAddress, err))
			return
		}
		p.mu.Lock()
		p.target, p.hasTarget = t, true
		p.mu.Unlock()

		// The greeting doubles as VER CMD RSV, turning the address header
		// into a complete CONNECT request.
		data = append(socks5.Greeting(), data...)
		p.dial()
	}

	if p.hooks.ClientData != nil {
		p.hooks.ClientData(data)
		if p.terminated.Load() {
			return
		}
	}

	if p.Stage() == StageForwarding {
		p.writeDownstream(data)
		return
	}
	p.pending.append(data)
}

func (p *Process) dial() {
	go func() {
		conn, err := p.dialer.DialContext(p.dialCtx, "tcp", p.addr)
		p.deliver(event{side: downstreamSide, dialed: true, conn: conn, err: err})
	}()
}

func (p *Process) onDialed(conn net.Conn, err error) {
	if err != nil {
		p.fail(fmt.Errorf("%w: dial downstream %s: %w", ErrTransport, p.addr, err))
		return
	}

	p.mu.Lock()
	if p.terminated.Load() {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.downstream = conn
	p.mu.Unlock()

	go p.read(conn, downstreamSide)
	p.writeDownstream(socks5.Greeting())
}

func (p *Process) onDownstreamData(b []byte) {
	switch p.Stage() {
	case StageAwaitingGreetingAck:
		if err := socks5.CheckGreetingReply(b); err != nil {
			p.fail(fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		frame := p.pending.take(len(socks5.Greeting()) + p.target.Len())
		p.stage.Store(int32(StageAwaitingConnectReply))
		p.writeDownstream(frame)

	case StageAwaitingConnectReply:
		reply := b
		if p.replyBuf != nil {
			reply = append(p.replyBuf, b...)
			p.replyBuf = nil
		}

		// Hold a reply head until both its status and its length are known.
		if len(reply) < 2 {
			p.replyBuf = bytes.Clone(reply)
			return
		}
		if err := socks5.CheckConnectReply(reply); err != nil {
			p.fail(fmt.Errorf("%w: %w", ErrHandshake, err))
			return
		}
		n, err := socks5.ReplySize(reply)
		if errors.Is(err, socks5.ErrShortReply) {
			p.replyBuf = bytes.Clone(reply)
			return
		}
		if err != nil {
			p.fail(fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}

		// Anything past the reply is already payload. The rest of a reply
		// split across reads is dropped from the reads that follow.
		var extra []byte
		if n > len(reply) {
			p.replySkip = n - len(reply)
		} else {
			extra = reply[n:]
		}

		rest, _ := p.pending.release()
		p.stage.Store(int32(StageForwarding))
		if len(rest) > 0 && !p.writeDownstream(rest) {
			return
		}
		if p.hooks.HandshakeComplete != nil {
			p.hooks.HandshakeComplete()
		}
		if len(extra) > 0 && !p.terminated.Load() {
			p.forward(extra)
		}

	case StageForwarding:
		if p.replySkip > 0 {
			n := min(p.replySkip, len(b))
			p.replySkip -= n
			b = b[n:]
			if len(b) == 0 {
				return
			}
		}
		p.forward(b)
	}
}

// forward sends downstream payload to the client.
func (p *Process) forward(b []byte) {
	if !p.trafficSeen {
		p.trafficSeen = true
		if p.hooks.FirstTraffic != nil {
			p.hooks.FirstTraffic(time.Since(p.created))
		}
	}

	if p.hooks.DownstreamData != nil {
		p.hooks.DownstreamData(b)
		if p.terminated.Load() {
			return
		}
	}

	if _, err := p.client.Write(p.transform.Encrypt(b)); err != nil {
		p.fail(fmt.Errorf("%w: client write: %w", ErrTransport, err))
	}
}

func (p *Process) writeDownstream(b []byte) bool {
	if _, err := p.downstream.Write(b); err != nil {
		p.fail(fmt.Errorf("%w: downstream write: %w", ErrTransport, err))
		return false
	}
	return true
}

func (p *Process) onReadError(s side, err error) {
	if errors.Is(err, io.EOF) {
		p.shutdown()
		return
	}
	p.fail(fmt.Errorf("%w: %s read: %w", ErrTransport, s, err))
}

// fail records err, reports it, and tears down. Errors that surface after
// teardown started are side effects of closing and are dropped.
func (p *Process) fail(err error) {
	if p.terminated.Load() {
		return
	}

	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()

	if p.hooks.Error != nil {
		p.hooks.Error(err)
	}
	p.shutdown()
}

func (p *Process) shutdown() {
	if !p.terminated.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	downstream := p.downstream
	p.mu.Unlock()

	// Either side may already be gone.
	_ = p.client.Close()
	if downstream != nil {
		_ = downstream.Close()
	}

	// Run fires the Close hook once stop is closed, so the sockets go first.
	close(p.stop)
}

// finish runs on the Run goroutine once the process is terminated.
func (p *Process) finish() {
	_, _ = p.pending.release()

	hooks := p.hooks
	p.hooks = Hooks{}
	if hooks.Close != nil {
		hooks.Close()
	}
}

func (p *Process) read(c net.Conn, s side) {
	for {
		buf := getBuffer()
		n, err := c.Read(*buf)
		if n > 0 {
			if !p.deliver(event{side: s, data: (*buf)[:n], buf: buf}) {
				return
			}
		} else {
			putBuffer(buf)
		}
		if err != nil {
			p.deliver(event{side: s, err: err})
			return
		}
	}
}

// deliver hands ev to the Run goroutine. It reports false, and disposes of
// ev's resources, if the process has stopped.
func (p *Process) deliver(ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.stop:
		putBuffer(ev.buf)
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return false
	}
}

package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/die-net/ssrelay/internal/relay"
)

// Server accepts encrypted client connections and relays each one through
// the downstream SOCKS5 relay.
type Server struct {
	ctx context.Context
	cfg Config
	wg  sync.WaitGroup
}

// NewServer returns a Server. Connections are torn down when ctx is done.
// A nil Metrics or Tracker gets a private one.
func NewServer(ctx context.Context, cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker()
	}
	return &Server{ctx: ctx, cfg: cfg}
}

// Serve accepts connections until ln is closed. Closing ln is not an error.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// Wait blocks until every accepted connection has been torn down.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleConn(c net.Conn) {
	id := uuid.NewString()
	log := s.cfg.Logger.With().
		Str("conn", id).
		Str("client", c.RemoteAddr().String()).
		Logger()

	m := s.cfg.Metrics
	m.connOpened()
	defer m.connClosed()

	var (
		p        *relay.Process
		watchdog *time.Timer
	)

	hooks := relay.Hooks{
		ClientData: func(b []byte) {
			m.addBytes(dirClientToDownstream, len(b))
		},
		HandshakeComplete: func() {
			if watchdog != nil {
				watchdog.Stop()
			}
			elapsed := time.Since(p.Created())
			m.observeHandshake(elapsed)
			log.Debug().Str("target", targetString(p)).Dur("elapsed", elapsed).Msg("handshake complete")
		},
		FirstTraffic: func(elapsed time.Duration) {
			m.observeFirstTraffic(elapsed)
		},
		DownstreamData: func(b []byte) {
			m.addBytes(dirDownstreamToClient, len(b))
		},
		Error: func(err error) {
			m.observeError(err)
			s.errorEvent(&log).
				Err(err).
				Str("kind", relay.ErrorKind(err)).
				Str("target", targetString(p)).
				Str("stage", p.Stage().String()).
				Msg("relay failed")
		},
		Close: func() {
			log.Debug().Msg("closed")
		},
	}

	p = relay.New(relay.Config{
		Host:      s.cfg.DownstreamHost,
		Port:      s.cfg.DownstreamPort,
		Client:    c,
		Transform: s.cfg.Cipher.NewTransform(),
		Dialer:    s.cfg.Dialer,
		Hooks:     hooks,
	})

	if s.cfg.NegotiationTimeout > 0 {
		watchdog = time.AfterFunc(s.cfg.NegotiationTimeout, func() {
			if p.Stage() == relay.StageForwarding {
				return
			}
			m.observeTimeout()
			s.errorEvent(&log).
				Str("target", targetString(p)).
				Str("stage", p.Stage().String()).
				Dur("timeout", s.cfg.NegotiationTimeout).
				Msg("negotiation timed out")
			_ = p.Close()
		})
		defer watchdog.Stop()
	}

	s.cfg.Tracker.Add(id, p)
	defer s.cfg.Tracker.Remove(id)

	log.Debug().Msg("accepted")
	_ = p.Run(s.ctx)
}

func (s *Server) errorEvent(log *zerolog.Logger) *zerolog.Event {
	if s.cfg.Verbose {
		return log.Warn()
	}
	return log.Debug()
}

func targetString(p *relay.Process) string {
	if t, ok := p.Target(); ok {
		return t.String()
	}
	return ""
}

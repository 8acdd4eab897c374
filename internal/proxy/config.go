package proxy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/ssrelay/internal/cipher"
	"github.com/die-net/ssrelay/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds the time from accept until the downstream
	// relay accepts CONNECT. Zero disables the watchdog.
	NegotiationTimeout time.Duration

	Dialer dialer.Dialer

	// DownstreamHost and DownstreamPort locate the plaintext SOCKS5 relay.
	DownstreamHost string
	DownstreamPort int

	Cipher *cipher.Cipher

	// Verbose logs per-connection errors at warn instead of debug.
	Verbose bool

	Logger  zerolog.Logger
	Metrics *Metrics
	Tracker *Tracker
}

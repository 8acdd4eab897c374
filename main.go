package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/ssrelay/internal/cipher"
	"github.com/die-net/ssrelay/internal/dialer"
	"github.com/die-net/ssrelay/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     = pflag.String("listen", "127.0.0.1:8388", "Listen address for encrypted client connections")
		downstream = pflag.String("downstream", "127.0.0.1:1080", "Plaintext SOCKS5 relay that client connections are forwarded through (host:port)")
		method     = pflag.String("method", "aes-256-cfb", "Cipher method: "+strings.Join(cipher.Methods(), ", "))
		password   = pflag.String("password", os.Getenv("SSRELAY_PASSWORD"), "Cipher password (default from $SSRELAY_PASSWORD)")
		via        = pflag.String("via", defaultVia(), "How to reach the downstream relay: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		dnsServer          = pflag.String("dns-server", "", "DNS server (host[:port]) for resolving the downstream relay. Empty uses the system resolver.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout from accept until the downstream relay accepts CONNECT")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		reusePort          = pflag.Bool("reuse-port", false, "Set SO_REUSEPORT on the listener")

		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof, /metrics and /debug/conns (e.g. 127.0.0.1:6060). Empty disables.")
		verbose     = pflag.Bool("verbose", false, "Enable debug logging and per-connection error logging")
		logJSON     = pflag.Bool("log-json", false, "Log JSON lines instead of console output")
		configPath  = pflag.String("config", "", "INI file of flag defaults; command line flags take precedence")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *configPath != "" {
		if err := applyConfigFile(pflag.CommandLine, *configPath); err != nil {
			return fmt.Errorf("invalid --config: %w", err)
		}
	}

	log := newLogger(os.Stderr, *logJSON, *verbose)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	downstreamHost, downstreamPort, err := parseHostPort(*downstream)
	if err != nil {
		return fmt.Errorf("invalid --downstream: %w", err)
	}

	c, err := cipher.New(*method, *password)
	if err != nil {
		return fmt.Errorf("invalid --method/--password: %w", err)
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		DNSServer:          *dnsServer,
	}

	d, err := dialer.New(dialCfg, *via)
	if err != nil {
		return fmt.Errorf("invalid --via: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		Dialer:             d,
		DownstreamHost:     downstreamHost,
		DownstreamPort:     downstreamPort,
		Cipher:             c,
		Verbose:            *verbose,
		Logger:             log,
		Metrics:            proxy.NewMetrics(reg),
		Tracker:            proxy.NewTracker(),
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		http.Handle("/debug/conns", cfg.Tracker)

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", *listen, proxy.ListenConfig{KeepAlive: ka, ReusePort: *reusePort})
	if err != nil {
		return err
	}
	srv := proxy.NewServer(ctx, cfg)
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})
	log.Info().
		Str("addr", *listen).
		Str("downstream", net.JoinHostPort(downstreamHost, strconv.Itoa(downstreamPort))).
		Str("method", c.Name()).
		Str("via", *via).
		Msg("relay listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	srv.Wait()
	log.Info().Msg("shutting down")
	return err
}

func newLogger(w io.Writer, jsonOut, verbose bool) zerolog.Logger {
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port: %w", err)
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// defaultVia honors ALL_PROXY so the downstream relay can sit behind an
// existing proxy.
func defaultVia() string {
	for _, k := range []string{"ALL_PROXY", "all_proxy"} {
		if p := os.Getenv(k); p != "" {
			return p
		}
	}
	return "direct://"
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/tcp"
)

type serveOptions struct {
	transportOptions

	addr            string
	encrypt         bool
	ping            time.Duration
	timeout         time.Duration
	maxConns        int
	rate            float64
	burst           int
	metricsAddr     string
	allowAllOrigins bool
}

func serveCmd() *cobra.Command {
	o := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat relay server",
		Long: `Run a server that relays every chat line to all connected clients.

Examples:
  knet serve
  knet serve --transport=ws --addr=:8080 --allow-all-origins
  knet serve --identity=uuid --encrypt --cipher=chacha20-poly1305
  knet serve --metrics-addr=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, o)
		},
	}

	defaults := tcp.DefaultServerConfig(identity.Counter())
	limits := tcp.DefaultRateLimitConfig()

	o.transportOptions.bind(cmd)
	cmd.Flags().StringVarP(&o.addr, "addr", "a", defaults.Address, "Listen address")
	cmd.Flags().BoolVarP(&o.encrypt, "encrypt", "e", false, "Issue a session key and encrypt every packet")
	cmd.Flags().DurationVar(&o.ping, "ping", defaults.PingInterval, "Ping interval (0 disables)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", defaults.ClientTimeout, "Evict clients idle for this long (0 disables)")
	cmd.Flags().IntVar(&o.maxConns, "max-conns", defaults.MaxConnections, "Maximum live connections (0 is unlimited)")
	cmd.Flags().Float64Var(&o.rate, "rate", float64(limits.MessagesPerSecond), "Inbound packets per second per client (0 disables)")
	cmd.Flags().IntVar(&o.burst, "burst", limits.Burst, "Inbound packet burst per client")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&o.allowAllOrigins, "allow-all-origins", false, "Accept WebSocket upgrades from any origin")

	return cmd
}

func runServe(ctx context.Context, o *serveOptions) error {
	switch strings.ToLower(o.identity) {
	case "counter":
		return serve(ctx, o, identity.Counter())
	case "uuid":
		return serve(ctx, o, identity.UUID())
	case "address":
		return serve(ctx, o, identity.Address())
	case "none":
		return serve(ctx, o, identity.None())
	}
	return fmt.Errorf("unknown identity scheme %q", o.identity)
}

func (o *serveOptions) rateLimit() *tcp.RateLimitConfig {
	if o.rate <= 0 {
		return tcp.NoRateLimit()
	}
	return &tcp.RateLimitConfig{
		MessagesPerSecond: rate.Limit(o.rate),
		Burst:             o.burst,
		Enabled:           true,
	}
}

func serve[ID comparable](ctx context.Context, o *serveOptions, scheme identity.Scheme[ID]) error {
	logger := slog.Default()
	suite, err := o.suite()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := tcp.DefaultServerConfig(scheme)
	cfg.Address = o.addr
	cfg.Encrypt = o.encrypt
	cfg.Suite = suite
	cfg.PingInterval = o.ping
	cfg.ClientTimeout = o.timeout
	cfg.MaxConnections = o.maxConns
	cfg.RateLimit = o.rateLimit()
	cfg.Logger = logger
	cfg.Metrics = registry
	cfg.OnConnect = func(id ID) {
		logger.Info("client joined", "identity", scheme.String(id))
	}
	cfg.OnDisconnect = func(id ID, reason knet.DisconnectReason) {
		logger.Info("client left", "identity", scheme.String(id), "reason", string(reason))
	}

	server := newServer(&o.transportOptions, cfg, o.allowAllOrigins)
	knet.Handle(server, func(msg ChatMessage, from ID) {
		relay := &ChatBroadcast{From: scheme.String(from), Text: msg.Text}
		if err := server.SendToAll(ctx, relay); err != nil {
			logger.Warn("relay incomplete", "error", err)
		}
	}, true)

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("knet server listening",
		"addr", server.Addr(),
		"transport", o.kind,
		"identity", scheme.Name(),
		"encrypted", o.encrypt,
	)

	var metricsServer *http.Server
	if o.metricsAddr != "" {
		metricsServer = newMetricsServer[ID](o.metricsAddr, registry, server)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", o.metricsAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return server.Stop(shutdownCtx)
}

// connectionCounter is the part of a server the metrics router reports on.
type connectionCounter[ID comparable] interface {
	Connections() []ID
}

func newMetricsServer[ID comparable](addr string, registry *prometheus.Registry, server connectionCounter[ID]) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok %d\n", len(server.Connections()))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

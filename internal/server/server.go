// Package server wires the public HTTP surface: the WebSocket upgrade
// endpoint for subscribers, /healthz, and /metrics (spec §6, §12),
// grounded on the teacher's internal/server/server.go mux wiring, CORS
// middleware, and graceful-shutdown sequence.
package server

import (
	"context"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"pumpfeed/internal/hub"
	"pumpfeed/internal/metrics"
	"pumpfeed/internal/session"
)

// Config tunes the server, sourced from internal/config.Config.
type Config struct {
	Port                   string
	SubscriberWriteTimeout time.Duration
	MetricsEnabled         bool
	HealthzEnabled         bool
	ShutdownGrace          time.Duration
}

// ReadinessSource reports whether the Log Subscription Client has reached
// Subscribed at least once (spec §9 open-question decision: /healthz
// tracks this, not per-request state).
type ReadinessSource interface {
	Ready() bool
}

// Server owns the single HTTP listener offering the upgrade endpoint plus
// ambient /healthz and /metrics routes. No path-based routing distinguishes
// subscriber connections: every path accepts an upgrade (spec §6).
type Server struct {
	cfg       Config
	hub       *hub.Hub
	readiness ReadinessSource
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
}

// New builds a Server; call Run to start listening.
func New(cfg Config, h *hub.Hub, readiness ReadinessSource, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		hub:       h,
		readiness: readiness,
		metrics:   m,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	if cfg.HealthzEnabled {
		mux.HandleFunc("/healthz", s.handleHealthz)
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", s.handleUpgrade)

	s.httpSrv = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: withCORS(mux),
	}
	return s
}

// withCORS allows any origin to connect, since the subscriber protocol
// has no authentication layer to protect (spec §6).
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil && !s.readiness.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(conn, s.hub, s.cfg.SubscriberWriteTimeout, s.metrics, s.logger)
	sess.Run(r.Context())
}

// listenConfig tunes accepted TCP sockets (TCP_NODELAY, keepalive),
// adapted from the teacher's pkg/websocket/netpoll.go SetTCPOptions into
// a net.ListenConfig.Control callback instead of a hand-rolled listener.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				controlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
}

// Run starts listening and blocks until ctx is cancelled, then drains
// connections for at most cfg.ShutdownGrace before forcing a shutdown
// (spec §5).
func (s *Server) Run(ctx context.Context) error {
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return s.httpSrv.Close()
	}
	return nil
}

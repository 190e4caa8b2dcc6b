// Package gateway exposes the store over HTTP: a websocket endpoint that
// carries one protocol payload per binary message, plus health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	kvlog "github.com/loganszeto/shardkv/internal/log"
	"github.com/loganszeto/shardkv/internal/metrics"
	"github.com/loganszeto/shardkv/internal/protocol"
	"github.com/loganszeto/shardkv/internal/stats"
	"github.com/loganszeto/shardkv/internal/store"
)

const shutdownTimeout = 5 * time.Second

type Gateway struct {
	st             store.Store
	stats          *stats.Stats
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	logger         *zap.SugaredLogger
	startedAt      time.Time
	maxFrame       int
	upgrader       websocket.Upgrader
}

type Option func(*Gateway)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gateway) { g.logger = kvlog.OrNop(l) }
}

// WithStats shares counters with the TCP server so INFO agrees on both.
func WithStats(st *stats.Stats) Option {
	return func(g *Gateway) {
		if st != nil {
			g.stats = st
		}
	}
}

// WithMetrics records websocket requests and serves h on /metrics.
func WithMetrics(m *metrics.Metrics, h http.Handler) Option {
	return func(g *Gateway) {
		g.metrics = m
		g.metricsHandler = h
	}
}

// WithStartedAt sets the uptime origin, normally the TCP server's, so both
// listeners report the same uptime_ms.
func WithStartedAt(t time.Time) Option {
	return func(g *Gateway) {
		if !t.IsZero() {
			g.startedAt = t
		}
	}
}

func WithMaxFrameSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxFrame = n
		}
	}
}

func New(st store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		st:        st,
		stats:     stats.New(),
		logger:    kvlog.OrNop(nil),
		startedAt: time.Now(),
		maxFrame:  protocol.DefaultMaxFrameSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.healthz)
	if g.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", g.metricsHandler)
	}
	r.Get("/ws", g.handleWS)
	return r
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	g.logger.Infow("http gateway listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"keys":      g.st.Len(),
		"shards":    g.st.ShardCount(),
		"uptime_ms": time.Since(g.startedAt).Milliseconds(),
	})
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			g.logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	kvlog "github.com/loganszeto/shardkv/internal/log"
	"github.com/loganszeto/shardkv/internal/metrics"
	"github.com/loganszeto/shardkv/internal/protocol"
	"github.com/loganszeto/shardkv/internal/stats"
	"github.com/loganszeto/shardkv/internal/store"
)

const DefaultSweepInterval = time.Second

// SweepHook runs after every sweep, including sweeps that removed nothing.
// Writes may retire expired entries between sweeps, so removed can be zero
// while an observer still holds buffered work.
type SweepHook func(ctx context.Context, removed int)

type Server struct {
	addr          string
	st            store.Store
	stats         *stats.Stats
	metrics       *metrics.Metrics
	logger        *zap.SugaredLogger
	sweepInterval time.Duration
	afterSweep    SweepHook
	maxFrame      int
	idleTimeout   time.Duration
	rateLimit     rate.Limit
	rateBurst     int
	startedAt     time.Time

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = kvlog.OrNop(l) }
}

func WithStats(st *stats.Stats) Option {
	return func(s *Server) {
		if st != nil {
			s.stats = st
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func WithSweepHook(h SweepHook) Option {
	return func(s *Server) { s.afterSweep = h }
}

func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithRateLimit caps each connection at rps requests per second. Zero
// disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.rateLimit = 0
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.rateLimit = rate.Limit(rps)
		s.rateBurst = burst
	}
}

func New(addr string, st store.Store, opts ...Option) *Server {
	s := &Server{
		addr:          addr,
		st:            st,
		stats:         stats.New(),
		logger:        kvlog.OrNop(nil),
		sweepInterval: DefaultSweepInterval,
		maxFrame:      protocol.DefaultMaxFrameSize,
		startedAt:     time.Now(),
		conns:         make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Stats() *stats.Stats {
	return s.stats
}

// StartedAt is the origin of INFO's uptime_ms.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Addr is the bound address once Serve has started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs the expiry sweeper until ctx is
// cancelled, then closes the listener and every open connection. It returns
// nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Infow("listening", "addr", ln.Addr().String(), "shards", s.st.ShardCount())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.acceptLoop(gctx, ln)
	})

	err := g.Wait()
	s.wg.Wait()
	s.logger.Infow("server stopped", "addr", ln.Addr().String())
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warnw("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) int {
	removed := s.st.CleanupExpired()
	if removed > 0 {
		s.stats.RecordExpired(removed)
		s.metrics.RecordExpired(ctx, removed)
		s.logger.Debugw("expired entries removed", "removed", removed)
	}
	if s.afterSweep != nil {
		s.afterSweep(ctx, removed)
	}
	return removed
}

// track registers conn for shutdown; it refuses once the listener is gone.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

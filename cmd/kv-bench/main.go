package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loganszeto/shardkv/internal/client"
	"github.com/loganszeto/shardkv/internal/value"
)

type benchConfig struct {
	addr      string
	clients   int
	ops       int
	ratioGet  float64
	ratioIncr float64
	valueSize int
	keys      int
	ttl       time.Duration
}

type result struct {
	ops     int64
	errors  int64
	elapsed time.Duration
	lats    []time.Duration
}

var cfg benchConfig

var rootCmd = &cobra.Command{
	Use:           "kv-bench",
	Short:         "Load generator for the shardkv server",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.clients <= 0 || cfg.ops <= 0 || cfg.keys <= 0 {
			return fmt.Errorf("clients, ops and keys must be > 0")
		}
		if cfg.ratioGet < 0 || cfg.ratioIncr < 0 || cfg.ratioGet+cfg.ratioIncr > 1 {
			return fmt.Errorf("ratio-get and ratio-incr must be non-negative and sum to at most 1")
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		res, err := run(ctx, cfg)
		if err != nil {
			return err
		}
		report(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfg.addr, "addr", "127.0.0.1:7379", "server address")
	f.IntVar(&cfg.clients, "clients", 10, "concurrent connections")
	f.IntVar(&cfg.ops, "ops", 10000, "total operations")
	f.Float64Var(&cfg.ratioGet, "ratio-get", 0.8, "fraction of GETs")
	f.Float64Var(&cfg.ratioIncr, "ratio-incr", 0, "fraction of INCRs; the rest are SETs")
	f.IntVar(&cfg.valueSize, "value-size", 128, "SET value size in bytes")
	f.IntVar(&cfg.keys, "keys", 1000, "distinct keys")
	f.DurationVar(&cfg.ttl, "ttl", 0, "TTL for SETs (0 = none)")
}

func run(ctx context.Context, cfg benchConfig) (result, error) {
	payload := value.String(strings.Repeat("x", cfg.valueSize))
	keys := make([]string, cfg.keys)
	for i := range keys {
		keys[i] = fmt.Sprintf("key:%d", i)
	}

	var (
		next   atomic.Int64
		errCnt atomic.Int64
		mu     sync.Mutex
		lats   = make([]time.Duration, 0, cfg.ops)
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < cfg.clients; i++ {
		id := i
		g.Go(func() error {
			c, err := client.Dial(gctx, cfg.addr)
			if err != nil {
				return err
			}
			defer c.Close()

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			local := make([]time.Duration, 0, cfg.ops/cfg.clients+1)
			defer func() {
				mu.Lock()
				lats = append(lats, local...)
				mu.Unlock()
			}()
			for {
				if int(next.Add(1)) > cfg.ops || gctx.Err() != nil {
					return nil
				}
				key := keys[rng.Intn(len(keys))]
				roll := rng.Float64()
				begin := time.Now()
				switch {
				case roll < cfg.ratioGet:
					_, err = c.Get(gctx, key)
					if errors.Is(err, client.ErrNotFound) {
						err = nil
					}
				case roll < cfg.ratioGet+cfg.ratioIncr:
					_, err = c.Incr(gctx, "counter:"+key, value.Int(1))
				default:
					_, err = c.Set(gctx, key, payload, cfg.ttl)
				}
				if err != nil {
					if c.State() == client.StateClosed {
						return err
					}
					errCnt.Add(1)
					continue
				}
				local = append(local, time.Since(begin))
			}
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}
	return result{
		ops:     int64(len(lats)),
		errors:  errCnt.Load(),
		elapsed: time.Since(start),
		lats:    lats,
	}, nil
}

func report(w io.Writer, r result) {
	fmt.Fprintf(w, "Total ops: %d\n", r.ops)
	fmt.Fprintf(w, "Errors: %d\n", r.errors)
	fmt.Fprintf(w, "Elapsed: %s\n", r.elapsed)
	if r.elapsed > 0 {
		fmt.Fprintf(w, "Ops/sec: %.2f\n", float64(r.ops)/r.elapsed.Seconds())
	}
	if len(r.lats) == 0 {
		fmt.Fprintln(w, "No latency samples")
		return
	}
	sort.Slice(r.lats, func(i, j int) bool { return r.lats[i] < r.lats[j] })
	for _, p := range []int{50, 95, 99} {
		fmt.Fprintf(w, "p%d: %s\n", p, percentile(r.lats, p))
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

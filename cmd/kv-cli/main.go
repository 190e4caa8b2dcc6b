package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganszeto/shardkv/internal/client"
	"github.com/loganszeto/shardkv/internal/persistence"
	"github.com/loganszeto/shardkv/internal/value"
)

var (
	addr      string
	timeout   time.Duration
	valueType string
	ttl       time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "kv-cli",
	Short:         "Client for the shardkv server",
	Long:          "Client for the shardkv server. With no subcommand it starts an interactive shell.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return runShell(ctx, c, os.Stdin, cmd.OutOrStdout())
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the value stored at key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			v, err := c.Get(ctx, args[0])
			return printResult(cmd.OutOrStdout(), v, err)
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Store a value, printing the one it replaced",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseValue(valueType, args[1])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			prev, err := c.Set(ctx, args[0], v, ttl)
			return printResult(cmd.OutOrStdout(), prev, err)
		})
	},
}

var delCmd = &cobra.Command{
	Use:   "del [key]",
	Short: "Delete key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			ok, err := c.Delete(ctx, args[0])
			return printBool(cmd.OutOrStdout(), ok, err)
		})
	},
}

var existsCmd = &cobra.Command{
	Use:   "exists [key]",
	Short: "Report whether key holds a live value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			ok, err := c.Exists(ctx, args[0])
			return printBool(cmd.OutOrStdout(), ok, err)
		})
	},
}

var incrCmd = &cobra.Command{
	Use:   "incr [key] [delta]",
	Short: "Add delta (default 1) to the number at key",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  counterCmd(false),
}

var decrCmd = &cobra.Command{
	Use:   "decr [key] [delta]",
	Short: "Subtract delta (default 1) from the number at key",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  counterCmd(true),
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the server is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PONG")
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print server statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive [path]",
	Short: "Dump the records of an expiry archive file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		n, err := persistence.Scan(args[0], func(rec persistence.Record) error {
			expired := time.UnixMilli(rec.ExpiresAtMs).UTC().Format(time.RFC3339Nano)
			fmt.Fprintf(out, "%s\t%q\tv%d\t%s\t%s\n", rec.Op, rec.Key, rec.Version, expired, rec.Value)
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d records\n", n)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&addr, "addr", "127.0.0.1:7379", "server address")
	pf.DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")

	setCmd.Flags().StringVarP(&valueType, "type", "t", "string", "value type: string, int, float, decimal, bytes (hex) or json")
	setCmd.Flags().DurationVar(&ttl, "ttl", 0, "expire after this long (0 = never)")

	rootCmd.AddCommand(getCmd, setCmd, delCmd, existsCmd, incrCmd, decrCmd, pingCmd, infoCmd, archiveCmd)
}

func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := client.Dial(dialCtx, addr, client.WithTimeout(timeout))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func counterCmd(decr bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		delta := value.Int(1)
		if len(args) == 2 {
			var err error
			if delta, err = parseNumber(args[1]); err != nil {
				return err
			}
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			var (
				v   value.Value
				err error
			)
			if decr {
				v, err = c.Decr(ctx, args[0], delta)
			} else {
				v, err = c.Incr(ctx, args[0], delta)
			}
			return printResult(cmd.OutOrStdout(), v, err)
		})
	}
}

func printResult(w io.Writer, v value.Value, err error) error {
	if errors.Is(err, client.ErrNotFound) {
		fmt.Fprintln(w, "(nil)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, v)
	return nil
}

func printBool(w io.Writer, ok bool, err error) error {
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(w, 1)
	} else {
		fmt.Fprintln(w, 0)
	}
	return nil
}

func printInfo(w io.Writer, info map[string]value.Value) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s:%s\n", k, info[k])
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}

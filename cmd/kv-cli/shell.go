package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loganszeto/shardkv/internal/client"
	"github.com/loganszeto/shardkv/internal/value"
)

const shellHelp = `commands:
  GET key
  SET key value          value may be prefixed with a type, e.g. int:5 or json:[1,2]
  SETEX key ttl value    ttl is a duration such as 30s
  DEL key | EXISTS key
  INCR key [delta] | DECR key [delta]
  PING | INFO | HELP | QUIT`

func runShell(ctx context.Context, c *client.Client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, _, _ := strings.Cut(line, " ")
		switch strings.ToUpper(name) {
		case "QUIT", "EXIT":
			return nil
		case "HELP":
			fmt.Fprintln(out, shellHelp)
			continue
		}
		err := execLine(ctx, c, line, out)
		var cerr *client.ConnectionError
		if errors.As(err, &cerr) || errors.Is(err, client.ErrClosed) {
			return err
		}
		if err != nil {
			fmt.Fprintln(out, "(error)", err)
		}
	}
}

func execLine(ctx context.Context, c *client.Client, line string, out io.Writer) error {
	args := strings.Fields(line)
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "PING":
		if err := c.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "PONG")
		return nil
	case "INFO":
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		printInfo(out, info)
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("%s needs a key", cmd)
	}
	key := args[1]
	switch cmd {
	case "GET":
		v, err := c.Get(ctx, key)
		return printResult(out, v, err)
	case "DEL":
		ok, err := c.Delete(ctx, key)
		return printBool(out, ok, err)
	case "EXISTS":
		ok, err := c.Exists(ctx, key)
		return printBool(out, ok, err)
	case "INCR", "DECR":
		delta := value.Int(1)
		if len(args) > 2 {
			var err error
			if delta, err = parseNumber(args[2]); err != nil {
				return err
			}
		}
		var (
			v   value.Value
			err error
		)
		if cmd == "INCR" {
			v, err = c.Incr(ctx, key, delta)
		} else {
			v, err = c.Decr(ctx, key, delta)
		}
		return printResult(out, v, err)
	case "SET":
		if len(args) < 3 {
			return errors.New("usage: SET key value")
		}
		v, err := parseTyped(restAfter(line, 2))
		if err != nil {
			return err
		}
		prev, err := c.Set(ctx, key, v, 0)
		return printResult(out, prev, err)
	case "SETEX":
		if len(args) < 4 {
			return errors.New("usage: SETEX key ttl value")
		}
		d, err := time.ParseDuration(args[2])
		if err != nil {
			return fmt.Errorf("parse ttl: %w", err)
		}
		v, err := parseTyped(restAfter(line, 3))
		if err != nil {
			return err
		}
		prev, err := c.Set(ctx, key, v, d)
		return printResult(out, prev, err)
	default:
		return fmt.Errorf("unknown command %q (try HELP)", args[0])
	}
}

// parseTyped reads "kind:raw" when kind names a value type and treats any
// other text as a string.
func parseTyped(tok string) (value.Value, error) {
	kind, raw, ok := strings.Cut(tok, ":")
	if ok {
		switch strings.ToLower(kind) {
		case "string", "int", "float", "decimal", "bytes", "hex", "json":
			return parseValue(kind, raw)
		}
	}
	return value.String(tok), nil
}

// restAfter returns line with its first n fields removed, keeping the
// spacing of what remains.
func restAfter(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeft(rest[idx:], " \t")
	}
	return rest
}

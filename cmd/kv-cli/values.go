package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/loganszeto/shardkv/internal/value"
)

// parseValue turns command-line text into a Value of the named kind. The
// json kind maps arrays to lists, objects to maps, integral numbers to
// integers and other numbers to decimals.
func parseValue(kind, raw string) (value.Value, error) {
	switch strings.ToLower(kind) {
	case "string", "str", "":
		return value.String(raw), nil
	case "int", "integer":
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse integer %q: %w", raw, err)
		}
		return value.Int(i), nil
	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse float %q: %w", raw, err)
		}
		return value.Float(f), nil
	case "decimal", "dec":
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return value.Value{}, fmt.Errorf("parse decimal %q: %w", raw, err)
		}
		return value.Decimal(d), nil
	case "bytes", "hex":
		b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return value.Value{}, fmt.Errorf("parse hex %q: %w", raw, err)
		}
		return value.Bytes(b), nil
	case "json":
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return value.Value{}, fmt.Errorf("parse json: %w", err)
		}
		return fromJSON(doc)
	default:
		return value.Value{}, fmt.Errorf("unknown value type %q", kind)
	}
}

// parseNumber guesses the numeric kind of a delta: integer, then decimal.
func parseNumber(raw string) (value.Value, error) {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return value.Int(i), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return value.Value{}, fmt.Errorf("%q is not a number", raw)
	}
	return value.Decimal(d), nil
}

func fromJSON(doc any) (value.Value, error) {
	switch t := doc.(type) {
	case string:
		return value.String(t), nil
	case json.Number:
		return parseNumber(t.String())
	case bool:
		if t {
			return value.Int(1), nil
		}
		return value.Int(0), nil
	case []any:
		items := make([]value.Value, len(t))
		for i, item := range t {
			v, err := fromJSON(item)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = v
		}
		return value.List(items...), nil
	case map[string]any:
		m := make(map[string]value.Value, len(t))
		for k, item := range t {
			v, err := fromJSON(item)
			if err != nil {
				return value.Value{}, err
			}
			m[k] = v
		}
		return value.Map(m), nil
	default:
		return value.Value{}, fmt.Errorf("json null has no value form")
	}
}

package store

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/loganszeto/shardkv/internal/value"
)

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// addDelta adds (or with negate, subtracts) delta to cur. The stored kind
// always wins: delta is converted to it only when that is lossless. An absent
// cur starts from zero of the delta's kind.
func addDelta(cur, delta value.Value, negate bool) (value.Value, error) {
	if !delta.IsNumeric() {
		return value.Value{}, fmt.Errorf("%w: delta is %s, not numeric", ErrTypeMismatch, delta.Kind())
	}
	if cur.IsZero() {
		cur = zeroOf(delta.Kind())
	}
	switch cur.Kind() {
	case value.KindInt:
		a, _ := cur.AsInt()
		d, err := intDelta(delta)
		if err != nil {
			return value.Value{}, err
		}
		if negate {
			if d == math.MinInt64 {
				return value.Value{}, fmt.Errorf("%w: cannot negate %d", ErrOverflow, d)
			}
			d = -d
		}
		sum := a + d
		if (d > 0 && sum < a) || (d < 0 && sum > a) {
			return value.Value{}, fmt.Errorf("%w: %d + %d exceeds int64", ErrOverflow, a, d)
		}
		return value.Int(sum), nil
	case value.KindFloat:
		a, _ := cur.AsFloat()
		d, err := floatDelta(delta)
		if err != nil {
			return value.Value{}, err
		}
		if negate {
			d = -d
		}
		sum := a + d
		if math.IsInf(sum, 0) {
			return value.Value{}, fmt.Errorf("%w: %g + %g is not finite", ErrOverflow, a, d)
		}
		return value.Float(sum), nil
	case value.KindDecimal:
		a, _ := cur.AsDecimal()
		d, err := decimalDelta(delta)
		if err != nil {
			return value.Value{}, err
		}
		if negate {
			d = d.Neg()
		}
		return value.Decimal(a.Add(d)), nil
	default:
		return value.Value{}, fmt.Errorf("%w: stored value is %s", ErrTypeMismatch, cur.Kind())
	}
}

func zeroOf(k value.Kind) value.Value {
	switch k {
	case value.KindFloat:
		return value.Float(0)
	case value.KindDecimal:
		return value.Decimal(decimal.Zero)
	default:
		return value.Int(0)
	}
}

func intDelta(delta value.Value) (int64, error) {
	switch delta.Kind() {
	case value.KindInt:
		d, _ := delta.AsInt()
		return d, nil
	case value.KindFloat:
		f, _ := delta.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: float delta %g is not an exact integer", ErrTypeMismatch, f)
		}
		return int64(f), nil
	case value.KindDecimal:
		d, _ := delta.AsDecimal()
		if !d.IsInteger() || d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
			return 0, fmt.Errorf("%w: decimal delta %s is not an exact integer", ErrTypeMismatch, d)
		}
		return d.IntPart(), nil
	default:
		return 0, fmt.Errorf("%w: delta is %s", ErrTypeMismatch, delta.Kind())
	}
}

func floatDelta(delta value.Value) (float64, error) {
	switch delta.Kind() {
	case value.KindInt:
		d, _ := delta.AsInt()
		return float64(d), nil
	case value.KindFloat:
		d, _ := delta.AsFloat()
		return d, nil
	case value.KindDecimal:
		d, _ := delta.AsDecimal()
		return d.InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("%w: delta is %s", ErrTypeMismatch, delta.Kind())
	}
}

func decimalDelta(delta value.Value) (decimal.Decimal, error) {
	switch delta.Kind() {
	case value.KindInt:
		d, _ := delta.AsInt()
		return decimal.NewFromInt(d), nil
	case value.KindFloat:
		f, _ := delta.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, fmt.Errorf("%w: float delta %g has no decimal form", ErrTypeMismatch, f)
		}
		return decimal.NewFromFloat(f), nil
	case value.KindDecimal:
		d, _ := delta.AsDecimal()
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: delta is %s", ErrTypeMismatch, delta.Kind())
	}
}

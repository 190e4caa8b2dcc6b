package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// MaxDepth bounds List/Map nesting on both encode and decode.
const MaxDepth = 32

const (
	// minValueSize is the smallest encoded Value: a tag plus a 4-byte length.
	minValueSize = 5
	// minEntrySize is the smallest encoded map entry: a key length plus a value.
	minEntrySize = 4 + minValueSize
	// preallocLimit caps capacity taken from an untrusted element count;
	// larger containers grow as their elements actually decode.
	preallocLimit = 64
)

var (
	ErrMalformed   = errors.New("malformed value")
	ErrUnencodable = errors.New("value cannot be encoded")
)

// Append writes the wire form of v: [tag][payload].
func Append(dst []byte, v Value) ([]byte, error) {
	return appendValue(dst, v, 0)
}

// Encode is Append onto a fresh buffer.
func Encode(v Value) ([]byte, error) {
	return Append(nil, v)
}

func appendValue(dst []byte, v Value, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUnencodable, MaxDepth)
	}
	switch v.kind {
	case KindString:
		if !utf8.ValidString(v.s) {
			return nil, fmt.Errorf("%w: string is not valid utf-8", ErrUnencodable)
		}
		dst = append(dst, byte(KindString))
		return appendBlob(dst, []byte(v.s))
	case KindInt:
		dst = append(dst, byte(KindInt))
		return binary.BigEndian.AppendUint64(dst, uint64(v.i)), nil
	case KindFloat:
		dst = append(dst, byte(KindFloat))
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.f)), nil
	case KindDecimal:
		dst = append(dst, byte(KindDecimal))
		return appendDecimal(dst, v.d)
	case KindBytes:
		dst = append(dst, byte(KindBytes))
		return appendBlob(dst, v.b)
	case KindList:
		if uint64(len(v.list)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: list too long", ErrUnencodable)
		}
		dst = append(dst, byte(KindList))
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.list)))
		var err error
		for _, item := range v.list {
			if dst, err = appendValue(dst, item, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case KindMap:
		if uint64(len(v.m)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: map too large", ErrUnencodable)
		}
		dst = append(dst, byte(KindMap))
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.m)))
		var err error
		for _, k := range v.sortedKeys() {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("%w: map key is not valid utf-8", ErrUnencodable)
			}
			if dst, err = appendBlob(dst, []byte(k)); err != nil {
				return nil, err
			}
			if dst, err = appendValue(dst, v.m[k], depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrUnencodable, v.kind)
	}
}

func appendBlob(dst, b []byte) ([]byte, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: blob too long", ErrUnencodable)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...), nil
}

// Decimal layout: [int32 exponent][sign][uint32 len][magnitude].
func appendDecimal(dst []byte, d decimal.Decimal) ([]byte, error) {
	coef := d.Coefficient()
	dst = binary.BigEndian.AppendUint32(dst, uint32(d.Exponent()))
	if coef.Sign() < 0 {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return appendBlob(dst, new(big.Int).Abs(coef).Bytes())
}

// Decode reads one value from the front of b and returns it with the number
// of bytes consumed. Only the canonical encoding produced by Append is
// accepted, so re-encoding a decoded value reproduces the input bytes.
func Decode(b []byte) (Value, int, error) {
	r := &reader{buf: b}
	v, err := r.value(0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, r.off, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, r.remaining())
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, r.remaining())
	}
	return r.take(int(n))
}

func (r *reader) text() (string, error) {
	b, err := r.blob()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}
	return string(b), nil
}

// count reads an element count and rejects counts that cannot possibly fit
// in what is left of the buffer, given minSize bytes per element.
func (r *reader) count(minSize int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minSize) > uint64(r.remaining()) {
		return 0, fmt.Errorf("%w: %d elements cannot fit in %d bytes", ErrMalformed, n, r.remaining())
	}
	return int(n), nil
}

func (r *reader) value(depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, MaxDepth)
	}
	tag, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	switch Kind(tag) {
	case KindString:
		s, err := r.text()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case KindInt:
		u, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return Int(int64(u)), nil
	case KindFloat:
		u, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(u)), nil
	case KindDecimal:
		return r.decimal()
	case KindBytes:
		b, err := r.blob()
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case KindList:
		n, err := r.count(minValueSize)
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, min(n, preallocLimit))
		for i := 0; i < n; i++ {
			item, err := r.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: KindList, list: items}, nil
	case KindMap:
		n, err := r.count(minEntrySize)
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, min(n, preallocLimit))
		prev := ""
		for i := 0; i < n; i++ {
			k, err := r.text()
			if err != nil {
				return Value{}, err
			}
			if i > 0 && k <= prev {
				return Value{}, fmt.Errorf("%w: map keys not strictly ascending at %q", ErrMalformed, k)
			}
			prev = k
			item, err := r.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			m[k] = item
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformed, tag)
	}
}

func (r *reader) decimal() (Value, error) {
	exp, err := r.u32()
	if err != nil {
		return Value{}, err
	}
	sign, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	mag, err := r.blob()
	if err != nil {
		return Value{}, err
	}
	switch {
	case sign > 1:
		return Value{}, fmt.Errorf("%w: decimal sign byte %d", ErrMalformed, sign)
	case len(mag) > 0 && mag[0] == 0:
		return Value{}, fmt.Errorf("%w: decimal magnitude has a leading zero byte", ErrMalformed)
	case sign == 1 && len(mag) == 0:
		return Value{}, fmt.Errorf("%w: negative zero decimal", ErrMalformed)
	}
	coef := new(big.Int).SetBytes(mag)
	if sign == 1 {
		coef.Neg(coef)
	}
	return Decimal(decimal.NewFromBigInt(coef, int32(exp))), nil
}

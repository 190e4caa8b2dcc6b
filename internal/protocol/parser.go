package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/loganszeto/shardkv/internal/value"
)

const MaxKeyLen = math.MaxUint16

var ErrInvalidRequest = errors.New("invalid request")

const maxTTLMs = math.MaxInt64 / int64(time.Millisecond)

func EncodeRequest(req Request) ([]byte, error) {
	dst := []byte{byte(req.Op)}
	switch req.Op {
	case OpPing, OpInfo:
		return dst, nil
	case OpGet, OpDel, OpExists:
		return appendKey(dst, req.Key)
	case OpSet:
		dst, err := appendKey(dst, req.Key)
		if err != nil {
			return nil, err
		}
		if dst, err = appendValue(dst, req.Value); err != nil {
			return nil, err
		}
		if req.TTL < 0 {
			return nil, fmt.Errorf("%w: negative ttl %s", ErrInvalidRequest, req.TTL)
		}
		ms := req.TTL.Milliseconds()
		if req.TTL > 0 && ms == 0 {
			ms = 1
		}
		return binary.BigEndian.AppendUint64(dst, uint64(ms)), nil
	case OpIncr, OpDecr:
		dst, err := appendKey(dst, req.Key)
		if err != nil {
			return nil, err
		}
		return appendValue(dst, req.Value)
	default:
		return nil, fmt.Errorf("%w: unknown opcode %s", ErrInvalidRequest, req.Op)
	}
}

func appendKey(dst []byte, key string) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return nil, fmt.Errorf("%w: key is %d bytes, limit %d", ErrInvalidRequest, len(key), MaxKeyLen)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(key)))
	return append(dst, key...), nil
}

func appendValue(dst []byte, v value.Value) ([]byte, error) {
	out, err := value.Append(dst, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return out, nil
}

// DecodeRequest parses one request payload (the frame body). Every failure
// is a *ProtocolError.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) == 0 {
		return Request{}, malformed("empty request")
	}
	req := Request{Op: Opcode(payload[0])}
	rest := payload[1:]
	var err error
	switch req.Op {
	case OpPing, OpInfo:
	case OpGet, OpDel, OpExists:
		if req.Key, rest, err = readKey(rest); err != nil {
			return Request{}, err
		}
	case OpSet:
		if req.Key, rest, err = readKey(rest); err != nil {
			return Request{}, err
		}
		if req.Value, rest, err = readValue(rest); err != nil {
			return Request{}, err
		}
		if len(rest) < 8 {
			return Request{}, malformed("SET ttl truncated")
		}
		ms := binary.BigEndian.Uint64(rest)
		if ms > uint64(maxTTLMs) {
			return Request{}, malformed("ttl %d ms out of range", ms)
		}
		req.TTL = time.Duration(ms) * time.Millisecond
		rest = rest[8:]
	case OpIncr, OpDecr:
		if req.Key, rest, err = readKey(rest); err != nil {
			return Request{}, err
		}
		if req.Value, rest, err = readValue(rest); err != nil {
			return Request{}, err
		}
	default:
		return Request{}, malformed("unknown opcode 0x%02x", payload[0])
	}
	if len(rest) != 0 {
		return Request{}, malformed("%d trailing bytes after %s", len(rest), req.Op)
	}
	return req, nil
}

func readKey(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, malformed("key length truncated")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, malformed("key needs %d bytes, have %d", n, len(b))
	}
	return string(b[:n]), b[n:], nil
}

func readValue(b []byte) (value.Value, []byte, error) {
	v, n, err := value.Decode(b)
	if err != nil {
		return value.Value{}, nil, &ProtocolError{Reason: "bad value", Err: err}
	}
	return v, b[n:], nil
}

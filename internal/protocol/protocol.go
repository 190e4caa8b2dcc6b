// Package protocol implements the framed binary wire format shared by the
// server, the client and the websocket gateway.
//
//	frame    = length:uint32be payload
//	request  = opcode:uint8 operands
//	response = status:uint8 body
//
// Encoding and decoding are pure; malformed input decodes to a
// *ProtocolError and never panics.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/loganszeto/shardkv/internal/value"
)

type Opcode uint8

const (
	OpGet    Opcode = 0x01
	OpSet    Opcode = 0x02
	OpDel    Opcode = 0x03
	OpExists Opcode = 0x04
	OpIncr   Opcode = 0x05
	OpDecr   Opcode = 0x06
	OpPing   Opcode = 0x07
	OpInfo   Opcode = 0x08
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	case OpDel:
		return "DEL"
	case OpExists:
		return "EXISTS"
	case OpIncr:
		return "INCR"
	case OpDecr:
		return "DECR"
	case OpPing:
		return "PING"
	case OpInfo:
		return "INFO"
	default:
		return fmt.Sprintf("OP(0x%02x)", uint8(o))
	}
}

type Status uint8

const (
	StatusOK           Status = 0x00
	StatusNotFound     Status = 0x01
	StatusTypeMismatch Status = 0x02
	StatusError        Status = 0x03
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusTypeMismatch:
		return "TYPE_MISMATCH"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATUS(0x%02x)", uint8(s))
	}
}

// Request is one decoded call. Value carries the SET payload or the
// INCR/DECR delta; TTL is only meaningful for SET and zero means no expiry.
type Request struct {
	Op    Opcode
	Key   string
	Value value.Value
	TTL   time.Duration
}

// Response carries a Value (possibly empty) for OK and a Message for
// TYPE_MISMATCH and ERROR.
type Response struct {
	Status  Status
	Value   value.Value
	Message string
}

var (
	ErrProtocol      = errors.New("protocol error")
	ErrFrameTooLarge = errors.New("frame too large")
)

type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

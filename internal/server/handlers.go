package server

import (
	"errors"
	"time"

	"github.com/loganszeto/shardkv/internal/protocol"
	"github.com/loganszeto/shardkv/internal/stats"
	"github.com/loganszeto/shardkv/internal/store"
	"github.com/loganszeto/shardkv/internal/value"
)

// Dispatch executes one request against st. It is shared by the TCP
// listener and the websocket gateway.
func Dispatch(st store.Store, stats *stats.Stats, startedAt time.Time, req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpPing:
		return protocol.Response{Status: protocol.StatusOK}
	case protocol.OpGet:
		v, err := st.Get(req.Key)
		stats.RecordGet(err == nil)
		if err != nil {
			return errorResponse(stats, err)
		}
		return ok(v)
	case protocol.OpSet:
		prev, _, err := st.Set(req.Key, req.Value, req.TTL)
		if err != nil {
			return errorResponse(stats, err)
		}
		stats.RecordSet()
		return ok(prev)
	case protocol.OpDel:
		removed, err := st.Delete(req.Key)
		if err != nil {
			return errorResponse(stats, err)
		}
		stats.RecordDel()
		return ok(boolInt(removed))
	case protocol.OpExists:
		found, err := st.Exists(req.Key)
		if err != nil {
			return errorResponse(stats, err)
		}
		return ok(boolInt(found))
	case protocol.OpIncr, protocol.OpDecr:
		var (
			v   value.Value
			err error
		)
		if req.Op == protocol.OpIncr {
			v, err = st.Incr(req.Key, req.Value)
		} else {
			v, err = st.Decr(req.Key, req.Value)
		}
		if err != nil {
			return errorResponse(stats, err)
		}
		stats.RecordIncr()
		return ok(v)
	case protocol.OpInfo:
		return ok(info(st, stats, startedAt))
	default:
		stats.RecordError()
		return protocol.Response{Status: protocol.StatusError, Message: "unknown opcode " + req.Op.String()}
	}
}

func info(st store.Store, stats *stats.Stats, startedAt time.Time) value.Value {
	fields := map[string]value.Value{
		"uptime_ms": value.Int(time.Since(startedAt).Milliseconds()),
		"keys":      value.Int(int64(st.Len())),
		"shards":    value.Int(int64(st.ShardCount())),
	}
	for name, n := range stats.Snapshot() {
		fields[name] = value.Int(n)
	}
	return value.Map(fields)
}

func errorResponse(stats *stats.Stats, err error) protocol.Response {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.Response{Status: protocol.StatusNotFound}
	case errors.Is(err, store.ErrTypeMismatch):
		stats.RecordError()
		return protocol.Response{Status: protocol.StatusTypeMismatch, Message: err.Error()}
	default:
		stats.RecordError()
		return protocol.Response{Status: protocol.StatusError, Message: err.Error()}
	}
}

func ok(v value.Value) protocol.Response {
	return protocol.Response{Status: protocol.StatusOK, Value: v}
}

func boolInt(b bool) value.Value {
	if b {
		return value.Int(1)
	}
	return value.Int(0)
}

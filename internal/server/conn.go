package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	kvlog "github.com/loganszeto/shardkv/internal/log"
	"github.com/loganszeto/shardkv/internal/protocol"
)

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	logger := kvlog.ForConn(s.logger, "tcp", c.RemoteAddr().String())
	reader := bufio.NewReader(c)
	writer := bufio.NewWriter(c)

	s.stats.ConnOpened()
	s.metrics.IncrementConnections(ctx)
	defer func() {
		s.stats.ConnClosed()
		s.metrics.DecrementConnections(ctx)
	}()
	logger.Debugw("connection opened")

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
	}

	for {
		if s.idleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		payload, err := protocol.ReadFrame(reader, s.maxFrame)
		if err != nil {
			s.closeReason(ctx, logger, writer, err)
			_ = writer.Flush()
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		start := time.Now()
		op := "INVALID"
		var resp protocol.Response
		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			s.stats.RecordError()
			s.metrics.RecordProtocolError(ctx, "decode")
			logger.Debugw("malformed request", "error", err)
			resp = protocol.Response{Status: protocol.StatusError, Message: err.Error()}
		} else {
			op = req.Op.String()
			resp = s.dispatch(req)
		}

		out, err := protocol.EncodeResponse(resp)
		if err != nil {
			logger.Errorw("encode response", "op", op, "error", err)
			resp = protocol.Response{Status: protocol.StatusError, Message: err.Error()}
			out, _ = protocol.EncodeResponse(resp)
		}
		s.metrics.RecordRequest(ctx, op, resp.Status.String(), time.Since(start))

		if err := protocol.WriteFrame(writer, out); err != nil {
			return
		}
		// Replies to pipelined requests are batched while another whole
		// frame is already buffered.
		if !frameBuffered(reader) {
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

// closeReason logs why a connection is going away and, for an oversized
// frame, tells the peer before hanging up.
func (s *Server) closeReason(ctx context.Context, logger *zap.SugaredLogger, w *bufio.Writer, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Debugw("connection closed by peer")
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.stats.RecordError()
		s.metrics.RecordProtocolError(ctx, "frame_too_large")
		logger.Debugw("closing connection", "error", err)
		_ = protocol.WriteResponse(w, protocol.Response{Status: protocol.StatusError, Message: err.Error()})
	case protocol.IsDesync(err):
		s.stats.RecordError()
		s.metrics.RecordProtocolError(ctx, "truncated")
		logger.Debugw("closing connection", "error", err)
	default:
		logger.Debugw("connection read failed", "error", err)
	}
}

func (s *Server) dispatch(req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.RecordError()
			s.logger.Errorw("panic while handling request", "op", req.Op.String(), "panic", r)
			resp = protocol.Response{Status: protocol.StatusError, Message: fmt.Sprintf("internal error handling %s", req.Op)}
		}
	}()
	return Dispatch(s.st, s.stats, s.startedAt, req)
}

func frameBuffered(r *bufio.Reader) bool {
	if r.Buffered() < protocol.HeaderSize {
		return false
	}
	header, err := r.Peek(protocol.HeaderSize)
	if err != nil {
		return false
	}
	return uint64(r.Buffered()) >= uint64(protocol.HeaderSize)+uint64(binary.BigEndian.Uint32(header))
}

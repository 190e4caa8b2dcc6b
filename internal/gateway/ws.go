package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	kvlog "github.com/loganszeto/shardkv/internal/log"
	"github.com/loganszeto/shardkv/internal/protocol"
	"github.com/loganszeto/shardkv/internal/server"
)

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(g.maxFrame))

	ctx := r.Context()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	logger := kvlog.ForConn(g.logger, "ws", r.RemoteAddr)
	g.stats.ConnOpened()
	g.metrics.IncrementConnections(ctx)
	defer func() {
		g.stats.ConnClosed()
		g.metrics.DecrementConnections(ctx)
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				g.metrics.RecordProtocolError(ctx, "frame_too_large")
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("websocket read ended", "error", err)
			}
			return
		}

		start := time.Now()
		op := "INVALID"
		var resp protocol.Response
		if msgType != websocket.BinaryMessage {
			g.stats.RecordError()
			g.metrics.RecordProtocolError(ctx, "text_message")
			resp = protocol.Response{Status: protocol.StatusError, Message: "requests must be binary messages"}
		} else if req, err := protocol.DecodeRequest(payload); err != nil {
			g.stats.RecordError()
			g.metrics.RecordProtocolError(ctx, "decode")
			resp = protocol.Response{Status: protocol.StatusError, Message: err.Error()}
		} else {
			op = req.Op.String()
			resp = server.Dispatch(g.st, g.stats, g.startedAt, req)
		}

		out, err := protocol.EncodeResponse(resp)
		if err != nil {
			logger.Errorw("encode response", "op", op, "error", err)
			out, _ = protocol.EncodeResponse(protocol.Response{Status: protocol.StatusError, Message: err.Error()})
		}
		g.metrics.RecordRequest(ctx, op, resp.Status.String(), time.Since(start))
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

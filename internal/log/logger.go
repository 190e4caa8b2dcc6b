// Package log builds the zap loggers shared by the shardkv binaries.
package log

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field keys used on every per-connection logger.
const (
	ConnKey      = "conn"
	TransportKey = "transport"
	RemoteKey    = "remote"
)

// NewLogger returns a JSON info logger for "prod" and a colored debug
// logger otherwise. Every entry carries service=shardkv.
func NewLogger(env string) (*zap.Logger, error) {
	var config zap.Config

	if env == "prod" {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	config.InitialFields = map[string]any{"service": "shardkv"}

	return config.Build()
}

func NewSugar(env string) (*zap.SugaredLogger, error) {
	logger, err := NewLogger(env)
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// OrNop returns l, or a logger that discards everything when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// ForConn tags l with a fresh connection id so one client's lines can be
// followed across the tcp and websocket listeners.
func ForConn(l *zap.SugaredLogger, transport, remote string) *zap.SugaredLogger {
	return OrNop(l).With(ConnKey, uuid.NewString(), TransportKey, transport, RemoteKey, remote)
}

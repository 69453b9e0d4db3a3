package session

import (
	"context"

	"go.uber.org/zap"
)

// Handler receives client messages in arrival order. It runs on the inbound
// loop, so it must return promptly.
type Handler interface {
	Handle(ctx context.Context, sessionID string, payload []byte)
}

type HandlerFunc func(ctx context.Context, sessionID string, payload []byte)

func (f HandlerFunc) Handle(ctx context.Context, sessionID string, payload []byte) {
	f(ctx, sessionID, payload)
}

// LogHandler only logs what the client sent.
type LogHandler struct {
	logger *zap.Logger
}

func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(_ context.Context, sessionID string, payload []byte) {
	h.logger.Info("Received message", zap.String("session_id", sessionID), zap.ByteString("payload", payload))
}

package server

import (
	"context"
	"net"
	"testing"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/anypay/prices/cmd/gateway/internal/gateway"
)

func newObservedAcceptor() (*Acceptor, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewAcceptor(context.Background(), nil, nil, zap.New(core), gateway.Options{}), logs
}

func TestAcceptor_RejectSendsInternalError(t *testing.T) {
	a, logs := newObservedAcceptor()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.reject(gateway.NewConn(server, gateway.Options{}))
	}()

	f, err := ws.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	<-done

	if f.Header.OpCode != ws.OpClose {
		t.Fatalf("Expected close frame, got %v", f.Header.OpCode)
	}
	if code, _ := ws.ParseCloseFrameData(f.Payload); code != ws.StatusInternalServerError {
		t.Errorf("Expected 1011, got %d", code)
	}
	if logs.Len() != 0 {
		t.Errorf("Expected no logs on a clean reject, got %v", logs.All())
	}
}

func TestAcceptor_RejectLogsWriteFailure(t *testing.T) {
	a, logs := newObservedAcceptor()
	server, client := net.Pipe()
	client.Close()

	a.reject(gateway.NewConn(server, gateway.Options{}))

	entries := logs.FilterMessage("Close frame not sent").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one debug entry for the failed close frame, got %v", logs.All())
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("Expected debug level, got %v", entries[0].Level)
	}
	if _, ok := entries[0].ContextMap()["error"]; !ok {
		t.Error("Expected the write error to be attached")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anypay/prices/cmd/gateway/internal/gateway"
	"github.com/anypay/prices/cmd/gateway/internal/server"
	"github.com/anypay/prices/cmd/gateway/internal/session"
	"github.com/anypay/prices/pkg/broker"
	"github.com/anypay/prices/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	amqpConn, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer amqpConn.Close()

	// session queues bind to the exchange, which may not exist yet on a fresh broker
	setupCh, err := amqpConn.Channel()
	if err != nil {
		logger.Fatal("Failed to open AMQP channel", zap.Error(err))
	}
	if err := broker.DeclareExchange(setupCh, cfg.AMQP.Exchange); err != nil {
		logger.Fatal("Failed to declare exchange", zap.String("exchange", cfg.AMQP.Exchange), zap.Error(err))
	}
	setupCh.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dependency Injection: every session gets its own channel on the shared connection
	dialer := &server.AMQPDialer{Conn: amqpConn, Exchange: cfg.AMQP.Exchange, Logger: logger}
	acceptor := server.NewAcceptor(ctx, dialer, session.NewLogHandler(logger), logger, gateway.Options{
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		WriteWait:      cfg.Gateway.WriteTimeout,
		ReadWait:       cfg.Gateway.ReadTimeout,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Gateway.Path, acceptor)

	srv := &http.Server{Addr: cfg.Gateway.Port, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Gateway Started", zap.String("port", cfg.Gateway.Port), zap.String("path", cfg.Gateway.Path))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		closed := amqpConn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-gctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("amqp connection closed: %v", amqpErr)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway stopped", zap.Error(err))
	}

	stop()
	logger.Info("Waiting for sessions to close", zap.Int64("active", acceptor.Active()))
	acceptor.Wait()
	logger.Info("Shutdown Complete")
}

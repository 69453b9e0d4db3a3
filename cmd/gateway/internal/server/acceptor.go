package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/anypay/prices/cmd/gateway/internal/gateway"
	"github.com/anypay/prices/cmd/gateway/internal/session"
	"github.com/anypay/prices/pkg/broker"
)

// SessionBroker is a broker channel owned by one session.
type SessionBroker interface {
	session.Broker
	Close() error
}

// BrokerDialer opens a fresh broker channel per connection.
type BrokerDialer interface {
	OpenBroker() (SessionBroker, error)
}

// AMQPDialer opens channels on a shared AMQP connection.
type AMQPDialer struct {
	Conn     *amqp.Connection
	Exchange string
	Logger   *zap.Logger
}

func (d *AMQPDialer) OpenBroker() (SessionBroker, error) {
	ch, err := d.Conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", broker.ErrBrokerUnavailable, err)
	}
	return broker.NewClient(ch, d.Exchange, d.Logger), nil
}

// Acceptor upgrades HTTP requests to websockets and runs one session per
// connection on the request goroutine.
type Acceptor struct {
	ctx      context.Context
	brokers  BrokerDialer
	handler  session.Handler
	logger   *zap.Logger
	connOpts gateway.Options

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewAcceptor returns an Acceptor whose sessions stop when ctx is cancelled.
func NewAcceptor(ctx context.Context, brokers BrokerDialer, handler session.Handler, logger *zap.Logger, opts gateway.Options) *Acceptor {
	return &Acceptor{
		ctx:      ctx,
		brokers:  brokers,
		handler:  handler,
		logger:   logger,
		connOpts: opts,
	}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Debug("Websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()

	conn := gateway.NewConn(nc, a.connOpts)

	b, err := a.brokers.OpenBroker()
	if err != nil {
		a.logger.Error("Failed to open broker channel", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		a.reject(conn)
		return
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.logger.Debug("Broker channel close failed", zap.Error(err))
		}
	}()

	s, err := session.New(conn, b, session.Config{Logger: a.logger, Handler: a.handler})
	if err != nil {
		return
	}

	a.active.Add(1)
	defer a.active.Add(-1)

	if err := s.Run(a.ctx); err != nil {
		a.logger.Warn("Session ended with error", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// Active reports the number of running sessions.
func (a *Acceptor) Active() int64 { return a.active.Load() }

// Wait blocks until every session started by ServeHTTP has torn down.
func (a *Acceptor) Wait() { a.wg.Wait() }

// reject closes a connection that never got a session with 1011.
func (a *Acceptor) reject(conn *gateway.Conn) {
	_, wr := conn.Split()
	if err := wr.WriteClose(ws.StatusInternalServerError, "broker unavailable"); err != nil {
		a.logger.Debug("Close frame not sent", zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		a.logger.Debug("Connection close failed", zap.Error(err))
	}
}

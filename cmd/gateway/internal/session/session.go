// Package session bridges one websocket connection to one exclusive broker
// queue for the lifetime of the connection.
//
// Deliveries are acknowledged once the send to the client has been attempted,
// whether the send succeeded, failed, or was skipped because the payload was
// not valid UTF-8. An ack means "processed", not "delivered": a message that
// was in flight when the client vanished is lost rather than redelivered.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/anypay/prices/cmd/gateway/internal/gateway"
)

const queuePrefix = "websocket:"

// ErrDeliveryDecode marks a broker payload that is not valid UTF-8 text.
var ErrDeliveryDecode = errors.New("delivery is not valid UTF-8")

// Broker is the per-session view of a broker channel.
type Broker interface {
	DeclareExclusiveQueue(name string) error
	StartConsumer(queue string) (<-chan amqp.Delivery, string, error)
	CancelConsumer(tag string)
	Ack(d amqp.Delivery)
	DeleteQueue(name string)
}

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// QueueName derives the broker queue for a session id.
func QueueName(id string) string { return queuePrefix + id }

type Config struct {
	Logger  *zap.Logger
	Handler Handler // defaults to LogHandler
}

type Session struct {
	id     string
	queue  string
	broker Broker
	conn   gateway.Duplex
	reader gateway.MessageReader
	writer gateway.MessageWriter // safe for concurrent use; shared by forwarding and teardown

	handler Handler
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu          sync.Mutex
	consumerTag string

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New provisions the session queue for an upgraded connection. When the
// broker cannot be used the connection is closed and the error (wrapping
// broker.ErrBrokerUnavailable) is returned.
func New(conn gateway.Duplex, b Broker, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		queue:   QueueName(id),
		broker:  b,
		conn:    conn,
		handler: cfg.Handler,
		logger:  cfg.Logger.With(zap.String("session_id", id)),
	}
	if s.handler == nil {
		s.handler = NewLogHandler(cfg.Logger)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.reader, s.writer = conn.Split()

	if err := b.DeclareExclusiveQueue(s.queue); err != nil {
		s.logger.Error("Failed to declare session queue", zap.String("queue", s.queue), zap.Error(err))
		s.abort()
		return nil, err
	}

	return s, nil
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Queue() string { return s.queue }
func (s *Session) State() State  { return State(s.state.Load()) }

// Run forwards broker deliveries to the client and client messages to the
// handler until either side stops. Cancelling ctx shuts the session down.
// Run always tears the session down before returning.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Inbound loop panicked", zap.Any("panic", r))
			err = fmt.Errorf("session %s: inbound panic: %v", s.id, r)
		}
		s.Close()
		s.wg.Wait()
	}()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	deliveries, tag, err := s.broker.StartConsumer(s.queue)
	if err != nil {
		if s.State() != StateOpen {
			return nil
		}
		s.logger.Error("Failed to start consumer", zap.String("queue", s.queue), zap.Error(err))
		return err
	}

	s.mu.Lock()
	if s.State() != StateOpen {
		s.mu.Unlock()
		s.broker.CancelConsumer(tag)
		return nil
	}
	s.consumerTag = tag
	s.mu.Unlock()

	s.logger.Info("Session opened", zap.String("queue", s.queue))

	s.wg.Add(1)
	go s.forward(deliveries)

	return s.inbound()
}

// Close tears the session down. It is safe to call more than once and from
// any goroutine; only the first call does the work.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()

		s.mu.Lock()
		tag := s.consumerTag
		s.mu.Unlock()
		if tag != "" {
			s.broker.CancelConsumer(tag)
		}

		s.broker.DeleteQueue(s.queue)

		if err := s.writer.WriteClose(ws.StatusNormalClosure, "Session closed"); err != nil {
			s.logger.Debug("Close frame not sent", zap.Error(err))
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Connection close failed", zap.Error(err))
		}

		s.state.Store(int32(StateClosed))
		s.logger.Info("Session closed", zap.String("queue", s.queue))
	})
}

// abort closes a session whose queue could not be provisioned.
func (s *Session) abort() {
	s.closeOnce.Do(func() {
		s.cancel()
		// declare may have succeeded before a bind failed
		s.broker.DeleteQueue(s.queue)
		if err := s.writer.WriteClose(ws.StatusInternalServerError, "broker unavailable"); err != nil {
			s.logger.Debug("Close frame not sent", zap.Error(err))
		}
		s.conn.Close()
		s.state.Store(int32(StateClosed))
	})
}

func (s *Session) forward(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Forwarding loop panicked", zap.Any("panic", r))
			s.Close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Info("Consumer stream closed by broker")
				s.Close()
				return
			}
			if s.ctx.Err() != nil {
				// tearing down: nothing more goes to the client, but the
				// delivery still counts as processed
				s.broker.Ack(d)
				return
			}
			if !s.deliver(d) {
				s.Close()
				return
			}
		}
	}
}

// deliver sends one delivery and reports whether the connection is still usable.
func (s *Session) deliver(d amqp.Delivery) bool {
	defer s.broker.Ack(d)

	if !utf8.Valid(d.Body) {
		s.logger.Warn("Dropping delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(ErrDeliveryDecode))
		return true
	}

	if err := s.writer.WriteText(d.Body); err != nil {
		s.logger.Error("Failed to send message to websocket client", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) inbound() error {
	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			if s.State() != StateOpen || isDisconnect(err) {
				s.logger.Info("Client disconnected", zap.NamedError("reason", err))
				return nil
			}
			s.logger.Error("Error in websocket connection", zap.Error(err))
			return err
		}
		s.handler.Handle(s.ctx, s.id, msg)
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, gateway.ErrPeerClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

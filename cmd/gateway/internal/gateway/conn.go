package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	defaultMaxMessageSize = 512 * 1024
	defaultWriteWait      = 5 * time.Second
)

var (
	// ErrPeerClosed is returned by ReadMessage when the client sent a close frame.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrSendFailure wraps every failed frame write; the connection is assumed dead.
	ErrSendFailure = errors.New("send failed")

	ErrMessageTooBig = errors.New("message too big")
	ErrFragmented    = errors.New("fragmented messages are not supported")
)

// MessageReader is the read half of a Duplex connection.
type MessageReader interface {
	ReadMessage() ([]byte, error)
}

// MessageWriter is the write half of a Duplex connection. Implementations
// must be safe for concurrent use.
type MessageWriter interface {
	WriteText(p []byte) error
	WriteClose(code ws.StatusCode, reason string) error
}

// Duplex is an upgraded websocket connection.
type Duplex interface {
	Split() (MessageReader, MessageWriter)
	Close() error
}

type Options struct {
	MaxMessageSize int64
	WriteWait      time.Duration // per-frame write deadline
	ReadWait       time.Duration // idle read deadline, 0 disables
}

// Conn is a server side websocket over an already upgraded net.Conn.
type Conn struct {
	conn           net.Conn
	maxMessageSize int64
	writeWait      time.Duration
	readWait       time.Duration

	wmu       sync.Mutex // serializes every frame written to conn
	closeOnce sync.Once
	closeErr  error
}

var _ Duplex = (*Conn)(nil)

func NewConn(conn net.Conn, opts Options) *Conn {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	return &Conn{
		conn:           conn,
		maxMessageSize: opts.MaxMessageSize,
		writeWait:      opts.WriteWait,
		readWait:       opts.ReadWait,
	}
}

// Split returns the read and write halves. The read half must only be used
// by a single goroutine.
func (c *Conn) Split() (MessageReader, MessageWriter) {
	return &reader{c: c}, &writer{c: c}
}

func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Close releases the underlying connection; a blocked ReadMessage returns.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// write runs one frame write under the write lock and deadline.
func (c *Conn) write(fn func(w io.Writer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := fn(c.conn); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	return nil
}

type reader struct {
	c *Conn
}

// ReadMessage returns the next text or binary payload. Pings are answered
// and pongs skipped without surfacing to the caller.
func (r *reader) ReadMessage() ([]byte, error) {
	c := r.c
	for {
		if c.readWait > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readWait))
		}

		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return nil, err
		}

		if header.Length > c.maxMessageSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooBig, header.Length)
		}

		if !header.Fin {
			return nil, ErrFragmented
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, err
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return nil, ErrPeerClosed
		case ws.OpPing:
			err := c.write(func(w io.Writer) error {
				return wsutil.WriteServerMessage(w, ws.OpPong, payload)
			})
			if err != nil {
				return nil, err
			}
		case ws.OpPong:
		case ws.OpText, ws.OpBinary:
			return payload, nil
		default:
			return nil, fmt.Errorf("unexpected opcode %#x", header.OpCode)
		}
	}
}

type writer struct {
	c *Conn
}

func (w *writer) WriteText(p []byte) error {
	return w.c.write(func(conn io.Writer) error {
		return wsutil.WriteServerText(conn, p)
	})
}

func (w *writer) WriteClose(code ws.StatusCode, reason string) error {
	body := ws.NewCloseFrameBody(code, reason)
	return w.c.write(func(conn io.Writer) error {
		return wsutil.WriteServerMessage(conn, ws.OpClose, body)
	})
}

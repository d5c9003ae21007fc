// Package subscriber adapts a WebSocket connection to the registry's Subscriber contract.
package subscriber

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/registry"
)

var (
	ErrClosed         = errors.New("subscriber closed")
	ErrSendBufferFull = errors.New("subscriber send buffer full")
)

// Lifecycle receives connection events. *registry.Registry implements it.
type Lifecycle interface {
	OnConnect(h registry.Subscriber) bool
	OnDisconnect(h registry.Subscriber) bool
}

type Options struct {
	SendBuffer int
	WriteWait  time.Duration
	PingPeriod time.Duration
	// ReadLimit caps inbound frames; clients are not expected to send anything meaningful.
	ReadLimit int64
}

func DefaultOptions() Options {
	return Options{
		SendBuffer: 16,
		WriteWait:  10 * time.Second,
		PingPeriod: 30 * time.Second,
		ReadLimit:  4096,
	}
}

// Conn is one subscriber connection. Send only enqueues; a single write pump
// owns all data frames. There is no read deadline: the connection lives until
// the peer closes it or a write (data or ping) fails.
type Conn struct {
	id       string
	location string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	opts     Options
	logger   *zap.Logger
}

func New(ws *websocket.Conn, location string, opts Options, logger *zap.Logger) *Conn {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := ulid.Make().String()
	return &Conn{
		id:       id,
		location: location,
		ws:       ws,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		opts:     opts,
		logger:   logger.With(zap.String("subscriber_id", id), zap.String("location", location)),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) Location() string { return c.location }

// Send enqueues payload without blocking.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close sends a normal close frame and tears down the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run registers the connection, pumps writes and blocks reading (and discarding)
// client frames until the connection ends or ctx is cancelled. It always
// reports the disconnect before returning.
func (c *Conn) Run(ctx context.Context, lc Lifecycle) {
	lc.OnConnect(c)
	c.logger.Info("subscriber connected")
	defer func() {
		lc.OnDisconnect(c)
		_ = c.Close()
		c.logger.Info("subscriber disconnected")
	}()

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	c.ws.SetReadLimit(c.opts.ReadLimit)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("subscriber read ended", zap.Error(err))
			}
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("subscriber write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.logger.Debug("subscriber ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

// RejectPolicy closes ws with 1008 (policy violation) and the given reason.
func RejectPolicy(ws *websocket.Conn, reason string, writeWait time.Duration) error {
	if writeWait <= 0 {
		writeWait = DefaultOptions().WriteWait
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return ws.Close()
}

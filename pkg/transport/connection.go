package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrSlowConsumer = errors.New("transport: send queue full")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout closes a connection that sends nothing for this long. Zero disables it.
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	SendBuffer      int           `mapstructure:"sendBuffer"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4 << 20
	}
	return c
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	config = config.withDefaults()

	wg.Add(1)
	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.conn.SetReadLimit(c.config.MaxMessageBytes)
	go c.readPump()
	go c.writePump()
	if c.config.PingInterval > 0 {
		go c.pingPump()
	}

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.readMessage()
		if err != nil {
			readErr = err
			return
		}
		if message == nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// readMessage returns nil for frames that carry no text or binary payload.
func (c *Connection) readMessage() ([]byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Warn("Failed to read full message", slog.Any("error", err))
		return nil, err
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) pingPump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for the client without blocking. It fails with
// ErrSlowConsumer when the queue is full and ErrClosed after Close.
// It is safe for concurrent use.
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status, reason := closeStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			c.conn.Close(status, reason)
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return websocket.StatusTryAgainLater, "send queue full"
	case err == nil, errors.Is(err, context.Canceled):
		return websocket.StatusNormalClosure, ""
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return status, ""
	}
	return websocket.StatusGoingAway, ""
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

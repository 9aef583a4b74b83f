package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned by Write once the connection is gone.
var ErrConnectionClosed = errors.New("ws: connection closed")

// ReasonShutdown closes a connection with 1001 (going away) instead of 1008.
const ReasonShutdown = "server shutting down"

type writeRequest struct {
	messageType int
	data        []byte
	result      chan error
}

// Connection is one station's WebSocket. All data frames leave through a single write pump, so
// replies and server-initiated calls never interleave on the wire.
type Connection struct {
	stationID   string
	remoteAddr  string
	subprotocol string
	connectedAt time.Time

	ws     *websocket.Conn
	queue  chan writeRequest
	done   chan struct{}
	once   sync.Once
	opts   Options
	logger *zap.Logger
}

func newConnection(stationID string, conn *websocket.Conn, opts Options, logger *zap.Logger) *Connection {
	return &Connection{
		stationID:   stationID,
		remoteAddr:  conn.RemoteAddr().String(),
		subprotocol: conn.Subprotocol(),
		connectedAt: time.Now().UTC(),
		ws:          conn,
		queue:       make(chan writeRequest, opts.SendQueue),
		done:        make(chan struct{}),
		opts:        opts,
		logger:      logger.With(zap.String("station_id", stationID)),
	}
}

// StationID returns the identity taken from the connection URL.
func (c *Connection) StationID() string { return c.stationID }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// ConnectedSince returns the upgrade time.
func (c *Connection) ConnectedSince() time.Time { return c.connectedAt }

// Subprotocol returns the negotiated OCPP version.
func (c *Connection) Subprotocol() string { return c.subprotocol }

// Write queues a text frame and waits until it is on the wire or has failed. Once queued, the
// frame is written regardless of ctx, so the result reflects what the peer actually got.
func (c *Connection) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := writeRequest{messageType: websocket.TextMessage, data: frame, result: make(chan error, 1)}

	select {
	case c.queue <- req:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-c.done:
		// The pump may have finished this frame just before the connection went away.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrConnectionClosed
		}
	}
}

// Close sends a close frame carrying reason and tears the connection down.
func (c *Connection) Close(reason string) error {
	var err error
	c.once.Do(func() {
		code := websocket.ClosePolicyViolation
		if reason == ReasonShutdown {
			code = websocket.CloseGoingAway
		}
		deadline := time.Now().Add(c.opts.WriteTimeout)
		err = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		c.teardown()
	})
	return err
}

// terminate drops the connection without a close frame.
func (c *Connection) terminate() {
	c.once.Do(c.teardown)
}

func (c *Connection) teardown() {
	close(c.done)
	_ = c.ws.Close()
}

// run blocks until the peer goes away. Frames are handed to engine one at a time.
func (c *Connection) run(ctx context.Context, engine Engine) {
	go c.writePump()
	c.readPump(ctx, engine)
	c.terminate()
}

func (c *Connection) readPump(ctx context.Context, engine Engine) {
	c.ws.SetReadLimit(c.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection read closed", zap.Error(err))
			} else {
				c.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if err := engine.HandleFrame(ctx, c, message); err != nil {
			c.logger.Warn("failed to write reply", zap.Error(err))
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case req := <-c.queue:
			err := c.write(req.messageType, req.data)
			req.result <- err
			if err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				c.terminate()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Info("ping failed", zap.Error(err))
				c.terminate()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

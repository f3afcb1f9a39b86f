package amps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// ErrCommandFailed is returned when the server acknowledges a command with
// a failure status.
var ErrCommandFailed = errors.New("amps: command failed")

// waiter is a pending command waiting for one acknowledgement type.
type waiter struct {
	want string
	ch   chan *Message
}

// conn is one logged-on WebSocket connection.
//
// A single read loop owns inbound frames: acknowledgements resolve waiters,
// data messages go to the route registered for their subscription or query
// id, and anything else falls through to onUnrouted.
type conn struct {
	ws        *websocket.Conn
	logger    transport.Logger
	heartbeat time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]waiter
	routes  map[string]func(*Message)

	onUnrouted func(*Message)
	onLost     func(error)

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger transport.Logger, heartbeat time.Duration, onUnrouted func(*Message), onLost func(error)) *conn {
	return &conn{
		ws:         ws,
		logger:     logger,
		heartbeat:  heartbeat,
		waiters:    make(map[string]waiter),
		routes:     make(map[string]func(*Message)),
		onUnrouted: onUnrouted,
		onLost:     onLost,
		closed:     make(chan struct{}),
	}
}

// readLoop runs until the socket fails or is closed.
func (c *conn) readLoop() {
	c.extendDeadline()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown()
			c.onLost(err)
			return
		}
		c.extendDeadline()

		msg, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed amps frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) extendDeadline() {
	if c.heartbeat > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.heartbeat)) //nolint:errcheck // failure surfaces on next read
	}
}

func (c *conn) dispatch(msg *Message) {
	switch msg.Header.Command {
	case cmdAck:
		c.resolve(msg)
	case cmdGroupBegin, cmdGroupEnd:
		// Snapshot boundaries carry no payload.
	case cmdHeartbeat:
		if err := c.send(Header{Command: cmdHeartbeat, Options: "beat"}, nil); err != nil {
			c.logger.Debug("heartbeat reply failed", "error", err)
		}
	default:
		id := msg.Header.SubID
		if id == "" {
			id = msg.Header.QueryID
		}
		c.mu.Lock()
		route := c.routes[id]
		c.mu.Unlock()
		if route != nil {
			route(msg)
			return
		}
		c.onUnrouted(msg)
	}
}

func (c *conn) resolve(ack *Message) {
	c.mu.Lock()
	w, ok := c.waiters[ack.Header.CommandID]
	if ok && (ack.Header.AckType == w.want || ack.Header.Status == statusFailure) {
		delete(c.waiters, ack.Header.CommandID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		w.ch <- ack
	}
}

// route sends data messages for id to fn. fn runs on the read loop and must
// not block for long.
func (c *conn) route(id string, fn func(*Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[id] = fn
}

func (c *conn) unroute(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, id)
}

func (c *conn) send(h Header, body []byte) error {
	frame, err := encodeFrame(h, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return transport.ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // failure surfaces on write
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", h.Command, err)
	}
	return nil
}

// command sends h and waits for the acknowledgement of type want.
func (c *conn) command(ctx context.Context, h Header, body []byte, want string) (*Message, error) {
	if h.CommandID == "" {
		h.CommandID = uuid.NewString()
	}
	if h.AckType == "" {
		h.AckType = want
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.waiters[h.CommandID] = waiter{want: want, ch: ch}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, h.CommandID)
		c.mu.Unlock()
	}()

	if err := c.send(h, body); err != nil {
		return nil, err
	}

	select {
	case ack := <-ch:
		if ack.Header.Status == statusFailure {
			return ack, fmt.Errorf("%w: %s: %s", ErrCommandFailed, h.Command, ack.Header.Reason)
		}
		return ack, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s not acknowledged", transport.ErrTimeout, h.Command)
		}
		return nil, ctx.Err()
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// shutdown marks the connection closed and closes the socket.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close() //nolint:errcheck // socket may already be gone
	})
}

// close sends a close frame and shuts the socket down.
func (c *conn) close() error {
	if c.isClosed() {
		return nil
	}
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("closing amps connection: %w", err)
	}
	return nil
}

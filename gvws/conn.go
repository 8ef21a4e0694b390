// Package gvws is a WebSocket transport for gvnet,
// for clients that cannot use QUIC.
//
// WebSocket offers only ordered, reliable delivery,
// so every payload is sent as one binary message
// regardless of the requested [gvconn.Reliability].
package gvws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
)

const (
	// DefaultOutboundQueueSize is the number of payloads
	// that may wait on a connection's write goroutine.
	DefaultOutboundQueueSize = 256

	writeWait = 5 * time.Second

	// Largest message accepted from a peer.
	maxMessageSize = 4 << 20
)

var (
	// ErrQueueFull is returned from [*Conn.Enqueue]
	// when the write goroutine is too far behind.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrClosed is returned from [*Conn.Enqueue] after the connection closed.
	ErrClosed = errors.New("connection closed")
)

// Conn is a [gvconn.Conn] over a single WebSocket.
type Conn struct {
	log *slog.Logger

	id gvconn.NetID
	ws *websocket.Conn

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	head *gvpubsub.Stream[gvconn.Event]

	outbound chan []byte

	wg sync.WaitGroup
}

var _ gvconn.Conn = (*Conn)(nil)

// newConn starts the read and write goroutines for ws.
// The connection is closed when ctx is canceled.
func newConn(
	ctx context.Context, log *slog.Logger, id gvconn.NetID, ws *websocket.Conn, queueSize int,
) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueueSize
	}

	ctx, cancel := context.WithCancelCause(ctx)

	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		log: log,

		id: id,
		ws: ws,

		ctx:    ctx,
		cancel: cancel,

		head: gvpubsub.NewStream[gvconn.Event](),

		outbound: make(chan []byte, queueSize),
	}

	c.wg.Add(3)
	go c.readLoop(c.head)
	go c.writeLoop()
	go c.closeOnCancel()

	return c
}

func (c *Conn) ID() gvconn.NetID { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// MaxDatagramSize returns zero: WebSocket messages have no datagram limit.
func (c *Conn) MaxDatagramSize() int { return 0 }

func (c *Conn) RegisterReader() *gvpubsub.Stream[gvconn.Event] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head == nil {
		panic(fmt.Errorf("BUG: RegisterReader called twice for connection %d", c.id))
	}
	h := c.head
	c.head = nil
	return h
}

// Enqueue queues payload for the write goroutine.
// The reliability is ignored; every message is reliable.
func (c *Conn) Enqueue(payload []byte, _ gvconn.Reliability) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	select {
	case c.outbound <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) Close(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.cancel(fmt.Errorf("closed locally: %s", reason))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close message: %w", err)
	}
	return nil
}

// Wait blocks until every goroutine belonging to c has returned.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// readLoop is the only writer to the event stream.
func (c *Conn) readLoop(tail *gvpubsub.Stream[gvconn.Event]) {
	defer c.wg.Done()

	publish := func(ev gvconn.Event) {
		tail.Publish(ev)
		tail = tail.Next
	}

	publish(gvconn.Event{Kind: gvconn.EventConnected})

	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			c.cancel(fmt.Errorf("read failed: %w", err))
			break
		}
		if mt != websocket.BinaryMessage {
			c.log.Debug("Ignoring non-binary websocket message", "message_type", mt)
			continue
		}
		publish(gvconn.Event{Kind: gvconn.EventPacket, Payload: b})
	}

	publish(gvconn.Event{
		Kind:  gvconn.EventDisconnected,
		Cause: context.Cause(c.ctx),
	})
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				if c.ctx.Err() == nil {
					c.log.Info("Failed to write websocket message", "err", err)
				}
				c.cancel(fmt.Errorf("write failed: %w", err))
				return
			}
		}
	}
}

// closeOnCancel closes the socket once the connection context ends,
// which unblocks the read loop.
func (c *Conn) closeOnCancel() {
	defer c.wg.Done()

	<-c.ctx.Done()
	_ = c.ws.Close()
}

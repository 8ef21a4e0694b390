package gvquic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
	"github.com/quic-go/quic-go"
)

// Application error codes used when closing a connection.
const (
	// Keep zero reserved for quic-go's own "no error" closes.

	ShutdownErrorCode quic.ApplicationErrorCode = 1
	ClosedErrorCode   quic.ApplicationErrorCode = 2
	ProtocolErrorCode quic.ApplicationErrorCode = 3
)

var (
	// ErrQueueFull is returned from [*Conn.Enqueue]
	// when the send goroutine is too far behind.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrClosed is returned from [*Conn.Enqueue] after the connection closed.
	ErrClosed = errors.New("connection closed")

	// ErrDatagramTooLarge is returned from [*Conn.Enqueue]
	// for unreliable payloads larger than [DatagramBudget].
	ErrDatagramTooLarge = errors.New("datagram exceeds budget")
)

type outbound struct {
	payload []byte
	rel     gvconn.Reliability
}

// Conn is a [gvconn.Conn] over a single QUIC connection.
type Conn struct {
	log *slog.Logger

	id gvconn.NetID
	qc quic.Connection

	datagrams bool

	// Multiple receive goroutines feed events,
	// and a single goroutine publishes them to the stream.
	events chan gvconn.Event

	mu   sync.Mutex
	head *gvpubsub.Stream[gvconn.Event]

	outbound chan outbound

	wg     sync.WaitGroup
	recvWG sync.WaitGroup
}

var _ gvconn.Conn = (*Conn)(nil)

// newConn starts the goroutines for qc.
// The connection is closed when ctx is canceled.
func newConn(
	ctx context.Context, log *slog.Logger, id gvconn.NetID, qc quic.Connection, queueSize int,
) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueueSize
	}

	c := &Conn{
		log: log,

		id: id,
		qc: qc,

		datagrams: qc.ConnectionState().SupportsDatagrams,

		events: make(chan gvconn.Event, 64),

		outbound: make(chan outbound, queueSize),
	}

	// The stream consumes the channel until it is closed,
	// which happens right after the final Disconnected event.
	c.head, _ = gvpubsub.RunChannelToStream(context.WithoutCancel(ctx), c.events)

	// Connected is first on the stream, before any receive goroutine starts.
	c.events <- gvconn.Event{Kind: gvconn.EventConnected}

	c.recvWG.Add(2)
	go c.receiveDatagrams()
	go c.acceptStreams()

	c.wg.Add(3)
	go c.sendLoop()
	go c.closeOnCancel(ctx)
	go c.reportDisconnect()

	return c
}

func (c *Conn) ID() gvconn.NetID { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

// MaxDatagramSize returns [DatagramBudget] if the peer negotiated datagram support,
// and zero otherwise, in which case unreliable payloads travel on the stream.
func (c *Conn) MaxDatagramSize() int {
	if c.datagrams {
		return DatagramBudget
	}
	return 0
}

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

func (c *Conn) Enqueue(payload []byte, rel gvconn.Reliability) error {
	if rel == gvconn.Unreliable && c.datagrams && len(payload) > DatagramBudget {
		return fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(payload), DatagramBudget)
	}

	if c.qc.Context().Err() != nil {
		return ErrClosed
	}

	select {
	case c.outbound <- outbound{payload: payload, rel: rel}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) Close(reason string) error {
	return c.qc.CloseWithError(ClosedErrorCode, reason)
}

// Wait blocks until every goroutine belonging to c has returned,
// which happens after the connection closes.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) emit(ev gvconn.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.qc.Context().Done():
		return false
	}
}

func (c *Conn) receiveDatagrams() {
	defer c.recvWG.Done()

	if !c.datagrams {
		return
	}

	ctx := c.qc.Context()
	for {
		b, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if !c.emit(gvconn.Event{Kind: gvconn.EventPacket, Payload: b}) {
			return
		}
	}
}

func (c *Conn) acceptStreams() {
	defer c.recvWG.Done()

	ctx := c.qc.Context()
	for {
		s, err := c.qc.AcceptUniStream(ctx)
		if err != nil {
			return
		}

		c.recvWG.Add(1)
		go c.readStream(s)
	}
}

func (c *Conn) readStream(s quic.ReceiveStream) {
	defer c.recvWG.Done()

	r := bufio.NewReader(s)
	for {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && c.qc.Context().Err() == nil {
				c.log.Debug("Failed to read reliable frame length", "err", err)
			}
			return
		}
		if n > maxReliableFrame {
			c.log.Info("Closing connection after oversized reliable frame", "size", n)
			_ = c.qc.CloseWithError(ProtocolErrorCode, "reliable frame too large")
			return
		}

		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			if c.qc.Context().Err() == nil {
				c.log.Debug("Failed to read reliable frame", "err", err)
			}
			return
		}

		if !c.emit(gvconn.Event{Kind: gvconn.EventPacket, Payload: b}) {
			return
		}
	}
}

func (c *Conn) sendLoop() {
	defer c.wg.Done()

	ctx := c.qc.Context()

	// Opened on first use.
	var stream quic.SendStream
	var w *bufio.Writer
	var lenBuf [binary.MaxVarintLen64]byte

	for {
		var ob outbound
		select {
		case <-ctx.Done():
			return
		case ob = <-c.outbound:
		}

		if ob.rel == gvconn.Unreliable && c.datagrams {
			if err := c.qc.SendDatagram(ob.payload); err != nil {
				c.log.Debug("Failed to send datagram", "size", len(ob.payload), "err", err)
			}
		} else {
			if stream == nil {
				var err error
				stream, err = c.qc.OpenUniStreamSync(ctx)
				if err != nil {
					if ctx.Err() == nil {
						c.log.Info("Failed to open reliable stream", "err", err)
					}
					return
				}
				w = bufio.NewWriter(stream)
			}

			n := binary.PutUvarint(lenBuf[:], uint64(len(ob.payload)))
			_, _ = w.Write(lenBuf[:n])
			_, _ = w.Write(ob.payload)
		}

		// Coalesce reliable writes while more work is queued.
		if w != nil && w.Buffered() > 0 && len(c.outbound) == 0 {
			if err := w.Flush(); err != nil {
				if ctx.Err() == nil {
					c.log.Info("Failed to write reliable stream", "err", err)
				}
				return
			}
		}
	}
}

func (c *Conn) closeOnCancel(ctx context.Context) {
	defer c.wg.Done()

	select {
	case <-ctx.Done():
		_ = c.qc.CloseWithError(ShutdownErrorCode, "shutting down")
	case <-c.qc.Context().Done():
	}
}

// reportDisconnect publishes the final event once every receiver has stopped,
// so that Disconnected is always last on the stream.
func (c *Conn) reportDisconnect() {
	defer c.wg.Done()

	qctx := c.qc.Context()
	<-qctx.Done()
	c.recvWG.Wait()

	c.events <- gvconn.Event{
		Kind:  gvconn.EventDisconnected,
		Cause: context.Cause(qctx),
	}
	close(c.events)
}

// Package gvconntest contains helpers for testing code built on [gvconn].
package gvconntest

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
)

// Sent is a payload passed to [*StubConn.Enqueue].
type Sent struct {
	Payload     []byte
	Reliability gvconn.Reliability
}

// StubConn is an in-memory [gvconn.Conn].
// Tests act as the transport by publishing events with its helper methods,
// and inspect what the code under test enqueued with [*StubConn.Sent].
type StubConn struct {
	id   gvconn.NetID
	addr net.Addr

	// Write side of the event stream.
	tail *gvpubsub.Stream[gvconn.Event]

	mu          sync.Mutex
	head        *gvpubsub.Stream[gvconn.Event]
	sent        []Sent
	closed      bool
	closeReason string

	// Zero means unlimited.
	MaxDatagram int

	// If set, Enqueue returns this error.
	EnqueueErr error
}

// NewStubConn returns a StubConn with the given id
// and a loopback address derived from it.
func NewStubConn(id gvconn.NetID) *StubConn {
	s := gvpubsub.NewStream[gvconn.Event]()
	return &StubConn{
		id: id,
		addr: net.UDPAddrFromAddrPort(
			netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(10000+id%50000)),
		),
		tail: s,
		head: s,
	}
}

func (c *StubConn) ID() gvconn.NetID     { return c.id }
func (c *StubConn) RemoteAddr() net.Addr { return c.addr }

func (c *StubConn) MaxDatagramSize() int { return c.MaxDatagram }

func (c *StubConn) RegisterReader() *gvpubsub.Stream[gvconn.Event] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head == nil {
		panic(fmt.Errorf("BUG: RegisterReader called twice for connection %d", c.id))
	}
	h := c.head
	c.head = nil
	return h
}

func (c *StubConn) Enqueue(payload []byte, r gvconn.Reliability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.EnqueueErr != nil {
		return c.EnqueueErr
	}
	if c.closed {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, Sent{Payload: payload, Reliability: r})
	return nil
}

func (c *StubConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.closeReason = reason
	return nil
}

// Closed reports whether Close was called, and with what reason.
func (c *StubConn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

// Publish appends ev to the connection's event stream.
// Like a real transport, a single goroutine must call Publish.
func (c *StubConn) Publish(ev gvconn.Event) {
	c.tail.Publish(ev)
	c.tail = c.tail.Next
}

// Connect publishes an [gvconn.EventConnected] event.
func (c *StubConn) Connect() {
	c.Publish(gvconn.Event{Kind: gvconn.EventConnected})
}

// Disconnect publishes an [gvconn.EventDisconnected] event.
func (c *StubConn) Disconnect(cause error) {
	c.Publish(gvconn.Event{Kind: gvconn.EventDisconnected, Cause: cause})
}

// Deliver publishes a packet event carrying payload.
func (c *StubConn) Deliver(payload []byte) {
	c.Publish(gvconn.Event{Kind: gvconn.EventPacket, Payload: payload})
}

// DeliverMessage encodes m and delivers it as a packet.
// It panics if m cannot be encoded.
func (c *StubConn) DeliverMessage(m gvmsg.Message) {
	b, err := gvmsg.Encode(m)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to encode %T for stub delivery: %w", m, err))
	}
	c.Deliver(b)
}

// Sent returns a copy of every payload enqueued so far.
func (c *StubConn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentMessages decodes every enqueued payload.
// It panics if any payload fails to decode.
func (c *StubConn) SentMessages() []gvmsg.Message {
	sent := c.Sent()
	out := make([]gvmsg.Message, len(sent))
	for i, s := range sent {
		m, err := gvmsg.Decode(s.Payload)
		if err != nil {
			panic(fmt.Errorf("BUG: stub connection enqueued undecodable payload: %w", err))
		}
		out[i] = m
	}
	return out
}

// ResetSent forgets previously enqueued payloads.
func (c *StubConn) ResetSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// Acceptor is an in-memory [gvconn.Acceptor].
type Acceptor struct {
	head, tail *gvpubsub.Stream[gvconn.Conn]
}

// NewAcceptor returns an empty Acceptor.
func NewAcceptor() *Acceptor {
	s := gvpubsub.NewStream[gvconn.Conn]()
	return &Acceptor{head: s, tail: s}
}

func (a *Acceptor) Conns() *gvpubsub.Stream[gvconn.Conn] { return a.head }

// Accept publishes c as a newly accepted connection.
func (a *Acceptor) Accept(c gvconn.Conn) {
	a.tail.Publish(c)
	a.tail = a.tail.Next
}

package gvconn

import (
	"net"

	"github.com/grumpy-visitors/gvnet/gvpubsub"
)

// NetID is the opaque identifier the transport assigns to a peer.
// It is unique among live connections of one transport.
type NetID uint64

// EventKind distinguishes the values a transport publishes for a connection.
type EventKind uint8

const (
	// Keep zero reserved so an uninitialized Event is obviously invalid.

	// The transport finished establishing the connection.
	EventConnected EventKind = 1

	// The connection is gone.
	// No further events follow.
	EventDisconnected EventKind = 2

	// A packet arrived; Payload holds the encoded message.
	EventPacket EventKind = 3
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventPacket:
		return "Packet"
	default:
		return "EventKind(invalid)"
	}
}

// Event is a single raw occurrence on a connection.
type Event struct {
	Kind EventKind

	// Set for EventPacket.
	Payload []byte

	// Optionally set for EventDisconnected.
	Cause error
}

// Reliability selects the delivery guarantee for an outgoing payload.
type Reliability uint8

const (
	// Best effort, possibly reordered or lost.
	// Mapped to datagrams where the transport supports them.
	Unreliable Reliability = iota

	// Delivered in order, or the connection fails.
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// Conn is the transport's view of a single peer.
type Conn interface {
	ID() NetID
	RemoteAddr() net.Addr

	// RegisterReader returns the head of the connection's event stream.
	// There is exactly one reader per connection;
	// calling RegisterReader a second time panics.
	RegisterReader() *gvpubsub.Stream[Event]

	// Enqueue hands payload to the transport's outbound queue
	// without blocking the caller.
	// It returns an error if the queue is full or the connection is closed;
	// delivery failures after that point are the transport's concern.
	Enqueue(payload []byte, r Reliability) error

	// MaxDatagramSize reports the largest payload that Enqueue
	// accepts with [Unreliable].
	// Zero means the transport has no such limit.
	MaxDatagramSize() int

	Close(reason string) error
}

// Acceptor is implemented by transports that accept incoming peers.
type Acceptor interface {
	// Conns returns the stream on which each new connection is published once.
	// Every call returns the same head.
	Conns() *gvpubsub.Stream[Conn]
}

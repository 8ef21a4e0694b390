package gvconn

import (
	"net"
	"time"

	"github.com/grumpy-visitors/gvnet/gvlatency"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
	"github.com/grumpy-visitors/gvnet/gvshard"
)

// Record is the Manager's state for one live peer.
// Records are owned by the [Manager];
// callers may read them and use the setters between ticks,
// but must not retain them across a tick boundary.
type Record struct {
	ID   NetID
	Conn Conn

	RemoteAddr net.Addr

	CreatedAt    time.Time
	LastPingedAt time.Time

	Latency *gvlatency.Samples

	// Private reader position in the connection's event stream.
	cursor *gvpubsub.Stream[Event]

	reassembler *gvshard.Reassembler

	lastAck    uint64
	hasLastAck bool

	lastBroadcast    uint64
	hasLastBroadcast bool

	messages       uint64
	decodeFailures uint64

	dropping bool
}

// LastAcknowledgedUpdate returns the highest action update id
// accepted from this peer, and false if none has been accepted.
func (r *Record) LastAcknowledgedUpdate() (uint64, bool) {
	return r.lastAck, r.hasLastAck
}

// SetLastAcknowledgedUpdate records id as the highest accepted action update id.
func (r *Record) SetLastAcknowledgedUpdate(id uint64) {
	r.lastAck = id
	r.hasLastAck = true
}

// LastBroadcastedFrame returns the newest frame sent to this peer,
// and false if nothing has been broadcast to it yet.
func (r *Record) LastBroadcastedFrame() (uint64, bool) {
	return r.lastBroadcast, r.hasLastBroadcast
}

// SetLastBroadcastedFrame records f as the newest frame sent to this peer.
func (r *Record) SetLastBroadcastedFrame(f uint64) {
	r.lastBroadcast = f
	r.hasLastBroadcast = true
}

// Messages returns the number of non-keepalive messages received from this peer.
func (r *Record) Messages() uint64 {
	return r.messages
}

// DecodeFailures returns the number of packets from this peer
// that could not be decoded.
func (r *Record) DecodeFailures() uint64 {
	return r.decodeFailures
}

// ConnectionStats is a read-only diagnostic snapshot of one connection.
type ConnectionStats struct {
	ID         NetID
	RemoteAddr net.Addr

	// See [gvlatency.Samples.AverageLag],
	// including the [gvlatency.LagUnknown] sentinel.
	AverageLag uint64

	Messages       uint64
	DecodeFailures uint64

	ConnectedFor time.Duration
	LastPingedAt time.Time
}

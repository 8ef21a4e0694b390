// Package gvmsg contains the closed set of messages exchanged
// between server and clients, and their binary codec.
//
// Every encoded message begins with a single [MessageType] byte.
// Integers are unsigned varints.
// World updates, which can carry many frames of state,
// are snappy-compressed when that saves space.
package gvmsg

import "fmt"

// MessageType is a single byte header indicating the type of message.
type MessageType uint8

const (
	// Keep zero reserved.
	// Not using iota here, to avoid possibility of values changing across the wire.

	// Keepalive probe, answered with a pong.
	PingMessageType MessageType = 1

	// Reply to a ping, carrying the replier's current frame.
	PongMessageType MessageType = 2

	// A player action scheduled for a specific frame (client to server).
	ActionUpdateMessageType MessageType = 3

	// A contiguous range of world-state frames (server to client).
	WorldUpdateMessageType MessageType = 4

	// One Reed-Solomon shard of a message too large for a datagram.
	ShardMessageType MessageType = 5

	// Free-form chat text, relayed to gameplay as-is.
	ChatMessageType MessageType = 6
)

// Message is implemented by every message in this package.
type Message interface {
	MessageType() MessageType
}

// Ping is the keepalive probe sent once per keepalive interval.
type Ping struct {
	ID uint64

	// Sender's frame when the ping was sent.
	Frame uint64
}

// Pong answers the [Ping] with the matching ID.
type Pong struct {
	PingID uint64

	// Replier's current frame at the time of the reply.
	Frame uint64
}

// ActionUpdate is a player-originated change
// to apply at a specific frame.
// IDs are assigned by the originating client before transmission,
// so retransmitted duplicates can be detected.
type ActionUpdate struct {
	ID      uint64
	Frame   uint64
	Payload []byte
}

// FrameBatch is the world-state output of a single frame.
type FrameBatch struct {
	Frame   uint64
	Updates [][]byte
}

// WorldUpdate is a contiguous range of frames broadcast by the server.
type WorldUpdate struct {
	// Set when the requested range had already expired
	// and the client must resynchronize from a full-state snapshot.
	Snapshot bool

	Frames []FrameBatch
}

// Shard is one data or parity shard of a larger encoded message.
// Any NumData distinct shards of a group reconstruct the original.
type Shard struct {
	Group uint64
	Index uint16

	NumData, NumParity uint16

	// Length of the original encoded message,
	// which is padded to a whole number of shards.
	Size uint32

	Data []byte
}

// Chat is free-form text.
type Chat struct {
	Text string
}

func (Ping) MessageType() MessageType         { return PingMessageType }
func (Pong) MessageType() MessageType         { return PongMessageType }
func (ActionUpdate) MessageType() MessageType { return ActionUpdateMessageType }
func (WorldUpdate) MessageType() MessageType  { return WorldUpdateMessageType }
func (Shard) MessageType() MessageType        { return ShardMessageType }
func (Chat) MessageType() MessageType         { return ChatMessageType }

// IsKeepalive reports whether m is part of the ping/pong exchange
// and is therefore consumed by the connection layer
// rather than relayed to gameplay.
func IsKeepalive(m Message) bool {
	switch m.(type) {
	case Ping, Pong:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	switch t {
	case PingMessageType:
		return "Ping"
	case PongMessageType:
		return "Pong"
	case ActionUpdateMessageType:
		return "ActionUpdate"
	case WorldUpdateMessageType:
		return "WorldUpdate"
	case ShardMessageType:
		return "Shard"
	case ChatMessageType:
		return "Chat"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

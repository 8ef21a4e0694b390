package gvmsg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// ErrDecode is wrapped by every error returned from [Decode].
var ErrDecode = errors.New("failed to decode message")

const (
	rawEncoding    byte = 0
	snappyEncoding byte = 1
)

// Limits applied while decoding,
// so a hostile length prefix cannot force a huge allocation.
const (
	MaxFramesPerUpdate  = 1 << 12
	MaxUpdatesPerFrame  = 1 << 12
	MaxDecodedBodyBytes = 4 << 20
)

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	buf := []byte{byte(m.MessageType())}

	switch m := m.(type) {
	case Ping:
		buf = binary.AppendUvarint(buf, m.ID)
		buf = binary.AppendUvarint(buf, m.Frame)
	case Pong:
		buf = binary.AppendUvarint(buf, m.PingID)
		buf = binary.AppendUvarint(buf, m.Frame)
	case ActionUpdate:
		buf = binary.AppendUvarint(buf, m.ID)
		buf = binary.AppendUvarint(buf, m.Frame)
		buf = appendBytes(buf, m.Payload)
	case WorldUpdate:
		body := encodeWorldBody(m)
		if len(body) > MaxDecodedBodyBytes {
			return nil, fmt.Errorf(
				"world update body of %d bytes exceeds limit of %d",
				len(body), MaxDecodedBodyBytes,
			)
		}

		// Only pay the snappy overhead when it shrinks the body.
		enc := snappy.Encode(nil, body)
		if len(enc) < len(body) {
			buf = append(buf, snappyEncoding)
			buf = append(buf, enc...)
		} else {
			buf = append(buf, rawEncoding)
			buf = append(buf, body...)
		}
	case Shard:
		buf = binary.AppendUvarint(buf, m.Group)
		buf = binary.AppendUvarint(buf, uint64(m.Index))
		buf = binary.AppendUvarint(buf, uint64(m.NumData))
		buf = binary.AppendUvarint(buf, uint64(m.NumParity))
		buf = binary.AppendUvarint(buf, uint64(m.Size))
		buf = append(buf, m.Data...)
	case Chat:
		buf = appendBytes(buf, []byte(m.Text))
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", m)
	}

	return buf, nil
}

// Decode parses the wire form produced by [Encode].
// Any malformed input yields an error wrapping [ErrDecode].
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrDecode)
	}

	r := reader{b: b[1:]}
	var m Message

	switch MessageType(b[0]) {
	case PingMessageType:
		m = Ping{ID: r.uvarint(), Frame: r.uvarint()}
	case PongMessageType:
		m = Pong{PingID: r.uvarint(), Frame: r.uvarint()}
	case ActionUpdateMessageType:
		m = ActionUpdate{ID: r.uvarint(), Frame: r.uvarint(), Payload: r.bytes()}
	case WorldUpdateMessageType:
		wu, err := decodeWorldUpdate(r.rest())
		if err != nil {
			return nil, err
		}
		return wu, nil
	case ShardMessageType:
		s := Shard{
			Group:     r.uvarint(),
			Index:     r.uint16(),
			NumData:   r.uint16(),
			NumParity: r.uint16(),
			Size:      r.uint32(),
		}
		s.Data = r.rest()
		m = s
	case ChatMessageType:
		m = Chat{Text: string(r.bytes())}
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%x", ErrDecode, b[0])
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, MessageType(b[0]), r.err)
	}
	if len(r.b) > 0 {
		return nil, fmt.Errorf(
			"%w: %s: %d trailing bytes", ErrDecode, MessageType(b[0]), len(r.b),
		)
	}

	return m, nil
}

func encodeWorldBody(m WorldUpdate) []byte {
	var body []byte
	if m.Snapshot {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}

	body = binary.AppendUvarint(body, uint64(len(m.Frames)))
	for _, f := range m.Frames {
		body = binary.AppendUvarint(body, f.Frame)
		body = binary.AppendUvarint(body, uint64(len(f.Updates)))
		for _, u := range f.Updates {
			body = appendBytes(body, u)
		}
	}
	return body
}

func decodeWorldUpdate(b []byte) (WorldUpdate, error) {
	if len(b) == 0 {
		return WorldUpdate{}, fmt.Errorf("%w: world update: missing encoding byte", ErrDecode)
	}

	body := b[1:]
	switch b[0] {
	case rawEncoding:
		// Use as-is.
	case snappyEncoding:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return WorldUpdate{}, fmt.Errorf("%w: world update: %w", ErrDecode, err)
		}
		if n > MaxDecodedBodyBytes {
			return WorldUpdate{}, fmt.Errorf(
				"%w: world update: decoded size %d exceeds limit", ErrDecode, n,
			)
		}
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return WorldUpdate{}, fmt.Errorf("%w: world update: %w", ErrDecode, err)
		}
	default:
		return WorldUpdate{}, fmt.Errorf(
			"%w: world update: unknown encoding byte 0x%x", ErrDecode, b[0],
		)
	}

	r := reader{b: body}
	var wu WorldUpdate

	switch r.byte() {
	case 0:
	case 1:
		wu.Snapshot = true
	default:
		r.fail(errors.New("invalid snapshot flag"))
	}

	nFrames := r.count(MaxFramesPerUpdate)
	if nFrames > 0 {
		wu.Frames = make([]FrameBatch, 0, nFrames)
	}
	for range nFrames {
		fb := FrameBatch{Frame: r.uvarint()}
		nUpdates := r.count(MaxUpdatesPerFrame)
		if nUpdates > 0 {
			fb.Updates = make([][]byte, 0, nUpdates)
		}
		for range nUpdates {
			fb.Updates = append(fb.Updates, r.bytes())
		}
		if r.err != nil {
			break
		}
		wu.Frames = append(wu.Frames, fb)
	}

	if r.err != nil {
		return WorldUpdate{}, fmt.Errorf("%w: world update: %w", ErrDecode, r.err)
	}
	if len(r.b) > 0 {
		return WorldUpdate{}, fmt.Errorf(
			"%w: world update: %d trailing bytes", ErrDecode, len(r.b),
		)
	}

	return wu, nil
}

func appendBytes(buf, p []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	return append(buf, p...)
}

// reader consumes a byte slice,
// remembering the first error so decoding code can stay linear.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.b = nil
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.fail(errors.New("truncated or overlong varint"))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) uint16() uint16 {
	v := r.uvarint()
	if v > 1<<16-1 {
		r.fail(fmt.Errorf("value %d overflows uint16", v))
		return 0
	}
	return uint16(v)
}

func (r *reader) uint32() uint32 {
	v := r.uvarint()
	if v > 1<<32-1 {
		r.fail(fmt.Errorf("value %d overflows uint32", v))
		return 0
	}
	return uint32(v)
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.b) == 0 {
		r.fail(errors.New("unexpected end of message"))
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

// count reads a length prefix that is bounded by limit.
func (r *reader) count(limit int) int {
	v := r.uvarint()
	if v > uint64(limit) {
		r.fail(fmt.Errorf("count %d exceeds limit %d", v, limit))
		return 0
	}
	return int(v)
}

// bytes reads a length-prefixed byte string.
// The result aliases the input.
func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)) {
		r.fail(fmt.Errorf("length %d exceeds remaining %d bytes", n, len(r.b)))
		return nil
	}
	out := r.b[:n:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) rest() []byte {
	out := r.b
	r.b = nil
	return out
}

package gvmsg_test

import (
	"bytes"
	"testing"

	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/stretchr/testify/require"
)

func TestDecode_empty(t *testing.T) {
	t.Parallel()

	_, err := gvmsg.Decode(nil)
	require.ErrorIs(t, err, gvmsg.ErrDecode)
}

func TestDecode_unknownType(t *testing.T) {
	t.Parallel()

	for _, b := range []byte{0, 7, 0xff} {
		_, err := gvmsg.Decode([]byte{b, 1, 2})
		require.ErrorIs(t, err, gvmsg.ErrDecode)
	}
}

func TestDecode_truncated(t *testing.T) {
	t.Parallel()

	enc, err := gvmsg.Encode(gvmsg.ActionUpdate{
		ID: 300, Frame: 12, Payload: []byte("jump"),
	})
	require.NoError(t, err)

	// Every strict prefix must be rejected, never panic.
	for i := 1; i < len(enc); i++ {
		_, err := gvmsg.Decode(enc[:i])
		require.ErrorIsf(t, err, gvmsg.ErrDecode, "prefix length %d", i)
	}
}

func TestDecode_trailingBytes(t *testing.T) {
	t.Parallel()

	enc, err := gvmsg.Encode(gvmsg.Ping{ID: 1, Frame: 2})
	require.NoError(t, err)

	_, err = gvmsg.Decode(append(enc, 0))
	require.ErrorIs(t, err, gvmsg.ErrDecode)
}

func TestEncode_keepalive(t *testing.T) {
	t.Parallel()

	enc, err := gvmsg.Encode(gvmsg.Ping{ID: 9, Frame: 100})
	require.NoError(t, err)
	require.Equal(t, byte(gvmsg.PingMessageType), enc[0])

	m, err := gvmsg.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, gvmsg.Ping{ID: 9, Frame: 100}, m)
	require.True(t, gvmsg.IsKeepalive(m))

	enc, err = gvmsg.Encode(gvmsg.Pong{PingID: 9, Frame: 50})
	require.NoError(t, err)

	m, err = gvmsg.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, gvmsg.Pong{PingID: 9, Frame: 50}, m)
	require.True(t, gvmsg.IsKeepalive(m))

	require.False(t, gvmsg.IsKeepalive(gvmsg.Chat{Text: "hi"}))
}

func TestWorldUpdate_compressesRepetitiveBody(t *testing.T) {
	t.Parallel()

	update := bytes.Repeat([]byte("position:0,0;"), 200)
	wu := gvmsg.WorldUpdate{
		Frames: []gvmsg.FrameBatch{
			{Frame: 40, Updates: [][]byte{update, update}},
			{Frame: 41, Updates: [][]byte{update}},
		},
	}

	enc, err := gvmsg.Encode(wu)
	require.NoError(t, err)
	require.Less(t, len(enc), len(update))

	m, err := gvmsg.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, wu, m)
}

func TestWorldUpdate_snapshotWithNoFrames(t *testing.T) {
	t.Parallel()

	enc, err := gvmsg.Encode(gvmsg.WorldUpdate{Snapshot: true})
	require.NoError(t, err)

	m, err := gvmsg.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, gvmsg.WorldUpdate{Snapshot: true}, m)
}

func TestWorldUpdate_rejectsHugeFrameCount(t *testing.T) {
	t.Parallel()

	// Type, raw encoding, no snapshot, then a frame count above the limit.
	b := []byte{byte(gvmsg.WorldUpdateMessageType), 0, 0}
	b = appendUvarint(b, gvmsg.MaxFramesPerUpdate+1)

	_, err := gvmsg.Decode(b)
	require.ErrorIs(t, err, gvmsg.ErrDecode)
}

func TestShard_dataRunsToEnd(t *testing.T) {
	t.Parallel()

	s := gvmsg.Shard{
		Group: 77, Index: 3, NumData: 4, NumParity: 2, Size: 1000,
		Data: []byte{1, 2, 3, 4, 5},
	}
	enc, err := gvmsg.Encode(s)
	require.NoError(t, err)

	m, err := gvmsg.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, s, m)
}

func appendUvarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

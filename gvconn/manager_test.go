package gvconn_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvconn/gvconntest"
	"github.com/grumpy-visitors/gvnet/gvlatency"
	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/grumpy-visitors/gvnet/gvshard"
	"github.com/grumpy-visitors/gvnet/internal/gvtest"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T, cfg gvconn.ManagerConfig) *gvconn.Manager {
	t.Helper()
	return gvconn.NewManager(gvtest.NewLogger(t), cfg)
}

func TestNewManager_invalidConfig(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		_ = gvconn.NewManager(gvtest.NewLogger(t), gvconn.ManagerConfig{
			KeepaliveInterval: -time.Second,
			LatencyWindow:     1,
		})
	})
}

func TestManager_acceptsFromStream(t *testing.T) {
	t.Parallel()

	a := gvconntest.NewAcceptor()
	m := newManager(t, gvconn.ManagerConfig{NewConns: a.Conns()})

	a.Accept(gvconntest.NewStubConn(1))
	a.Accept(gvconntest.NewStubConn(2))
	require.Zero(t, m.Len())

	m.Tick(t0, 0)
	require.Equal(t, 2, m.Len())

	recs := m.Records()
	require.Equal(t, gvconn.NetID(1), recs[0].ID)
	require.Equal(t, gvconn.NetID(2), recs[1].ID)
}

func TestManager_addTwicePanics(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	m.Add(gvconntest.NewStubConn(1), t0)

	require.Panics(t, func() {
		m.Add(gvconntest.NewStubConn(1), t0)
	})
}

func TestManager_inboundInArrivalOrder(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c1 := gvconntest.NewStubConn(1)
	c2 := gvconntest.NewStubConn(2)
	m.Add(c1, t0)
	m.Add(c2, t0)

	c1.Connect()
	c1.DeliverMessage(gvmsg.Chat{Text: "a"})
	c2.DeliverMessage(gvmsg.Chat{Text: "b"})
	c1.DeliverMessage(gvmsg.Chat{Text: "c"})

	m.Tick(t0, 0)

	in := m.DrainInbound()
	require.Equal(t, []gvconn.Inbound{
		{Conn: 1, Msg: gvmsg.Chat{Text: "a"}},
		{Conn: 1, Msg: gvmsg.Chat{Text: "c"}},
		{Conn: 2, Msg: gvmsg.Chat{Text: "b"}},
	}, in)

	require.Empty(t, m.DrainInbound())
}

func TestManager_disconnectAfterPackets(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 5} {
		var dropped []gvconn.NetID
		m := newManager(t, gvconn.ManagerConfig{
			OnDropped: func(r *gvconn.Record) { dropped = append(dropped, r.ID) },
		})
		c := gvconntest.NewStubConn(9)
		m.Add(c, t0)

		for i := range n {
			c.DeliverMessage(gvmsg.ActionUpdate{ID: uint64(i + 1), Frame: 3})
		}
		c.Disconnect(errors.New("peer left"))

		// Not processed: after the disconnect in the same batch.
		c.DeliverMessage(gvmsg.ActionUpdate{ID: 100, Frame: 3})

		m.Tick(t0, 0)

		in := m.DrainInbound()
		require.Len(t, in, n)
		for i, msg := range in {
			require.Equal(t, uint64(i+1), msg.Msg.(gvmsg.ActionUpdate).ID)
		}

		_, ok := m.Record(9)
		require.False(t, ok)
		require.Zero(t, m.Len())
		require.Equal(t, []gvconn.NetID{9}, dropped)

		// Further ticks see nothing from the dropped connection.
		m.Tick(t0.Add(time.Second), 1)
		require.Empty(t, m.DrainInbound())
		require.Len(t, dropped, 1)

		require.ErrorIs(t, m.Send(9, gvmsg.Chat{}, gvconn.Reliable), gvconn.ErrConnectionGone)
	}
}

func TestManager_decodeFailureDiscarded(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(1)
	r := m.Add(c, t0)

	c.Deliver([]byte{0xff, 0x01})
	c.Deliver(nil)
	c.DeliverMessage(gvmsg.Chat{Text: "ok"})

	m.Tick(t0, 0)

	require.Len(t, m.DrainInbound(), 1)
	require.Equal(t, uint64(2), r.DecodeFailures())
	require.Equal(t, uint64(1), r.Messages())
}

func TestManager_answersPing(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(1)
	r := m.Add(c, t0)

	c.DeliverMessage(gvmsg.Ping{ID: 4, Frame: 20})
	m.Tick(t0, 77)

	// Keepalives are not gameplay messages.
	require.Empty(t, m.DrainInbound())
	require.Zero(t, r.Messages())

	sent := c.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, gvconn.Unreliable, sent[0].Reliability)
	require.Equal(t, []gvmsg.Message{gvmsg.Pong{PingID: 4, Frame: 77}}, c.SentMessages())
}

func TestManager_keepalive(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{KeepaliveInterval: time.Second})
	c := gvconntest.NewStubConn(1)
	r := m.Add(c, t0)

	m.Tick(t0.Add(500*time.Millisecond), 30)
	require.Empty(t, c.Sent())

	// Exactly one interval is not more than the interval.
	m.Tick(t0.Add(time.Second), 60)
	require.Empty(t, c.Sent())

	now := t0.Add(time.Second + time.Millisecond)
	m.Tick(now, 61)

	msgs := c.SentMessages()
	require.Len(t, msgs, 1)
	ping := msgs[0].(gvmsg.Ping)
	require.Equal(t, uint64(61), ping.Frame)
	require.Equal(t, now, r.LastPingedAt)
	require.Equal(t, 1, r.Latency.Len())

	// The peer answers ten local frames later, reporting frame 40.
	c.DeliverMessage(gvmsg.Pong{PingID: ping.ID, Frame: 40})
	m.Tick(now.Add(10*time.Millisecond), 71)

	require.Equal(t, 1, r.Latency.Resolved())
	est, ok := r.Latency.EstimatedPeerFrame(71)
	require.True(t, ok)
	require.Equal(t, uint64(45), est)
	require.Equal(t, uint64(26), r.Latency.AverageLag())
}

func TestManager_unmatchedPongIgnored(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(1)
	r := m.Add(c, t0)

	c.DeliverMessage(gvmsg.Pong{PingID: 12345, Frame: 1})
	m.Tick(t0, 0)

	require.Zero(t, r.Latency.Resolved())
	require.Empty(t, m.DrainInbound())
}

func TestManager_reassemblesShards(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(1)
	m.Add(c, t0)

	wu := gvmsg.WorldUpdate{
		Frames: []gvmsg.FrameBatch{
			{Frame: 1, Updates: [][]byte{gvtest.RandomDataForTest(t, 3000)}},
		},
	}
	enc, err := gvmsg.Encode(wu)
	require.NoError(t, err)

	shards, err := gvshard.Split(1, enc, gvshard.DefaultSplitConfig())
	require.NoError(t, err)

	// Drop the first shard; parity covers it.
	for _, s := range shards[1:] {
		c.DeliverMessage(s)
	}

	m.Tick(t0, 0)

	in := m.DrainInbound()
	require.Len(t, in, 1)
	got := in[0].Msg.(gvmsg.WorldUpdate)
	require.Len(t, got.Frames, 1)
	require.True(t, bytes.Equal(wu.Frames[0].Updates[0], got.Frames[0].Updates[0]))
}

func TestManager_lagStats(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(3)
	m.Add(c, t0)

	c.DeliverMessage(gvmsg.Chat{Text: "x"})
	m.Tick(t0.Add(5*time.Second), 0)

	stats := m.Lag()
	require.Len(t, stats, 1)
	require.Equal(t, gvconn.NetID(3), stats[0].ID)
	require.Equal(t, c.RemoteAddr(), stats[0].RemoteAddr)
	require.Equal(t, uint64(1), stats[0].Messages)
	require.Equal(t, 5*time.Second, stats[0].ConnectedFor)

	// One ping, nothing resolved, below half the window.
	require.Equal(t, uint64(0), stats[0].AverageLag)
	require.NotEqual(t, gvlatency.LagUnknown, stats[0].AverageLag)
}

func TestManager_sendPayload(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(1)
	m.Add(c, t0)

	require.NoError(t, m.SendPayload(1, []byte("raw"), gvconn.Reliable))
	require.Equal(t, []gvconntest.Sent{{Payload: []byte("raw"), Reliability: gvconn.Reliable}}, c.Sent())

	require.ErrorIs(t, m.SendPayload(2, []byte("raw"), gvconn.Reliable), gvconn.ErrConnectionGone)

	c.EnqueueErr = errors.New("queue full")
	require.Error(t, m.SendPayload(1, []byte("raw"), gvconn.Reliable))
}

func TestManager_closeAll(t *testing.T) {
	t.Parallel()

	m := newManager(t, gvconn.ManagerConfig{})
	c := gvconntest.NewStubConn(1)
	m.Add(c, t0)

	m.CloseAll("shutting down")
	closed, reason := c.Closed()
	require.True(t, closed)
	require.Equal(t, "shutting down", reason)
}

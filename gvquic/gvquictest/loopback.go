// Package gvquictest contains helpers for exercising [gvquic] in tests.
package gvquictest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
	"github.com/grumpy-visitors/gvnet/gvquic"
	"github.com/grumpy-visitors/gvnet/internal/gvtest"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// Loopback is a listener and a dialer bound to 127.0.0.1,
// where the dialer trusts the listener's self-signed certificate.
type Loopback struct {
	Listener *gvquic.Listener
	Dialer   *gvquic.Dialer

	ListenConn, DialConn *net.UDPConn

	accepted *gvpubsub.Stream[gvconn.Conn]
}

// NewLoopback starts a listener bound to an ephemeral local port.
// Connections close when ctx is canceled;
// the UDP sockets are closed as part of [*testing.T.Cleanup].
func NewLoopback(t *testing.T, ctx context.Context) *Loopback {
	t.Helper()

	cert, err := gvquic.GenerateSelfSigned([]string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	listenConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	dialConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = listenConn.Close()
		_ = dialConn.Close()
	})

	log := gvtest.NewLogger(t)

	l, err := gvquic.NewListener(ctx, log.With("side", "listener"), gvquic.ListenerConfig{
		UDPConn: listenConn,
		TLS:     gvquic.ServerTLSConfig(cert),
	})
	require.NoError(t, err)

	return &Loopback{
		Listener: l,
		Dialer: &gvquic.Dialer{
			Log:       log.With("side", "dialer"),
			Transport: &quic.Transport{Conn: dialConn},
			TLS:       gvquic.ClientTLSConfig(cert.Leaf),
		},

		ListenConn: listenConn,
		DialConn:   dialConn,

		accepted: l.Conns(),
	}
}

// Connect dials the listener and returns both ends:
// the dialed connection and the connection the listener accepted.
// Connect must not be called concurrently.
func (lb *Loopback) Connect(t *testing.T, ctx context.Context) (dialed *gvquic.Conn, accepted gvconn.Conn) {
	t.Helper()

	dialed, err := lb.Dialer.Dial(ctx, lb.ListenConn.LocalAddr())
	require.NoError(t, err)

	_ = gvtest.ReceiveSoon(t, lb.accepted.Ready)
	accepted = lb.accepted.Val
	lb.accepted = lb.accepted.Next

	return dialed, accepted
}

package gvquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/quic-go/quic-go"
)

// Dialer establishes outgoing QUIC connections.
type Dialer struct {
	Log *slog.Logger

	// Shared by every connection the Dialer makes.
	// The caller owns it and its UDP connection.
	Transport *quic.Transport

	// Cloned, with [NextProto] added.
	TLS *tls.Config

	// Defaults to [DefaultQUICConfig].
	QUIC *quic.Config

	// Defaults to [DefaultOutboundQueueSize].
	OutboundQueueSize int

	// Identifies the next dialed connection.
	// Zero starts at 1.
	nextID gvconn.NetID
}

// Dial connects to addr.
// The returned connection is closed when ctx is canceled.
func (d *Dialer) Dial(ctx context.Context, addr net.Addr) (*Conn, error) {
	quicConf := d.QUIC
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}

	qc, err := d.Transport.Dial(ctx, addr, withNextProto(d.TLS), quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	d.nextID++
	id := d.nextID

	return newConn(ctx, d.Log.With("conn", id), id, qc, d.OutboundQueueSize), nil
}

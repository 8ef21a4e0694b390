package gvquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
	"github.com/quic-go/quic-go"
)

// ListenerConfig is the configuration for a [Listener].
type ListenerConfig struct {
	// The caller owns the UDP connection and closes it after [*Listener.Wait].
	UDPConn *net.UDPConn

	// Must carry a server certificate.
	// The Listener clones it and adds [NextProto].
	TLS *tls.Config

	// Defaults to [DefaultQUICConfig].
	// Datagrams must be enabled.
	QUIC *quic.Config

	// Per-connection outbound queue length.
	// Defaults to [DefaultOutboundQueueSize].
	OutboundQueueSize int
}

// validate panics if there are any illegal settings in the configuration.
func (c ListenerConfig) validate() {
	var panicErrs error

	if c.UDPConn == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ListenerConfig.UDPConn must not be nil"))
	}

	if c.TLS == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ListenerConfig.TLS must not be nil"))
	} else if len(c.TLS.Certificates) == 0 && c.TLS.GetCertificate == nil {
		panicErrs = errors.Join(panicErrs, errors.New(
			"ListenerConfig.TLS must provide a certificate through Certificates or GetCertificate",
		))
	}

	if c.QUIC != nil && !c.QUIC.EnableDatagrams {
		panicErrs = errors.Join(panicErrs, errors.New(
			"QUIC datagrams must be enabled; set ListenerConfig.QUIC.EnableDatagrams=true",
		))
	}

	if c.OutboundQueueSize < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"ListenerConfig.OutboundQueueSize must not be negative (got %d)", c.OutboundQueueSize,
		))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// Listener accepts incoming QUIC connections
// and publishes each one as a [gvconn.Conn].
type Listener struct {
	log *slog.Logger

	qt *quic.Transport
	ql *quic.Listener

	conns *gvpubsub.Stream[gvconn.Conn]

	queueSize int

	// Accepted connections that have not finished yet.
	mu   sync.Mutex
	live map[gvconn.NetID]*Conn

	// The accept loop, and one watcher per live connection.
	wg sync.WaitGroup
}

var _ gvconn.Acceptor = (*Listener)(nil)

// NewListener starts listening on cfg.UDPConn.
// Accepted connections are closed when ctx is canceled.
// It panics if cfg is invalid.
func NewListener(ctx context.Context, log *slog.Logger, cfg ListenerConfig) (*Listener, error) {
	cfg.validate()

	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}

	qt := &quic.Transport{Conn: cfg.UDPConn}
	ql, err := qt.Listen(withNextProto(cfg.TLS), quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	l := &Listener{
		log: log,

		qt: qt,
		ql: ql,

		conns: gvpubsub.NewStream[gvconn.Conn](),

		queueSize: cfg.OutboundQueueSize,

		live: make(map[gvconn.NetID]*Conn),
	}

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	return l, nil
}

// Conns returns the stream on which accepted connections are published.
func (l *Listener) Conns() *gvpubsub.Stream[gvconn.Conn] {
	return l.conns
}

// Addr returns the local address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

// Wait blocks until the accept loop and every accepted connection
// have stopped, which follows cancellation of the context given to NewListener,
// and then releases the QUIC transport.
func (l *Listener) Wait() {
	l.wg.Wait()

	if err := l.qt.Close(); err != nil {
		l.log.Debug("Error closing QUIC transport", "err", err)
	}
}

// Len returns the number of accepted connections that have not finished.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

func (l *Listener) forgetWhenDone(c *Conn) {
	defer l.wg.Done()

	c.Wait()

	l.mu.Lock()
	delete(l.live, c.ID())
	l.mu.Unlock()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	defer func() {
		if err := l.ql.Close(); err != nil {
			l.log.Debug("Error closing QUIC listener", "err", err)
		}
	}()

	// Only this goroutine writes to the stream.
	tail := l.conns
	var nextID gvconn.NetID

	for {
		qc, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info(
					"Stopping accept loop due to context cancellation",
					"cause", context.Cause(ctx),
				)
				return
			}
			l.log.Info("Failed to accept connection", "err", err)
			return
		}

		nextID++
		c := newConn(ctx, l.log.With("conn", nextID), nextID, qc, l.queueSize)

		l.mu.Lock()
		l.live[nextID] = c
		l.mu.Unlock()

		l.wg.Add(1)
		go l.forgetWhenDone(c)

		l.log.Debug("Accepted connection", "conn", nextID, "remote_addr", qc.RemoteAddr())

		tail.Publish(c)
		tail = tail.Next
	}
}

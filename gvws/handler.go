package gvws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
)

// HandlerConfig is the configuration for a [Handler].
type HandlerConfig struct {
	// Defaults to [DefaultOutboundQueueSize].
	OutboundQueueSize int

	// Optional origin check, passed to the upgrader.
	// Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// Connection IDs are assigned as IDBase+1, IDBase+2, and so on.
	// Set it when the handler shares a session with another transport
	// so that the two ID ranges do not overlap.
	IDBase gvconn.NetID
}

// Handler upgrades HTTP requests to WebSocket connections
// and publishes each one as a [gvconn.Conn].
type Handler struct {
	log *slog.Logger

	ctx context.Context

	upgrader  websocket.Upgrader
	queueSize int

	// HTTP handlers run concurrently,
	// so accepted connections pass through a channel
	// to the stream's single writer.
	accepted chan gvconn.Conn
	conns    *gvpubsub.Stream[gvconn.Conn]

	mu     sync.Mutex
	nextID gvconn.NetID
}

var _ gvconn.Acceptor = (*Handler)(nil)

// NewHandler returns a Handler whose connections
// are closed when ctx is canceled.
func NewHandler(ctx context.Context, log *slog.Logger, cfg HandlerConfig) *Handler {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	h := &Handler{
		log: log,

		ctx: ctx,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		queueSize: cfg.OutboundQueueSize,

		accepted: make(chan gvconn.Conn, 16),

		nextID: cfg.IDBase,
	}

	h.conns, _ = gvpubsub.RunChannelToStream(ctx, h.accepted)

	return h
}

// Conns returns the stream on which upgraded connections are published.
func (h *Handler) Conns() *gvpubsub.Stream[gvconn.Conn] {
	return h.conns
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.log.Debug("Failed to upgrade websocket request", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	c := newConn(h.ctx, h.log.With("conn", id), id, ws, h.queueSize)

	select {
	case h.accepted <- c:
		h.log.Debug("Accepted websocket connection", "conn", id, "remote_addr", ws.RemoteAddr())
	case <-h.ctx.Done():
		_ = c.Close("shutting down")
	}
}

package gvws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/grumpy-visitors/gvnet/gvconn"
)

// Dial opens a WebSocket connection to url, such as "ws://host:port/gvnet".
// The returned connection is closed when ctx is canceled.
func Dial(ctx context.Context, log *slog.Logger, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	const id gvconn.NetID = 1
	return newConn(ctx, log.With("conn", id), id, ws, 0), nil
}

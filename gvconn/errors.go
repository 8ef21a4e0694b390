package gvconn

import "errors"

// ErrConnectionGone is returned when sending to a connection
// that has already been dropped.
// Callers are expected to treat it as a no-op.
var ErrConnectionGone = errors.New("connection gone")

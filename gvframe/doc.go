// Package gvframe contains [Buffer], the fixed-window,
// per-frame ordered buffer of update batches.
//
// A Buffer decouples "when a message about frame N arrives"
// from "when frame N is simulated".
// Messages that arrive early are held in their frame's slot
// until the simulation advances to that frame;
// messages about frames that were already simulated are stale
// and are dropped without disturbing any retained slot.
//
// The same type serves two roles in a session:
// a schedule of future action updates, consumed by [*Buffer.Advance]
// once per simulated frame,
// and (on the server) a history of recently produced world updates,
// read back with [*Buffer.Span] when a lagging client needs a catch-up range.
package gvframe

// Package gvnet is the networked-simulation core of a real-time multiplayer arcade game.
//
// A [Session] keeps a server's authoritative simulation
// and each client's predicted simulation consistent
// despite unreliable, latent and reordered delivery.
// Once per tick it drains every connection through a [gvconn.Manager],
// files action updates into a per-frame [gvframe.Buffer] at their target frame,
// advances that buffer by one frame and hands the frame's batch to the simulation,
// and, on the server, sends each client the world-state frames it is missing
// through a [gvbroadcast.Coordinator].
//
// Everything in a Session runs on the goroutine that calls [*Session.Tick]
// or [*Session.Run].
// Transports ([gvquic], [gvws]) run their own goroutines
// and reach the session only through per-connection event streams.
package gvnet

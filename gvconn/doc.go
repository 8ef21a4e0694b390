// Package gvconn manages the lifecycle of peer connections
// on behalf of the simulation goroutine.
//
// A transport announces each new peer as a [Conn]
// and publishes that peer's raw [Event] values to a [gvpubsub.Stream].
// Once per tick, the [Manager] drains every connection's private cursor,
// decodes packets, answers and records keepalives,
// and appends every other message to a shared inbound queue.
// Connections whose disconnect was observed during a tick
// are removed at the end of that same tick.
//
// Nothing in this package is safe for concurrent use;
// the Manager belongs to the simulation goroutine.
// Transports only interact with it through streams and [Conn.Enqueue].
package gvconn

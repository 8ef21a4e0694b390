// Package gvquic is the QUIC transport for gvnet,
// built on github.com/quic-go/quic-go.
//
// Unreliable payloads are sent as QUIC datagrams.
// Reliable payloads are written, length-prefixed,
// to a single unidirectional stream per direction,
// which preserves their order.
//
// Each connection runs its own receive and send goroutines
// and reports to the simulation only through its [gvpubsub.Stream]
// of [gvconn.Event] values.
package gvquic

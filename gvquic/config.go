package gvquic

import (
	"crypto/tls"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol identifier for gvnet connections.
const NextProto = "gvnet/1"

// DatagramBudget is the largest unreliable payload a [*Conn] accepts.
// QUIC datagrams cannot be fragmented,
// so this stays below the minimum QUIC packet size
// less packet and frame overhead.
const DatagramBudget = 1100

// DefaultOutboundQueueSize is the number of payloads
// that may wait on a connection's send goroutine.
const DefaultOutboundQueueSize = 256

// maxReliableFrame bounds a single length-prefixed reliable payload.
const maxReliableFrame = 4 << 20

// DefaultQUICConfig returns the QUIC configuration used
// when a listener or dialer is not given one.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		// A player waiting on a handshake for longer than this
		// is better off seeing an error and retrying.
		HandshakeIdleTimeout: 3 * time.Second,

		// The manager pings every second,
		// so a connection idle this long has lost its peer.
		MaxIdleTimeout: 10 * time.Second,

		// Keeps NAT bindings alive even if the simulation stalls.
		KeepAlivePeriod: 2 * time.Second,

		// Each side opens exactly one reliable stream.
		// Allow a little headroom for a reconnecting stream.
		MaxIncomingStreams:    -1, // No bidirectional streams.
		MaxIncomingUniStreams: 4,

		// Skip: InitialPacketSize: "usually not necessary to manually set this value".

		// Skip: Allow0RTT: replayable early data would defeat action update deduplication.

		// Datagrams carry every unreliable payload.
		EnableDatagrams: true,
	}
}

// withNextProto returns a clone of conf that advertises [NextProto].
func withNextProto(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	if !slices.Contains(conf.NextProtos, NextProto) {
		conf.NextProtos = append(conf.NextProtos, NextProto)
	}
	return conf
}

package gvconn

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grumpy-visitors/gvnet/gvlatency"
	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
	"github.com/grumpy-visitors/gvnet/gvshard"
)

// DefaultKeepaliveInterval is how often a [Manager] pings each peer
// when [ManagerConfig.KeepaliveInterval] is zero.
const DefaultKeepaliveInterval = time.Second

// Inbound is a decoded message waiting to be routed by gameplay.
type Inbound struct {
	Conn NetID
	Msg  gvmsg.Message
}

// ManagerConfig is the configuration for a [Manager].
type ManagerConfig struct {
	// Stream of newly accepted connections.
	// May be nil when connections are only added through [*Manager.Add].
	NewConns *gvpubsub.Stream[Conn]

	// Minimum time between keepalive pings to one peer.
	// Defaults to [DefaultKeepaliveInterval].
	KeepaliveInterval time.Duration

	// Number of ping/pong samples kept per peer.
	// Defaults to [gvlatency.DefaultWindow].
	LatencyWindow int

	// Number of shard groups reassembled concurrently per peer.
	// Defaults to [gvshard.DefaultMaxPendingGroups].
	MaxPendingShardGroups int

	// Called once for each record removed at the end of a tick,
	// after it has been deleted from the Manager.
	// Messages the peer sent before disconnecting
	// are still in the inbound queue at that point.
	OnDropped func(*Record)
}

// validate panics if there are any illegal settings in the configuration.
func (c ManagerConfig) validate() {
	var panicErrs error

	if c.KeepaliveInterval < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"ManagerConfig.KeepaliveInterval must not be negative (got %s)", c.KeepaliveInterval,
		))
	}

	if c.LatencyWindow != 0 && c.LatencyWindow < 2 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"ManagerConfig.LatencyWindow must be zero or at least 2 (got %d)", c.LatencyWindow,
		))
	}

	if c.MaxPendingShardGroups < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"ManagerConfig.MaxPendingShardGroups must not be negative (got %d)", c.MaxPendingShardGroups,
		))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// Manager owns one [Record] per live peer.
type Manager struct {
	log *slog.Logger

	newConns *gvpubsub.Stream[Conn]

	keepalive     time.Duration
	latencyWindow int
	maxShards     int
	onDropped     func(*Record)

	records map[NetID]*Record

	// Records in the order they were added,
	// so per-tick processing and the inbound queue are deterministic.
	order []*Record

	inbound []Inbound

	nextPingID uint64

	lastTick time.Time
}

// NewManager returns a Manager configured by cfg.
// It panics if cfg is invalid.
func NewManager(log *slog.Logger, cfg ManagerConfig) *Manager {
	cfg.validate()

	m := &Manager{
		log: log,

		newConns: cfg.NewConns,

		keepalive:     cfg.KeepaliveInterval,
		latencyWindow: cfg.LatencyWindow,
		maxShards:     cfg.MaxPendingShardGroups,
		onDropped:     cfg.OnDropped,

		records: make(map[NetID]*Record),
	}

	if m.keepalive == 0 {
		m.keepalive = DefaultKeepaliveInterval
	}
	if m.latencyWindow == 0 {
		m.latencyWindow = gvlatency.DefaultWindow
	}

	return m
}

// Add registers c, effective immediately.
// It panics if a live record already exists for c's ID.
func (m *Manager) Add(c Conn, now time.Time) *Record {
	id := c.ID()
	if _, ok := m.records[id]; ok {
		panic(fmt.Errorf("BUG: connection %d added twice", id))
	}

	r := &Record{
		ID:   id,
		Conn: c,

		RemoteAddr: c.RemoteAddr(),

		CreatedAt:    now,
		LastPingedAt: now,

		Latency: gvlatency.New(m.latencyWindow),

		cursor:      c.RegisterReader(),
		reassembler: gvshard.NewReassembler(m.maxShards),
	}

	m.records[id] = r
	m.order = append(m.order, r)

	m.log.Debug("Registered connection", "conn", id, "remote_addr", r.RemoteAddr)

	return r
}

// Record returns the live record for id.
func (m *Manager) Record(id NetID) (*Record, bool) {
	r, ok := m.records[id]
	return r, ok
}

// Records returns the live records in registration order.
// The slice is shared with m and is only valid until the next tick.
func (m *Manager) Records() []*Record {
	return m.order
}

// Len returns the number of live records.
func (m *Manager) Len() int {
	return len(m.records)
}

// Tick performs one connection-processing pass.
// currentFrame is the local simulation frame,
// reported in pongs and recorded against outgoing pings.
func (m *Manager) Tick(now time.Time, currentFrame uint64) {
	m.lastTick = now

	if m.newConns != nil {
		var conns []Conn
		conns, m.newConns = gvpubsub.Drain(m.newConns)
		for _, c := range conns {
			if _, ok := m.records[c.ID()]; ok {
				m.log.Warn("Ignoring duplicate connection announcement", "conn", c.ID())
				continue
			}
			_ = m.Add(c, now)
		}
	}

	var nMessages, nConns int
	dropped := false

	for _, r := range m.order {
		before := r.messages
		m.drain(r, currentFrame)
		if d := r.messages - before; d > 0 {
			nMessages += int(d)
			nConns++
		}

		if r.dropping {
			dropped = true
			continue
		}

		if now.Sub(r.LastPingedAt) > m.keepalive {
			m.ping(r, now, currentFrame)
		}
	}

	if nMessages > 0 {
		m.log.Info(
			"Received messages this frame",
			"messages", nMessages,
			"connections", nConns,
		)
	}

	if dropped {
		m.removeDropped()
	}
}

// drain processes every event already published to r's cursor.
func (m *Manager) drain(r *Record, currentFrame uint64) {
	for {
		ev, next, ok := r.cursor.TryNext()
		if !ok {
			return
		}
		r.cursor = next

		switch ev.Kind {
		case EventConnected:
			m.log.Info("Connected", "conn", r.ID, "remote_addr", r.RemoteAddr)

		case EventDisconnected:
			m.log.Info(
				"Disconnected",
				"conn", r.ID,
				"remote_addr", r.RemoteAddr,
				"cause", ev.Cause,
			)
			r.dropping = true

			// Anything after the disconnect in this batch is not processed.
			return

		case EventPacket:
			m.handlePacket(r, ev.Payload, currentFrame)

		default:
			panic(fmt.Errorf("BUG: invalid event kind %d on connection %d", ev.Kind, r.ID))
		}
	}
}

func (m *Manager) handlePacket(r *Record, payload []byte, currentFrame uint64) {
	msg, err := gvmsg.Decode(payload)
	if err != nil {
		r.decodeFailures++
		m.log.Debug("Discarding undecodable packet", "conn", r.ID, "err", err)
		return
	}

	if s, ok := msg.(gvmsg.Shard); ok {
		whole, done, err := r.reassembler.Add(s)
		if err != nil {
			r.decodeFailures++
			m.log.Debug("Discarding invalid shard", "conn", r.ID, "err", err)
			return
		}
		if !done {
			return
		}

		msg, err = gvmsg.Decode(whole)
		if err != nil {
			r.decodeFailures++
			m.log.Debug("Discarding undecodable reassembled message", "conn", r.ID, "err", err)
			return
		}
		if _, ok := msg.(gvmsg.Shard); ok {
			r.decodeFailures++
			m.log.Debug("Discarding nested shard", "conn", r.ID)
			return
		}
	}

	m.handleMessage(r, msg, currentFrame)
}

func (m *Manager) handleMessage(r *Record, msg gvmsg.Message, currentFrame uint64) {
	switch msg := msg.(type) {
	case gvmsg.Ping:
		if err := m.sendMessage(r, gvmsg.Pong{PingID: msg.ID, Frame: currentFrame}, Unreliable); err != nil {
			m.log.Debug("Failed to answer ping", "conn", r.ID, "err", err)
		}

	case gvmsg.Pong:
		if !r.Latency.RecordPong(msg.PingID, msg.Frame, currentFrame) {
			m.log.Debug("Ignoring unmatched pong", "conn", r.ID, "ping_id", msg.PingID)
		}

	default:
		r.messages++
		m.inbound = append(m.inbound, Inbound{Conn: r.ID, Msg: msg})
	}
}

func (m *Manager) ping(r *Record, now time.Time, currentFrame uint64) {
	m.nextPingID++
	id := m.nextPingID

	r.Latency.RecordPing(id, currentFrame)
	r.LastPingedAt = now

	// Enqueue failures are the transport's to report.
	_ = m.sendMessage(r, gvmsg.Ping{ID: id, Frame: currentFrame}, Unreliable)
}

func (m *Manager) removeDropped() {
	kept := m.order[:0]
	var gone []*Record
	for _, r := range m.order {
		if !r.dropping {
			kept = append(kept, r)
			continue
		}

		delete(m.records, r.ID)
		// Dropping the record releases its cursor.
		r.cursor = nil
		gone = append(gone, r)
	}
	clear(m.order[len(kept):])
	m.order = kept

	if m.onDropped != nil {
		for _, r := range gone {
			m.onDropped(r)
		}
	}
}

// DrainInbound returns every message queued since the previous call,
// in arrival order, and empties the queue.
func (m *Manager) DrainInbound() []Inbound {
	out := m.inbound
	m.inbound = nil
	return out
}

// Send encodes msg and enqueues it on the connection for id.
// It returns [ErrConnectionGone] if id has no live record.
func (m *Manager) Send(id NetID, msg gvmsg.Message, rel Reliability) error {
	r, ok := m.records[id]
	if !ok {
		return ErrConnectionGone
	}
	return m.sendMessage(r, msg, rel)
}

// SendPayload enqueues an already encoded payload on the connection for id.
// It returns [ErrConnectionGone] if id has no live record.
func (m *Manager) SendPayload(id NetID, payload []byte, rel Reliability) error {
	r, ok := m.records[id]
	if !ok {
		return ErrConnectionGone
	}
	if err := r.Conn.Enqueue(payload, rel); err != nil {
		return fmt.Errorf("failed to enqueue payload for connection %d: %w", id, err)
	}
	return nil
}

func (m *Manager) sendMessage(r *Record, msg gvmsg.Message, rel Reliability) error {
	b, err := gvmsg.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.MessageType(), err)
	}
	if err := r.Conn.Enqueue(b, rel); err != nil {
		return fmt.Errorf("failed to enqueue %s for connection %d: %w", msg.MessageType(), r.ID, err)
	}
	return nil
}

// Lag returns diagnostic statistics for every live connection,
// in registration order.
// Durations are measured against the most recent tick.
func (m *Manager) Lag() []ConnectionStats {
	out := make([]ConnectionStats, len(m.order))
	for i, r := range m.order {
		out[i] = ConnectionStats{
			ID:         r.ID,
			RemoteAddr: r.RemoteAddr,

			AverageLag: r.Latency.AverageLag(),

			Messages:       r.messages,
			DecodeFailures: r.decodeFailures,

			ConnectedFor: m.lastTick.Sub(r.CreatedAt),
			LastPingedAt: r.LastPingedAt,
		}
	}
	return out
}

// CloseAll closes every live connection with the given reason.
// The records remain until their disconnect events are observed.
func (m *Manager) CloseAll(reason string) {
	for _, r := range m.order {
		if err := r.Conn.Close(reason); err != nil {
			m.log.Debug("Error closing connection", "conn", r.ID, "err", err)
		}
	}
}

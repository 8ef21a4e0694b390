package gvbroadcast

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvframe"
	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/grumpy-visitors/gvnet/gvshard"
)

// Sender enqueues encoded payloads on a connection.
// [*gvconn.Manager] satisfies Sender.
type Sender interface {
	SendPayload(id gvconn.NetID, payload []byte, rel gvconn.Reliability) error
}

// Plan is the range of retained frames to send to one peer.
type Plan struct {
	From, To uint64

	// The peer's next expected frame has already been evicted from history,
	// so it must resynchronize from a full-state snapshot.
	Snapshot bool
}

// CoordinatorConfig is the configuration for a [Coordinator].
type CoordinatorConfig struct {
	Sender Sender

	// Fraction of parity shards added when a world update
	// exceeds a connection's datagram budget.
	// Defaults to the ratio in [gvshard.DefaultSplitConfig].
	ParityRatio float32
}

// Coordinator deduplicates incoming action updates per peer
// and sends each peer the world-state frames it has not yet been sent.
//
// Coordinator is not safe for concurrent use.
type Coordinator struct {
	log *slog.Logger

	sender Sender
	parity float32

	peers map[gvconn.NetID]*peerState
}

type peerState struct {
	window *ReplayWindow

	// Last shard group sent to this peer.
	group uint64
}

// NewCoordinator returns a Coordinator configured by cfg.
// It panics if cfg.Sender is nil.
func NewCoordinator(log *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.Sender == nil {
		panic(errors.New("BUG: CoordinatorConfig.Sender must not be nil"))
	}

	parity := cfg.ParityRatio
	if parity <= 0 {
		parity = gvshard.DefaultSplitConfig().ParityRatio
	}

	return &Coordinator{
		log: log,

		sender: cfg.Sender,
		parity: parity,

		peers: make(map[gvconn.NetID]*peerState),
	}
}

func (c *Coordinator) peer(id gvconn.NetID) *peerState {
	p, ok := c.peers[id]
	if !ok {
		p = &peerState{window: NewReplayWindow()}
		c.peers[id] = p
	}
	return p
}

// Forget discards per-peer state for id,
// once no more messages from that peer will be accepted.
func (c *Coordinator) Forget(id gvconn.NetID) {
	delete(c.peers, id)
}

// Accept reports whether the action update id from rec's peer
// has not been seen before.
// Accepted ids advance the record's last acknowledged update
// when they exceed it.
func (c *Coordinator) Accept(rec *gvconn.Record, id uint64) bool {
	w := c.peer(rec.ID).window

	if _, started := w.Highest(); !started {
		if last, ok := rec.LastAcknowledgedUpdate(); ok {
			// The record predates this coordinator's state.
			w.Accept(last)
		}
	}

	if !w.Accept(id) {
		return false
	}

	if last, ok := rec.LastAcknowledgedUpdate(); !ok || id > last {
		rec.SetLastAcknowledgedUpdate(id)
	}
	return true
}

// Plan computes the frames to send to rec's peer at currentFrame,
// given the retained world history.
// It returns false if the peer is already up to date
// or if nothing in history can be sent.
func (c *Coordinator) Plan(
	rec *gvconn.Record, currentFrame uint64, history *gvframe.Buffer[[]byte],
) (Plan, bool) {
	last, broadcasted := rec.LastBroadcastedFrame()
	if broadcasted && last >= currentFrame {
		return Plan{}, false
	}

	est, haveEst := rec.Latency.EstimatedPeerFrame(currentFrame)

	var p Plan
	switch {
	case broadcasted:
		p.From = last + 1
		if haveEst {
			p.From = max(p.From, est)
		}
	case haveEst:
		p.From = est
	default:
		// Nothing to catch up from; start now, from a known state.
		p.From = currentFrame
		p.Snapshot = true
	}

	p.From = min(p.From, currentFrame)
	p.To = min(currentFrame, history.Newest())

	if oldest := history.CurrentFrameNumber(); p.From < oldest {
		p.From = oldest
		p.Snapshot = true
	}

	if p.From > p.To {
		return Plan{}, false
	}
	return p, true
}

// Broadcast plans, encodes and sends a world update to every record.
// Failures are logged per connection and do not stop the loop.
// It returns the number of records that were sent an update.
func (c *Coordinator) Broadcast(
	records []*gvconn.Record, currentFrame uint64, history *gvframe.Buffer[[]byte],
) int {
	sent := 0
	for _, rec := range records {
		p, ok := c.Plan(rec, currentFrame, history)
		if !ok {
			continue
		}

		if err := c.send(rec, p, history); err != nil {
			if errors.Is(err, gvconn.ErrConnectionGone) {
				continue
			}
			c.log.Warn(
				"Failed to broadcast world update",
				"conn", rec.ID,
				"from", p.From,
				"to", p.To,
				"err", err,
			)
			continue
		}

		rec.SetLastBroadcastedFrame(p.To)
		sent++
	}
	return sent
}

func (c *Coordinator) send(rec *gvconn.Record, p Plan, history *gvframe.Buffer[[]byte]) error {
	span := history.Span(p.From, p.To)
	wu := gvmsg.WorldUpdate{
		Snapshot: p.Snapshot,
		Frames:   make([]gvmsg.FrameBatch, len(span)),
	}
	for i, fu := range span {
		wu.Frames[i] = gvmsg.FrameBatch{
			Frame:   fu.FrameNumber,
			Updates: fu.Updates,
		}
	}

	payload, err := gvmsg.Encode(wu)
	if err != nil {
		return fmt.Errorf("failed to encode world update: %w", err)
	}

	budget := rec.Conn.MaxDatagramSize()
	if budget == 0 || len(payload) <= budget {
		return c.sender.SendPayload(rec.ID, payload, gvconn.Unreliable)
	}

	ps := c.peer(rec.ID)
	ps.group++
	shards, err := gvshard.Split(ps.group, payload, gvshard.SplitConfig{
		MaxMessageSize: budget,
		ParityRatio:    c.parity,
	})
	if err != nil {
		return fmt.Errorf("failed to shard world update of %d bytes: %w", len(payload), err)
	}

	for _, s := range shards {
		b, err := gvmsg.Encode(s)
		if err != nil {
			return fmt.Errorf("failed to encode shard: %w", err)
		}
		if err := c.sender.SendPayload(rec.ID, b, gvconn.Unreliable); err != nil {
			return err
		}
	}
	return nil
}

// Package gvlatency estimates a peer's current simulation frame
// and its running lag from a sliding window of ping/pong round trips.
//
// A ping alone cannot tell local time.
// Only a resolved round trip anchors the peer's reported frame
// onto the local frame timeline.
package gvlatency

import (
	"fmt"
	"math"
)

// DefaultWindow is the number of round trips retained by default.
const DefaultWindow = 20

// LagUnknown is returned from [*Samples.AverageLag]
// once the window should hold real data but no sample has resolved.
// It conflates "peer unreachable" with "every recent pong was lost";
// callers must treat it as "lag unknown, assume the worst"
// rather than as a measurement.
const LagUnknown uint64 = math.MaxUint64

// PingPong is one ping/pong round trip.
type PingPong struct {
	PingID        uint64
	SentPingFrame uint64

	// Set once the matching pong arrives.
	ReceivedPongFrame uint64
	// The peer's reported frame plus the estimated one-way latency.
	EstimatedPeerFrame uint64

	Resolved bool
}

// Samples is a bounded FIFO of ping/pong round trips for one connection.
// Ping IDs are unique among retained entries.
//
// Samples is not safe for concurrent use.
type Samples struct {
	// Ring buffer of samples; the oldest is at data[start].
	data  []PingPong
	start int
	n     int

	// Ring index of the most recently resolved sample, or -1.
	lastResolved int
}

// New returns an empty window holding at most k samples.
// New panics if k is less than 2,
// since the startup threshold is k/2 samples.
func New(k int) *Samples {
	if k < 2 {
		panic(fmt.Errorf(
			"BUG: latency window must hold at least 2 samples (got %d)", k,
		))
	}
	return &Samples{
		data:         make([]PingPong, k),
		lastResolved: -1,
	}
}

// Len returns the number of retained samples.
func (s *Samples) Len() int {
	return s.n
}

// Resolved returns the number of retained samples
// whose pong has been received.
func (s *Samples) Resolved() int {
	c := 0
	for i := range s.n {
		if s.at(i).Resolved {
			c++
		}
	}
	return c
}

// RecordPing appends a sample for a ping sent at currentFrame.
// A retained sample with the same ping ID is evicted,
// so a later pong always matches the newest ping.
// If the window is full, the oldest sample is evicted first,
// so coverage always reflects the most recent round trips.
func (s *Samples) RecordPing(pingID, currentFrame uint64) {
	s.remove(pingID)

	if s.n == len(s.data) {
		if s.lastResolved == s.start {
			s.lastResolved = -1
		}
		s.start = (s.start + 1) % len(s.data)
		s.n--
	}

	i := (s.start + s.n) % len(s.data)
	s.data[i] = PingPong{
		PingID:        pingID,
		SentPingFrame: currentFrame,
	}
	s.n++
}

// RecordPong resolves the sample whose ping matches pingID.
// The one-way latency is half the round trip, in frames,
// and the peer's frame at receipt is estimated as
// peerFrame plus that one-way latency.
//
// It reports whether a sample matched.
// A pong for a ping that has already aged out of the window is ignored:
// its latency cannot be known and must not be guessed.
func (s *Samples) RecordPong(pingID, peerFrame, localFrame uint64) bool {
	for i := range s.n {
		idx := (s.start + i) % len(s.data)
		pp := &s.data[idx]
		if pp.PingID != pingID {
			continue
		}

		oneWay := satSub(localFrame, pp.SentPingFrame) / 2
		pp.ReceivedPongFrame = localFrame
		pp.EstimatedPeerFrame = peerFrame + oneWay
		pp.Resolved = true

		s.lastResolved = idx
		return true
	}

	return false
}

// AverageLag returns the integer mean, over resolved samples,
// of how far the peer's estimated frame trails the local frame
// at which its pong was received.
//
// With no resolved samples, it returns 0 while fewer than half the window
// has been filled (startup, not lag),
// and [LagUnknown] afterwards.
func (s *Samples) AverageLag() uint64 {
	var count, sum uint64
	for i := range s.n {
		pp := s.at(i)
		if !pp.Resolved {
			continue
		}
		count++
		sum += satSub(pp.ReceivedPongFrame, pp.EstimatedPeerFrame)
	}

	if count == 0 {
		if s.n < len(s.data)/2 {
			return 0
		}
		return LagUnknown
	}

	return sum / count
}

// EstimatedPeerFrame returns the peer's estimated frame at localFrame,
// using the most recently resolved sample
// advanced by the local frames elapsed since its pong was received.
// It returns false if no retained sample has resolved.
func (s *Samples) EstimatedPeerFrame(localFrame uint64) (uint64, bool) {
	if s.lastResolved < 0 {
		return 0, false
	}

	pp := s.data[s.lastResolved]
	return pp.EstimatedPeerFrame + satSub(localFrame, pp.ReceivedPongFrame), true
}

// Snapshot returns a copy of the retained samples, oldest first.
func (s *Samples) Snapshot() []PingPong {
	out := make([]PingPong, s.n)
	for i := range s.n {
		out[i] = s.at(i)
	}
	return out
}

// remove deletes the retained sample for pingID, if any,
// shifting newer samples back by one.
func (s *Samples) remove(pingID uint64) {
	j := -1
	for i := range s.n {
		if s.at(i).PingID == pingID {
			j = i
			break
		}
	}
	if j < 0 {
		return
	}

	phys := func(i int) int { return (s.start + i) % len(s.data) }

	resolvedPos := -1
	if s.lastResolved >= 0 {
		resolvedPos = (s.lastResolved - s.start + len(s.data)) % len(s.data)
	}

	for i := j; i < s.n-1; i++ {
		s.data[phys(i)] = s.data[phys(i+1)]
	}
	s.data[phys(s.n-1)] = PingPong{}
	s.n--

	switch {
	case resolvedPos == j:
		s.lastResolved = -1
	case resolvedPos > j:
		s.lastResolved = phys(resolvedPos - 1)
	}
}

func (s *Samples) at(i int) PingPong {
	return s.data[(s.start+i)%len(s.data)]
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

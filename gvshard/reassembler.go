package gvshard

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/klauspost/reedsolomon"
)

// DefaultMaxPendingGroups is the default number of incomplete groups
// a [Reassembler] tracks at once.
const DefaultMaxPendingGroups = 16

// maxGroupJump is the furthest a group may be from the newest completed group
// and still be ordered against it.
// Groups further away in either direction are not treated as late;
// they come from a restarted sender or a stray packet.
const maxGroupJump = 1 << 16

// Reassembler collects shards from a single peer
// and returns each group's original bytes once enough shards have arrived.
//
// Groups are expected to be numbered increasingly by the sender.
// At most the pending limit of incomplete groups are tracked;
// beyond that the earliest started group is abandoned.
// Shards of a group more than the pending limit behind
// the newest completed group are ignored.
//
// Reassembler is not safe for concurrent use.
type Reassembler struct {
	maxPending int

	// Incomplete groups and finished ones;
	// finished entries keep late shards from restarting their group.
	groups map[uint64]*pendingGroup

	// Group ids in the order their first shard arrived.
	order []uint64

	pending int

	// Newest completed group.
	newest uint64
	seen   bool

	abandoned uint64
}

type pendingGroup struct {
	nData, nParity uint16
	size           uint32

	// Erasure-coded shards all share one length.
	shardLen int

	// Nil once the group has been reconstructed or abandoned.
	shards [][]byte
	have   *bitset.BitSet
}

// NewReassembler returns a Reassembler tracking at most maxPending incomplete groups.
// A non-positive maxPending uses [DefaultMaxPendingGroups].
func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingGroups
	}
	return &Reassembler{
		maxPending: maxPending,
		groups:     make(map[uint64]*pendingGroup, 4*maxPending),
	}
}

// Abandoned returns the number of groups dropped before completion.
func (r *Reassembler) Abandoned() uint64 {
	return r.abandoned
}

// Add records s.
// When s completes its group, Add returns the reconstructed bytes and true.
// Shards for already completed or abandoned groups,
// and duplicate shards, return (nil, false, nil).
// Shards inconsistent with earlier shards of the same group return an error.
func (r *Reassembler) Add(s gvmsg.Shard) ([]byte, bool, error) {
	if err := validateShard(s); err != nil {
		return nil, false, err
	}

	g, ok := r.groups[s.Group]
	if !ok {
		if r.tooOld(s.Group) {
			return nil, false, nil
		}

		g = &pendingGroup{
			nData:   s.NumData,
			nParity: s.NumParity,
			size:    s.Size,
			shards:  make([][]byte, int(s.NumData)+int(s.NumParity)),
			have:    bitset.New(uint(s.NumData) + uint(s.NumParity)),
		}
		r.groups[s.Group] = g
		r.order = append(r.order, s.Group)
		r.pending++
		r.evict()
	}

	if g.shards == nil {
		return nil, false, nil
	}

	if g.nData != s.NumData || g.nParity != s.NumParity || g.size != s.Size {
		return nil, false, fmt.Errorf(
			"shard %d of group %d disagrees with earlier shards on layout", s.Index, s.Group,
		)
	}
	if g.nParity > 0 {
		if g.shardLen == 0 {
			g.shardLen = len(s.Data)
		} else if len(s.Data) != g.shardLen {
			return nil, false, fmt.Errorf(
				"shard %d of group %d has length %d, expected %d",
				s.Index, s.Group, len(s.Data), g.shardLen,
			)
		}
	}

	if g.have.Test(uint(s.Index)) {
		return nil, false, nil
	}
	g.have.Set(uint(s.Index))
	g.shards[s.Index] = bytes.Clone(s.Data)

	if g.have.Count() < uint(g.nData) {
		return nil, false, nil
	}

	out, err := g.reconstruct()
	g.finish()
	r.pending--
	if err != nil {
		return nil, false, fmt.Errorf("failed to reconstruct group %d: %w", s.Group, err)
	}

	r.completed(s.Group)
	return out, true, nil
}

// tooOld reports whether group is a late arrival
// behind the newest completed group by at least the pending limit.
func (r *Reassembler) tooOld(group uint64) bool {
	if !r.seen || group >= r.newest {
		return false
	}
	d := r.newest - group
	return d >= uint64(r.maxPending) && d <= maxGroupJump
}

// completed moves the newest completed group to group when it is ahead,
// or when it is too far behind to be ordered against it,
// and abandons pending groups that are now too old.
func (r *Reassembler) completed(group uint64) {
	switch {
	case !r.seen, group > r.newest:
	case r.newest-group > maxGroupJump:
		// Far behind: the sender restarted, or the old reference was a stray.
	default:
		return
	}
	r.newest = group
	r.seen = true

	for id, g := range r.groups {
		if g.shards != nil && r.tooOld(id) {
			g.finish()
			r.pending--
			r.abandoned++
		}
	}
}

// evict abandons the earliest started incomplete groups over the pending limit,
// then forgets the earliest entries over the overall limit.
func (r *Reassembler) evict() {
	for i := 0; r.pending > r.maxPending && i < len(r.order); i++ {
		g := r.groups[r.order[i]]
		if g.shards == nil {
			continue
		}
		g.finish()
		r.pending--
		r.abandoned++
	}

	limit := 4 * r.maxPending
	if len(r.order) <= limit {
		return
	}
	n := len(r.order) - limit
	for _, id := range r.order[:n] {
		if g := r.groups[id]; g.shards != nil {
			r.pending--
			r.abandoned++
		}
		delete(r.groups, id)
	}
	r.order = append(r.order[:0], r.order[n:]...)
}

func (g *pendingGroup) finish() {
	g.shards = nil
	g.have = nil
}

func (g *pendingGroup) reconstruct() ([]byte, error) {
	if g.nParity == 0 {
		// Plain chunks: every shard is present.
		out := make([]byte, 0, g.size)
		for _, sh := range g.shards {
			out = append(out, sh...)
		}
		if len(out) != int(g.size) {
			return nil, fmt.Errorf("joined %d bytes, expected %d", len(out), g.size)
		}
		return out, nil
	}

	enc, err := reedsolomon.New(int(g.nData), int(g.nParity))
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(g.shards); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(int(g.size))
	if err := enc.Join(&buf, g.shards, int(g.size)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func validateShard(s gvmsg.Shard) error {
	if s.NumData == 0 {
		return errors.New("shard declares zero data shards")
	}
	total := int(s.NumData) + int(s.NumParity)
	if total > 256 {
		return fmt.Errorf("shard declares %d total shards, limit is 256", total)
	}
	if int(s.Index) >= total {
		return fmt.Errorf("shard index %d out of range for %d shards", s.Index, total)
	}
	if s.Size == 0 {
		return errors.New("shard declares empty original message")
	}
	if s.NumParity > 0 && len(s.Data) == 0 {
		return errors.New("erasure-coded shard has no data")
	}
	if uint64(len(s.Data))*uint64(s.NumData) < uint64(s.Size) && s.NumParity > 0 {
		return fmt.Errorf(
			"%d data shards of %d bytes cannot hold %d bytes",
			s.NumData, len(s.Data), s.Size,
		)
	}
	return nil
}

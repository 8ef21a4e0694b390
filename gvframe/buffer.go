package gvframe

import "fmt"

// FrameUpdates is the batch of updates stored for a single frame.
type FrameUpdates[T any] struct {
	FrameNumber uint64
	Updates     []T
}

// Buffer is a fixed-capacity, per-frame ordered buffer of update batches.
//
// Slot i always holds frame Offset+i; there are never gaps.
// Buffer is not safe for concurrent use.
// It belongs to the simulation goroutine.
type Buffer[T any] struct {
	// Ring of slots; slots[head] is the oldest retained frame.
	slots [][]T
	head  int

	offset uint64

	stale uint64
}

// New returns a Buffer whose oldest slot is startFrame,
// holding window consecutive frames.
// New panics if window is less than 1.
func New[T any](startFrame uint64, window int) *Buffer[T] {
	if window < 1 {
		panic(fmt.Errorf(
			"BUG: frame buffer window must be positive (got %d)", window,
		))
	}

	return &Buffer[T]{
		slots:  make([][]T, window),
		offset: startFrame,
	}
}

// CurrentFrameNumber returns the frame number of the oldest retained slot.
// This is the frame whose updates the next call to [*Buffer.Advance] returns.
func (b *Buffer[T]) CurrentFrameNumber() uint64 {
	return b.offset
}

// Window returns the fixed number of slots in b.
func (b *Buffer[T]) Window() int {
	return len(b.slots)
}

// Newest returns the frame number of the newest slot in b.
func (b *Buffer[T]) Newest() uint64 {
	return b.offset + uint64(len(b.slots)) - 1
}

// StaleCount returns the number of updates dropped
// because they targeted an already-advanced frame.
func (b *Buffer[T]) StaleCount() uint64 {
	return b.stale
}

// Insert appends u to the slot for frame, preserving arrival order.
//
// If frame is older than [*Buffer.CurrentFrameNumber],
// the update is dropped and Insert returns nil:
// stale updates cannot retroactively affect the simulation.
// If frame is at or beyond CurrentFrameNumber plus the window,
// Insert returns an [OutOfWindowError] and b is unchanged.
func (b *Buffer[T]) Insert(frame uint64, u T) error {
	if frame < b.offset {
		b.stale++
		return nil
	}

	d := frame - b.offset
	if d >= uint64(len(b.slots)) {
		return OutOfWindowError{
			Frame:  frame,
			Offset: b.offset,
			Window: len(b.slots),
		}
	}

	i := b.index(d)
	b.slots[i] = append(b.slots[i], u)
	return nil
}

// Advance takes ownership of the oldest slot's updates,
// evicts that slot, appends an empty slot for the next new frame,
// and increments the current frame number.
//
// It must be called exactly once per simulated frame.
func (b *Buffer[T]) Advance() FrameUpdates[T] {
	out := FrameUpdates[T]{
		FrameNumber: b.offset,
		Updates:     b.slots[b.head],
	}

	b.slots[b.head] = nil
	b.head = (b.head + 1) % len(b.slots)
	b.offset++

	return out
}

// AdvanceTo advances b until frame is the newest slot,
// so that frame can be inserted.
// It returns the number of retained slots evicted
// (at most the window size), which is zero if frame already fits.
// The evicted updates are discarded.
func (b *Buffer[T]) AdvanceTo(frame uint64) int {
	newest := b.Newest()
	if frame <= newest {
		return 0
	}

	gap := frame - newest
	if gap >= uint64(len(b.slots)) {
		// Every slot is evicted; skip the per-slot loop.
		clear(b.slots)
		b.head = 0
		b.offset = frame - uint64(len(b.slots)) + 1
		return len(b.slots)
	}

	for range gap {
		_ = b.Advance()
	}
	return int(gap)
}

// Slot returns the updates currently stored for frame,
// and false if frame is not retained.
// The returned slice must not be modified.
func (b *Buffer[T]) Slot(frame uint64) ([]T, bool) {
	if frame < b.offset || frame > b.Newest() {
		return nil, false
	}
	return b.slots[b.index(frame-b.offset)], true
}

// Span returns the retained slots in [from, to], in frame order.
// The range is clamped to the retained window;
// an empty or fully expired range returns nil.
// The update slices are shared with b and must not be modified.
func (b *Buffer[T]) Span(from, to uint64) []FrameUpdates[T] {
	from = max(from, b.offset)
	to = min(to, b.Newest())
	if from > to {
		return nil
	}

	out := make([]FrameUpdates[T], 0, to-from+1)
	for f := from; f <= to; f++ {
		out = append(out, FrameUpdates[T]{
			FrameNumber: f,
			Updates:     b.slots[b.index(f-b.offset)],
		})
	}
	return out
}

func (b *Buffer[T]) index(d uint64) int {
	return (b.head + int(d)) % len(b.slots)
}

package gvbroadcast

import "github.com/bits-and-blooms/bitset"

// ReplayWindowSize is the number of ids at and below the highest seen id
// that a [ReplayWindow] tracks individually.
const ReplayWindowSize = 256

// ReplayWindow detects duplicate ids arriving out of order.
//
// Ids more than ReplayWindowSize below the highest seen id
// are rejected without being tracked.
type ReplayWindow struct {
	// Bit id%ReplayWindowSize is set if id has been seen,
	// for ids in (highest-ReplayWindowSize, highest].
	seen *bitset.BitSet

	highest uint64
	started bool
}

// NewReplayWindow returns an empty ReplayWindow.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{
		seen: bitset.New(ReplayWindowSize),
	}
}

// Highest returns the highest accepted id, and false if none was accepted.
func (w *ReplayWindow) Highest() (uint64, bool) {
	return w.highest, w.started
}

// Accept reports whether id is new, marking it as seen if so.
func (w *ReplayWindow) Accept(id uint64) bool {
	if !w.started {
		w.started = true
		w.highest = id
		w.seen.Set(bit(id))
		return true
	}

	if id > w.highest {
		gap := id - w.highest
		if gap >= ReplayWindowSize {
			w.seen.ClearAll()
		} else {
			// Slots for the skipped ids may hold bits from a previous lap.
			for i := w.highest + 1; i <= id; i++ {
				w.seen.Clear(bit(i))
			}
		}
		w.highest = id
		w.seen.Set(bit(id))
		return true
	}

	if w.highest-id >= ReplayWindowSize {
		return false
	}

	if w.seen.Test(bit(id)) {
		return false
	}
	w.seen.Set(bit(id))
	return true
}

func bit(id uint64) uint {
	return uint(id % ReplayWindowSize)
}

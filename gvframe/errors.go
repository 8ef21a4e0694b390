package gvframe

import (
	"errors"
	"fmt"
)

// ErrOutOfWindow is matched by every [OutOfWindowError] through [errors.Is].
var ErrOutOfWindow = errors.New("frame out of window")

// OutOfWindowError is returned from [*Buffer.Insert]
// when the target frame is further ahead than the buffer can hold.
// It indicates a scheduling defect in the caller,
// not a network anomaly.
type OutOfWindowError struct {
	Frame  uint64
	Offset uint64
	Window int
}

func (e OutOfWindowError) Error() string {
	return fmt.Sprintf(
		"frame %d is out of window [%d, %d)",
		e.Frame, e.Offset, e.Offset+uint64(e.Window),
	)
}

func (e OutOfWindowError) Is(target error) bool {
	return target == ErrOutOfWindow
}

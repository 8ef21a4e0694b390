package gvframe_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/grumpy-visitors/gvnet/gvframe"
	"github.com/stretchr/testify/require"
)

// requireContiguous asserts that every retained slot
// has the frame number matching its position.
func requireContiguous[T any](t *testing.T, b *gvframe.Buffer[T]) {
	t.Helper()

	span := b.Span(b.CurrentFrameNumber(), b.Newest())
	require.Len(t, span, b.Window())
	for i, fu := range span {
		require.Equal(t, b.CurrentFrameNumber()+uint64(i), fu.FrameNumber)
	}
}

func TestBuffer_New_panicsOnBadWindow(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		_ = gvframe.New[int](0, 0)
	})
}

func TestBuffer_Insert_preservesArrivalOrder(t *testing.T) {
	t.Parallel()

	b := gvframe.New[string](0, 4)
	require.NoError(t, b.Insert(2, "a"))
	require.NoError(t, b.Insert(2, "b"))
	require.NoError(t, b.Insert(1, "c"))
	require.NoError(t, b.Insert(2, "d"))

	got, ok := b.Slot(2)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "d"}, got)

	got, ok = b.Slot(1)
	require.True(t, ok)
	require.Equal(t, []string{"c"}, got)
}

func TestBuffer_contiguousUnderRandomInserts(t *testing.T) {
	t.Parallel()

	const window = 16
	b := gvframe.New[int](0, window)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 2000 {
		// Target frames straddle both edges of the window.
		lo := int64(b.CurrentFrameNumber()) - 4
		f := max(0, lo+rng.Int64N(window+8))
		err := b.Insert(uint64(f), i)
		if err != nil {
			require.ErrorIs(t, err, gvframe.ErrOutOfWindow)
		}

		if rng.IntN(3) == 0 {
			_ = b.Advance()
		}

		requireContiguous(t, b)
	}
}

func TestBuffer_Advance(t *testing.T) {
	t.Parallel()

	b := gvframe.New[int](5, 4)
	for f := uint64(5); f < 9; f++ {
		require.NoError(t, b.Insert(f, int(f)*10))
	}

	const n = 6
	for i := range uint64(n) {
		oldest := b.CurrentFrameNumber()
		want, _ := b.Slot(oldest)

		got := b.Advance()
		require.Equal(t, oldest, got.FrameNumber)
		require.Equal(t, want, got.Updates)
		require.Equal(t, 5+i+1, b.CurrentFrameNumber())
	}

	require.Equal(t, uint64(5+n), b.CurrentFrameNumber())

	// The slots appended at the tail start empty.
	for _, fu := range b.Span(b.CurrentFrameNumber(), b.Newest()) {
		require.Empty(t, fu.Updates)
	}
}

func TestBuffer_Insert_stale(t *testing.T) {
	t.Parallel()

	b := gvframe.New[int](0, 4)
	for f := uint64(0); f < 4; f++ {
		require.NoError(t, b.Insert(f, int(f)))
	}
	_ = b.Advance()
	_ = b.Advance()

	before := b.Span(b.CurrentFrameNumber(), b.Newest())

	// One before the current frame.
	require.NoError(t, b.Insert(b.CurrentFrameNumber()-1, 99))

	require.Equal(t, before, b.Span(b.CurrentFrameNumber(), b.Newest()))
	require.Equal(t, uint64(1), b.StaleCount())
}

func TestBuffer_Insert_outOfWindow(t *testing.T) {
	t.Parallel()

	b := gvframe.New[int](3, 4)
	require.NoError(t, b.Insert(4, 1))

	before := b.Span(b.CurrentFrameNumber(), b.Newest())

	err := b.Insert(b.CurrentFrameNumber()+uint64(b.Window()), 2)
	require.ErrorIs(t, err, gvframe.ErrOutOfWindow)

	var oow gvframe.OutOfWindowError
	require.True(t, errors.As(err, &oow))
	require.Equal(t, uint64(7), oow.Frame)
	require.Equal(t, uint64(3), oow.Offset)
	require.Equal(t, 4, oow.Window)

	require.Equal(t, before, b.Span(b.CurrentFrameNumber(), b.Newest()))
	require.Zero(t, b.StaleCount())
}

func TestBuffer_scheduledActionsReturnedAtTheirFrames(t *testing.T) {
	t.Parallel()

	b := gvframe.New[string](5, 10)
	require.NoError(t, b.Insert(10, "a"))
	require.NoError(t, b.Insert(11, "b"))
	require.NoError(t, b.Insert(12, "c"))

	got := map[uint64][]string{}
	for range 7 {
		fu := b.Advance()
		if len(fu.Updates) > 0 {
			got[fu.FrameNumber] = fu.Updates
		}
	}

	// Advances 1 through 5 return frames 5 through 9, all empty.
	// Frames 10 and 11 come back on advances 6 and 7.
	require.Equal(t, map[uint64][]string{
		10: {"a"},
		11: {"b"},
	}, got)

	fu := b.Advance()
	require.Equal(t, uint64(12), fu.FrameNumber)
	require.Equal(t, []string{"c"}, fu.Updates)
}

func TestBuffer_Span_clamps(t *testing.T) {
	t.Parallel()

	b := gvframe.New[int](10, 4)
	require.NoError(t, b.Insert(11, 1))

	span := b.Span(0, 100)
	require.Len(t, span, 4)
	require.Equal(t, uint64(10), span[0].FrameNumber)
	require.Equal(t, uint64(13), span[3].FrameNumber)
	require.Equal(t, []int{1}, span[1].Updates)

	require.Nil(t, b.Span(0, 9))
	require.Nil(t, b.Span(14, 20))
	require.Nil(t, b.Span(12, 11))
}

func TestBuffer_AdvanceTo(t *testing.T) {
	t.Parallel()

	t.Run("already fits", func(t *testing.T) {
		t.Parallel()

		b := gvframe.New[int](0, 4)
		require.Zero(t, b.AdvanceTo(3))
		require.Zero(t, b.CurrentFrameNumber())
	})

	t.Run("small gap", func(t *testing.T) {
		t.Parallel()

		b := gvframe.New[int](0, 4)
		require.NoError(t, b.Insert(2, 7))

		require.Equal(t, 2, b.AdvanceTo(5))
		require.Equal(t, uint64(2), b.CurrentFrameNumber())
		require.Equal(t, uint64(5), b.Newest())

		got, ok := b.Slot(2)
		require.True(t, ok)
		require.Equal(t, []int{7}, got)
	})

	t.Run("gap larger than window", func(t *testing.T) {
		t.Parallel()

		b := gvframe.New[int](0, 4)
		require.NoError(t, b.Insert(3, 1))

		require.Equal(t, 4, b.AdvanceTo(100))
		require.Equal(t, uint64(97), b.CurrentFrameNumber())
		require.Equal(t, uint64(100), b.Newest())
		requireContiguous(t, b)

		for _, fu := range b.Span(97, 100) {
			require.Empty(t, fu.Updates)
		}
		require.NoError(t, b.Insert(100, 2))
	})
}

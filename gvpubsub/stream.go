package gvpubsub

import "context"

// Stream is one node of an append-only event log.
//
// Exactly one goroutine publishes to the log,
// always through the node at the tail.
// Every reader holds its own *Stream pointing at the next node it will read,
// so readers proceed independently of each other.
//
// A reader that stops advancing pins every node after its position in memory.
// Readers that are finished must drop their pointer.
type Stream[T any] struct {
	// Closed once Val and Next are set.
	Ready chan struct{}

	Next *Stream[T]
	Val  T
}

// NewStream returns an empty tail node.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{Ready: make(chan struct{})}
}

// Publish stores t in s, links a fresh tail after s, and wakes readers.
// Only the log's writer may call Publish,
// and only once per node; a second call panics.
func (s *Stream[T]) Publish(t T) {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
}

// TryNext reads the value at s without blocking.
// When s has been published it returns the value, s.Next, and true;
// otherwise it returns the zero value, s, and false.
func (s *Stream[T]) TryNext() (T, *Stream[T], bool) {
	select {
	case <-s.Ready:
		return s.Val, s.Next, true
	default:
		var zero T
		return zero, s, false
	}
}

// Drain reads every value already published from s onward
// and returns them along with the reader's new position.
// A value published while Drain runs is either included
// or left ahead of the returned position.
func Drain[T any](s *Stream[T]) ([]T, *Stream[T]) {
	var out []T
	for {
		v, next, ok := s.TryNext()
		if !ok {
			return out, s
		}
		out = append(out, v)
		s = next
	}
}

// RunChannelToStream makes a new goroutine the writer of a new Stream,
// publishing each value received on ch.
// Any number of goroutines may send on ch.
//
// done is closed after the goroutine exits,
// either because ctx was canceled or because ch was closed.
func RunChannelToStream[T any](ctx context.Context, ch <-chan T) (
	s *Stream[T], done <-chan struct{},
) {
	s = NewStream[T]()
	d := make(chan struct{})

	go func(tail *Stream[T]) {
		defer close(d)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				tail.Publish(v)
				tail = tail.Next
			}
		}
	}(s)

	return s, d
}

// Merge returns a Stream carrying every value published on each of srcs,
// from their current positions onward.
// Values from one source keep their relative order;
// there is no ordering between sources.
// Merge stops following the sources when ctx is canceled.
func Merge[T any](ctx context.Context, srcs ...*Stream[T]) *Stream[T] {
	ch := make(chan T, len(srcs))
	for _, src := range srcs {
		go func(s *Stream[T]) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.Ready:
				}

				select {
				case <-ctx.Done():
					return
				case ch <- s.Val:
					s = s.Next
				}
			}
		}(src)
	}

	out, _ := RunChannelToStream(ctx, ch)
	return out
}

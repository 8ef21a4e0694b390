package gvtest

import (
	"testing"
	"time"
)

// ScheduleDuration is how long the channel helpers wait
// before failing the test.
// It is generous enough for loaded CI machines
// while still failing fast on a real deadlock.
const ScheduleDuration = 500 * time.Millisecond

// ReceiveSoon fails the test if no value arrives on ch
// within [ScheduleDuration], and otherwise returns the received value.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(ScheduleDuration):
		t.Fatalf("did not receive value within %s", ScheduleDuration)
	}

	panic("unreachable")
}

// SendSoon fails the test if v cannot be sent on ch
// within [ScheduleDuration].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	select {
	case ch <- v:
		// Okay.
	case <-time.After(ScheduleDuration):
		t.Fatalf("could not send value within %s", ScheduleDuration)
	}
}

// IsSending fails the test if ch is not immediately readable.
// Closed channels are readable, so this is the usual check
// for a [gvpubsub.Stream] Ready channel.
func IsSending[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	default:
		t.Fatal("channel was not sending")
	}

	panic("unreachable")
}

// NotSending fails the test if ch is immediately readable.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel should not have been sending")
	default:
		// Okay.
	}
}

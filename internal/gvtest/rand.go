package gvtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns sz pseudorandom bytes.
// The output is stable for a given test name,
// so a failing test reproduces with the same input.
func RandomDataForTest(t testing.TB, sz int) []byte {
	src := rand.NewChaCha8(sha256.Sum256([]byte(t.Name())))

	out := make([]byte, sz)
	if _, err := src.Read(out); err != nil {
		t.Fatalf("failed to fill random data: %v", err)
	}
	return out
}

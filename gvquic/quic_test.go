package gvquic_test

import (
	"context"
	"testing"
)

// testContext returns a context that is canceled when t completes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// Package gvbroadcast orders and deduplicates action updates
// and plans the catch-up world updates sent to each peer.
package gvbroadcast

import (
	"errors"
	"math"
)

// IDProvider assigns monotonically increasing ids
// to locally originated action updates.
// The first id is 1, so zero never identifies an update.
//
// The zero value is ready to use.
// IDProvider is not safe for concurrent use.
type IDProvider struct {
	last uint64
}

// Next returns a new id, greater than every id previously returned.
// It panics if the id space is exhausted.
func (p *IDProvider) Next() uint64 {
	if p.last == math.MaxUint64 {
		panic(errors.New("BUG: action update id space exhausted"))
	}
	p.last++
	return p.last
}

// Last returns the most recently assigned id, or zero if none was assigned.
func (p *IDProvider) Last() uint64 {
	return p.last
}

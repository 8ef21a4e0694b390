// Package gvshard splits encoded messages that are too large for a single
// datagram into Reed-Solomon data and parity shards,
// and reassembles them on the receiving side.
//
// Because any NumData of the NumData+NumParity shards are sufficient,
// a world update survives moderate datagram loss without a retransmit.
package gvshard

import (
	"errors"
	"fmt"

	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/klauspost/reedsolomon"
)

// HeaderOverhead is the worst-case encoded size of a [gvmsg.Shard]
// excluding its data: one type byte plus five varint fields.
const HeaderOverhead = 1 + 10 + 3 + 3 + 3 + 5

const minShardSize = 32

// SplitConfig controls [Split].
type SplitConfig struct {
	// Upper bound on a single encoded shard message,
	// normally the transport's datagram budget.
	MaxMessageSize int

	// Number of parity shards per data shard.
	// Zero produces no parity, so every shard must arrive.
	ParityRatio float32
}

// DefaultSplitConfig returns a SplitConfig suitable for
// a conservative 1200 byte datagram budget.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		MaxMessageSize: 1200,
		ParityRatio:    0.25,
	}
}

// Split erasure-codes data into shard messages tagged with group.
// Each returned shard encodes to at most cfg.MaxMessageSize bytes.
func Split(group uint64, data []byte, cfg SplitConfig) ([]gvmsg.Shard, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot split empty data")
	}
	if cfg.ParityRatio < 0 {
		return nil, fmt.Errorf("parity ratio must not be negative (got %f)", cfg.ParityRatio)
	}

	shardSize := cfg.MaxMessageSize - HeaderOverhead
	if shardSize < minShardSize {
		return nil, fmt.Errorf(
			"shard size too small: minimum is %d but calculated %d",
			minShardSize, shardSize,
		)
	}

	nData := len(data) / shardSize
	if len(data)%shardSize > 0 {
		nData++
	}
	nParity := int(cfg.ParityRatio * float32(nData))
	if cfg.ParityRatio > 0 && nParity == 0 {
		nParity = 1
	}

	// Stay within the GF(2^8) code's shard limit.
	if nData+nParity > 256 {
		return nil, fmt.Errorf(
			"data too large: resulted in %d data and %d parity shards, but limit is 256",
			nData, nParity,
		)
	}

	if nParity == 0 {
		// Reed-Solomon requires at least one parity shard,
		// so plain chunking stands in.
		return chunk(group, data, shardSize, nData), nil
	}

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return nil, fmt.Errorf("failed to build Reed-Solomon encoder: %w", err)
	}

	raw, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split data for sharding: %w", err)
	}
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("failed to erasure-code data: %w", err)
	}

	out := make([]gvmsg.Shard, len(raw))
	for i, r := range raw {
		out[i] = gvmsg.Shard{
			Group:     group,
			Index:     uint16(i),
			NumData:   uint16(nData),
			NumParity: uint16(nParity),
			Size:      uint32(len(data)),
			Data:      r,
		}
	}
	return out, nil
}

func chunk(group uint64, data []byte, shardSize, nData int) []gvmsg.Shard {
	out := make([]gvmsg.Shard, nData)
	for i := range nData {
		end := min((i+1)*shardSize, len(data))
		out[i] = gvmsg.Shard{
			Group:   group,
			Index:   uint16(i),
			NumData: uint16(nData),
			Size:    uint32(len(data)),
			Data:    data[i*shardSize : end],
		}
	}
	return out
}

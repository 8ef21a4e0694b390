package gvshard_test

import (
	"math"
	"testing"

	"github.com/grumpy-visitors/gvnet/gvmsg"
	"github.com/grumpy-visitors/gvnet/gvshard"
	"github.com/grumpy-visitors/gvnet/internal/gvtest"
	"github.com/stretchr/testify/require"
)

func TestSplit_respectsMessageBudget(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 10_000)
	cfg := gvshard.DefaultSplitConfig()

	shards, err := gvshard.Split(1, data, cfg)
	require.NoError(t, err)
	require.Greater(t, len(shards), 1)

	for _, s := range shards {
		enc, err := gvmsg.Encode(s)
		require.NoError(t, err)
		require.LessOrEqual(t, len(enc), cfg.MaxMessageSize)
	}
}

func TestSplit_tinyBudget(t *testing.T) {
	t.Parallel()

	_, err := gvshard.Split(1, []byte("hello"), gvshard.SplitConfig{MaxMessageSize: 40})
	require.Error(t, err)
}

func TestReassembler_allShardsInOrder(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 5000)
	shards, err := gvshard.Split(7, data, gvshard.DefaultSplitConfig())
	require.NoError(t, err)

	r := gvshard.NewReassembler(0)
	var got []byte
	for i, s := range shards {
		out, ok, err := r.Add(s)
		require.NoError(t, err)
		if ok {
			require.Nil(t, got, "group completed twice")
			got = out
			require.Equal(t, int(s.NumData)-1, i)
		}
	}
	require.Equal(t, data, got)
}

func TestReassembler_recoversFromLoss(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 8000)
	shards, err := gvshard.Split(3, data, gvshard.SplitConfig{
		MaxMessageSize: 1200,
		ParityRatio:    0.5,
	})
	require.NoError(t, err)

	nParity := int(shards[0].NumParity)
	require.Positive(t, nParity)

	// Lose the first nParity data shards; only parity fills the gap.
	r := gvshard.NewReassembler(0)
	var got []byte
	for _, s := range shards[nParity:] {
		out, ok, err := r.Add(s)
		require.NoError(t, err)
		if ok {
			got = out
		}
	}
	require.Equal(t, data, got)
}

func TestReassembler_withoutParity(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 3000)
	shards, err := gvshard.Split(1, data, gvshard.SplitConfig{MaxMessageSize: 1000})
	require.NoError(t, err)
	require.Zero(t, shards[0].NumParity)

	r := gvshard.NewReassembler(0)

	// Reverse order still reassembles.
	var got []byte
	for i := len(shards) - 1; i >= 0; i-- {
		out, ok, err := r.Add(shards[i])
		require.NoError(t, err)
		if ok {
			got = out
		}
	}
	require.Equal(t, data, got)
}

func TestReassembler_ignoresDuplicatesAndLateShards(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 4000)
	shards, err := gvshard.Split(1, data, gvshard.DefaultSplitConfig())
	require.NoError(t, err)

	r := gvshard.NewReassembler(0)

	_, ok, err := r.Add(shards[0])
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = r.Add(shards[0])
	require.NoError(t, err)
	require.False(t, ok)

	completed := false
	for _, s := range shards[1:] {
		out, ok, err := r.Add(s)
		require.NoError(t, err)
		if ok {
			require.False(t, completed)
			require.Equal(t, data, out)
			completed = true
		}
	}
	require.True(t, completed)
}

func TestReassembler_abandonsOldGroups(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 4000)
	cfg := gvshard.DefaultSplitConfig()

	split := func(group uint64) []gvmsg.Shard {
		shards, err := gvshard.Split(group, data, cfg)
		require.NoError(t, err)
		return shards
	}
	g1, g3, g5 := split(1), split(3), split(5)

	r := gvshard.NewReassembler(2)

	for _, s := range []gvmsg.Shard{g1[0], g3[0]} {
		_, ok, err := r.Add(s)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Zero(t, r.Abandoned())

	// A third incomplete group pushes out the earliest one.
	_, ok, err := r.Add(g5[0])
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(1), r.Abandoned())

	// Late shards do not restart the abandoned group.
	for _, s := range g1[1:] {
		_, ok, err := r.Add(s)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, uint64(1), r.Abandoned())

	// The survivors still complete.
	var got []byte
	for _, s := range g3[1:] {
		out, ok, err := r.Add(s)
		require.NoError(t, err)
		if ok {
			got = out
		}
	}
	require.Equal(t, data, got)
}

func TestReassembler_ignoresGroupsBehindNewestCompleted(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 4000)
	cfg := gvshard.DefaultSplitConfig()

	r := gvshard.NewReassembler(2)

	complete := func(group uint64) bool {
		shards, err := gvshard.Split(group, data, cfg)
		require.NoError(t, err)
		done := false
		for _, s := range shards {
			out, ok, err := r.Add(s)
			require.NoError(t, err)
			if ok {
				require.Equal(t, data, out)
				done = true
			}
		}
		return done
	}

	require.True(t, complete(5))

	// Two behind with a window of two: too old.
	require.False(t, complete(3))

	// One behind: still inside the window.
	require.True(t, complete(4))
}

func TestReassembler_strayGroupDoesNotBlockLaterGroups(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 3000)
	cfg := gvshard.DefaultSplitConfig()

	complete := func(t *testing.T, r *gvshard.Reassembler, group uint64) bool {
		t.Helper()
		shards, err := gvshard.Split(group, data, cfg)
		require.NoError(t, err)
		done := false
		for _, s := range shards {
			out, ok, err := r.Add(s)
			require.NoError(t, err)
			if ok {
				require.Equal(t, data, out)
				done = true
			}
		}
		return done
	}

	t.Run("incomplete", func(t *testing.T) {
		t.Parallel()

		r := gvshard.NewReassembler(0)
		_, ok, err := r.Add(gvmsg.Shard{
			Group: math.MaxUint64 - 1, NumData: 2, Size: 10, Data: []byte("x"),
		})
		require.NoError(t, err)
		require.False(t, ok)

		require.True(t, complete(t, r, 1))
		require.True(t, complete(t, r, 2))
	})

	t.Run("complete", func(t *testing.T) {
		t.Parallel()

		r := gvshard.NewReassembler(0)
		require.True(t, complete(t, r, 1))

		out, ok, err := r.Add(gvmsg.Shard{
			Group: math.MaxUint64, NumData: 1, Size: 1, Data: []byte{9},
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte{9}, out)

		require.True(t, complete(t, r, 2))
		require.True(t, complete(t, r, 3))
	})
}

func TestReassembler_rejectsInconsistentShard(t *testing.T) {
	t.Parallel()

	data := gvtest.RandomDataForTest(t, 4000)
	shards, err := gvshard.Split(1, data, gvshard.DefaultSplitConfig())
	require.NoError(t, err)

	r := gvshard.NewReassembler(0)
	_, _, err = r.Add(shards[0])
	require.NoError(t, err)

	bad := shards[1]
	bad.Size++
	_, _, err = r.Add(bad)
	require.Error(t, err)

	_, _, err = r.Add(gvmsg.Shard{Group: 2, Index: 9, NumData: 2, NumParity: 1, Size: 10, Data: []byte{1}})
	require.Error(t, err)
}

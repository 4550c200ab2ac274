package comm

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/octforest/octant"
)

func TestAllGatherAndReduce(t *testing.T) {
	eps, err := NewLocalGroup(4, time.Second)
	require.NoError(t, err)

	results := make([]uint64, len(eps))
	err = Run(context.Background(), eps, func(ctx context.Context, g Group) error {
		all, err := AllGather(ctx, g, KindGather, []byte{byte(g.Rank())})
		if err != nil {
			return err
		}
		for r, p := range all {
			if len(p) != 1 || int(p[0]) != r {
				return errors.Errorf("rank %d: bad payload from %d: %v", g.Rank(), r, p)
			}
		}
		sum, err := AllReduceSum(ctx, g, 1, uint64(g.Rank()+1))
		if err != nil {
			return err
		}
		results[g.Rank()] = sum
		return nil
	})
	require.NoError(t, err)
	for r, s := range results {
		assert.Equal(t, uint64(10), s, "rank %d", r)
	}
}

func TestExchangeRing(t *testing.T) {
	eps, err := NewLocalGroup(3, time.Second)
	require.NoError(t, err)

	err = Run(context.Background(), eps, func(ctx context.Context, g Group) error {
		n := g.Size()
		next, prev := (g.Rank()+1)%n, (g.Rank()+n-1)%n
		in, err := Exchange(ctx, g, KindAck, map[int][]byte{next: {byte(g.Rank())}}, []int{prev})
		if err != nil {
			return err
		}
		if in[prev][0] != byte(prev) {
			return errors.Errorf("rank %d got %v from %d", g.Rank(), in[prev], prev)
		}
		return nil
	})
	require.NoError(t, err)

	sent, bytes, recv := eps[0].Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), bytes)
	assert.Equal(t, uint64(1), recv)
}

func TestRecvProtocolAndTimeout(t *testing.T) {
	eps, err := NewLocalGroup(2, 50*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, eps[0].Send(ctx, 1, Message{Kind: KindAck}))
	_, err = eps[1].Recv(ctx, 0, KindOctantRecords)
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)

	_, err = eps[1].Recv(ctx, 0, KindAck)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	assert.True(t, errors.Is(eps[0].Send(ctx, 5, Message{}), ErrRank))
}

func TestSingleGroup(t *testing.T) {
	g := Single(0)
	assert.Equal(t, DefaultTimeout, g.Timeout())
	assert.Equal(t, 250*time.Millisecond, Single(250*time.Millisecond).Timeout())
	assert.Equal(t, 1, g.Size())
	assert.Equal(t, 0, g.Rank())
	sum, err := AllReduceSum(context.Background(), g, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sum)
}

func TestMessageEncoding(t *testing.T) {
	t.Run("PartitionInfo", func(t *testing.T) {
		in := PartitionInfo{Count: 12, First: octant.Key{Morton: 3, Level: 4}, Last: octant.Key{Morton: 1 << 40, Level: 20}}
		b, err := in.MarshalMsg(nil)
		require.NoError(t, err)
		var out PartitionInfo
		_, err = out.UnmarshalMsg(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("MarkerDelta", func(t *testing.T) {
		in := MarkerDelta{GlobalIdx: []uint64{1, 5, 9}, Markers: []int8{-1, 0, 2}}
		b, err := in.MarshalMsg(nil)
		require.NoError(t, err)
		var out MarkerDelta
		_, err = out.UnmarshalMsg(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)

		_, err = MarkerDelta{GlobalIdx: []uint64{1}}.MarshalMsg(nil)
		assert.Error(t, err)
	})

	t.Run("OctantRecords", func(t *testing.T) {
		in := OctantRecords{
			Octants:   octant.Octants{{Coords: [3]uint32{4, 8, 0}, Level: 3, Balance: true}, {Level: 1, Marker: -1}},
			GlobalIdx: []uint64{17, 18},
		}
		b, err := in.MarshalMsg(nil)
		require.NoError(t, err)
		var out OctantRecords
		_, err = out.UnmarshalMsg(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

package vblock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/statetransfer/vblock"
)

func TestCache_GetMiss(t *testing.T) {
	c := vblock.New(2)
	_, ok := c.Get(vblock.Key{RequiredCheckpointNum: 1})
	require.False(t, ok)
}

func TestCache_PutGet(t *testing.T) {
	c := vblock.New(2)
	key := vblock.Key{RequiredCheckpointNum: 5, LastCheckpointKnownToRequester: 2}
	vb := &statetransfer.VBlock{RequiredCheckpointNum: 5}
	c.Put(key, vb)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Same(t, vb, got)
}

func TestCache_EvictsOldestInsertionOnOverflow(t *testing.T) {
	c := vblock.New(2)
	k1 := vblock.Key{RequiredCheckpointNum: 1}
	k2 := vblock.Key{RequiredCheckpointNum: 2}
	k3 := vblock.Key{RequiredCheckpointNum: 3}

	c.Put(k1, &statetransfer.VBlock{RequiredCheckpointNum: 1})
	c.Put(k2, &statetransfer.VBlock{RequiredCheckpointNum: 2})

	// touching k1 must not protect it from eviction: order is by insertion,
	// not recency.
	_, _ = c.Get(k1)

	c.Put(k3, &statetransfer.VBlock{RequiredCheckpointNum: 3})

	_, ok := c.Get(k1)
	require.False(t, ok, "oldest insertion should have been evicted despite the read")
	_, ok = c.Get(k2)
	require.True(t, ok)
	_, ok = c.Get(k3)
	require.True(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c := vblock.New(1)
	key := vblock.Key{RequiredCheckpointNum: 1}
	c.Put(key, &statetransfer.VBlock{RequiredCheckpointNum: 1})
	c.Put(key, &statetransfer.VBlock{RequiredCheckpointNum: 1, LastCheckpointKnownToRequester: 9})

	require.Equal(t, 1, c.Len())
	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, uint64(9), got.LastCheckpointKnownToRequester)
}

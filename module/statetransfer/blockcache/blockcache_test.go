package blockcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/module/statetransfer/blockcache"
)

func TestCache_PutGet(t *testing.T) {
	c, err := blockcache.New(2)
	require.NoError(t, err)

	_, ok := c.Get(1)
	require.False(t, ok)

	c.Put(1, []byte("block-1"))
	data, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("block-1"), data)
	require.Equal(t, 1, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := blockcache.New(2)
	require.NoError(t, err)

	c.Put(1, []byte("a"))
	c.Put(2, []byte("b"))
	// touch 1 so it becomes more recently used than 2
	_, _ = c.Get(1)
	c.Put(3, []byte("c"))

	_, ok := c.Get(2)
	require.False(t, ok, "least recently used entry should have been evicted")

	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestCache_NewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := blockcache.New(0)
	require.Error(t, err)
}

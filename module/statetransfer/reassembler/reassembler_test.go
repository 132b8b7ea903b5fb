package reassembler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/module/statetransfer/reassembler"
)

func TestReassembler_IncompleteUntilAllChunksPresent(t *testing.T) {
	r := reassembler.New(1 << 20)

	require.NoError(t, r.AddChunk(reassembler.Chunk{
		BlockNumber: 10, ChunkNumber: 2, TotalNumberOfChunksInBlock: 2, Data: []byte("world"),
	}))
	_, _, ok := r.GetNextFullBlock(10)
	require.False(t, ok)

	require.NoError(t, r.AddChunk(reassembler.Chunk{
		BlockNumber: 10, ChunkNumber: 1, TotalNumberOfChunksInBlock: 2, Data: []byte("hello"),
	}))

	data, _, ok := r.GetNextFullBlock(10)
	require.True(t, ok)
	require.Equal(t, []byte("helloworld"), data)
}

func TestReassembler_DuplicateChunkIsNoop(t *testing.T) {
	r := reassembler.New(1 << 20)
	c := reassembler.Chunk{BlockNumber: 1, ChunkNumber: 1, TotalNumberOfChunksInBlock: 1, Data: []byte("x")}
	require.NoError(t, r.AddChunk(c))
	require.NoError(t, r.AddChunk(c))
	require.Equal(t, int64(1), r.TotalPendingBytes())
}

func TestReassembler_ConflictingTotalChunksIsBadData(t *testing.T) {
	r := reassembler.New(1 << 20)
	require.NoError(t, r.AddChunk(reassembler.Chunk{BlockNumber: 1, ChunkNumber: 1, TotalNumberOfChunksInBlock: 2, Data: []byte("a")}))

	err := r.AddChunk(reassembler.Chunk{BlockNumber: 1, ChunkNumber: 2, TotalNumberOfChunksInBlock: 3, Data: []byte("b")})
	require.Error(t, err)
	var badData *reassembler.ErrBadData
	require.ErrorAs(t, err, &badData)
}

func TestReassembler_ChunkNumberOutOfRangeIsBadData(t *testing.T) {
	r := reassembler.New(1 << 20)
	err := r.AddChunk(reassembler.Chunk{BlockNumber: 1, ChunkNumber: 5, TotalNumberOfChunksInBlock: 2, Data: []byte("a")})
	require.Error(t, err)
}

func TestReassembler_TooFastRejectsOverCapacity(t *testing.T) {
	r := reassembler.New(4)
	require.NoError(t, r.AddChunk(reassembler.Chunk{BlockNumber: 1, ChunkNumber: 1, TotalNumberOfChunksInBlock: 1, Data: []byte("ab")}))
	err := r.AddChunk(reassembler.Chunk{BlockNumber: 2, ChunkNumber: 1, TotalNumberOfChunksInBlock: 1, Data: []byte("abc")})
	require.ErrorIs(t, err, reassembler.ErrTooFast)
}

func TestReassembler_ClearUpToReclaimsBytes(t *testing.T) {
	r := reassembler.New(1 << 20)
	require.NoError(t, r.AddChunk(reassembler.Chunk{BlockNumber: 5, ChunkNumber: 1, TotalNumberOfChunksInBlock: 1, Data: []byte("abcd")}))
	require.NoError(t, r.AddChunk(reassembler.Chunk{BlockNumber: 10, ChunkNumber: 1, TotalNumberOfChunksInBlock: 1, Data: []byte("ef")}))

	r.ClearUpTo(5)
	require.Equal(t, int64(2), r.TotalPendingBytes())
	require.False(t, r.HasAnyChunk(5))
	require.True(t, r.HasAnyChunk(10))
}

func TestReassembler_CarriesDigestOfNextRequiredBlock(t *testing.T) {
	r := reassembler.New(1 << 20)
	var d flow.Digest
	d[0] = 0xAB

	require.NoError(t, r.AddChunk(reassembler.Chunk{
		BlockNumber: 1, ChunkNumber: 1, TotalNumberOfChunksInBlock: 1,
		Data: []byte("x"), DigestOfNextRequiredBlock: &d,
	}))

	_, gotDigest, ok := r.GetNextFullBlock(1)
	require.True(t, ok)
	require.NotNil(t, gotDigest)
	require.Equal(t, d, *gotDigest)
}

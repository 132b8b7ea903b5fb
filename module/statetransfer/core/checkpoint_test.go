package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	"github.com/myh1000/concord-bft/module/statetransfer"
)

func TestReservedPages_SaveLoadZeroRoundTrip(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		_, ok := f.core.LoadReservedPage(0)
		require.False(t, ok)

		f.core.SaveReservedPage(0, []byte("hello"))
		got, ok := f.core.LoadReservedPage(0)
		require.True(t, ok)
		require.Equal(t, []byte("hello"), got)

		f.core.ZeroReservedPage(0)
		got, ok = f.core.LoadReservedPage(0)
		require.True(t, ok)
		require.Equal(t, make([]byte, f.config.SizeOfReservedPage), got)
	})
}

func TestCreateCheckpointOfCurrentState_CommitsBufferedPages(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		f.core.SaveReservedPage(0, []byte("page-zero"))
		f.core.SaveReservedPage(1, []byte("page-one"))

		lastBlockDigest := messages.DigestOfBlock(10, []byte("block-10"))
		require.NoError(t, f.core.CreateCheckpointOfCurrentState(1, 10, lastBlockDigest))

		status := f.core.GetStatus()
		require.Equal(t, uint64(1), status.LastStoredCheckpoint)

		digest, err := f.core.GetDigestOfCheckpoint(1)
		require.NoError(t, err)

		pageDigests := []flow.Digest{
			messages.DigestOfPage(0, 1, []byte("page-zero")),
			messages.DigestOfPage(1, 1, []byte("page-one")),
		}
		require.Equal(t, messages.DigestOfPagesDescriptor(1, pageDigests), digest)

		got, ok := f.core.LoadReservedPage(0)
		require.True(t, ok)
		require.Equal(t, []byte("page-zero"), got)
	})
}

func TestCreateCheckpointOfCurrentState_LivePagesClearedAfterCommit(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		f.core.SaveReservedPage(0, []byte("first"))
		require.NoError(t, f.core.CreateCheckpointOfCurrentState(1, 0, flow.ZeroDigest))

		// second checkpoint with no new writes should carry forward the
		// same page version, not double-apply or lose the first write.
		require.NoError(t, f.core.CreateCheckpointOfCurrentState(2, 0, flow.ZeroDigest))

		pageDigest := messages.DigestOfPage(0, 1, []byte("first"))
		pageDigests := []flow.Digest{pageDigest, {}}
		digest1, err := f.core.GetDigestOfCheckpoint(1)
		require.NoError(t, err)
		require.Equal(t, messages.DigestOfPagesDescriptor(1, pageDigests), digest1)

		digest2, err := f.core.GetDigestOfCheckpoint(2)
		require.NoError(t, err)
		require.Equal(t, messages.DigestOfPagesDescriptor(2, pageDigests), digest2)

		got, ok := f.core.LoadReservedPage(0)
		require.True(t, ok)
		require.Equal(t, []byte("first"), got)
	})
}

func TestMarkCheckpointAsStable_PrunesOldCheckpoints(t *testing.T) {
	withFixture(t, func(cfg *statetransfer.Config) {
		cfg.MaxStoredCheckpoints = 2
	}, func(f *testFixture) {
		for n := uint64(1); n <= 4; n++ {
			require.NoError(t, f.core.CreateCheckpointOfCurrentState(n, n, flow.ZeroDigest))
		}
		require.NoError(t, f.core.MarkCheckpointAsStable(4))

		_, err := f.core.GetDigestOfCheckpoint(1)
		require.Error(t, err)
		_, err = f.core.GetDigestOfCheckpoint(4)
		require.NoError(t, err)
	})
}

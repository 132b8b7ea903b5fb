package statetransfer_test

import (
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/model/flow"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/testutil"
	"github.com/myh1000/concord-bft/storage"
	badgerstatetransfer "github.com/myh1000/concord-bft/storage/badger/statetransfer"
)

func withStore(t *testing.T, f func(*badgerstatetransfer.Store)) {
	testutil.RunWithBadgerDB(t, func(db *badger.DB) {
		f(badgerstatetransfer.New(db))
	})
}

func TestStore_FetchingStateRoundTrip(t *testing.T) {
	withStore(t, func(s *badgerstatetransfer.Store) {
		err := s.WithTransaction(func(txn storage.Transaction) error {
			return txn.SetFetchingState(modelstatetransfer.GettingMissingBlocks)
		})
		require.NoError(t, err)

		got, err := s.GetFetchingState()
		require.NoError(t, err)
		require.Equal(t, modelstatetransfer.GettingMissingBlocks, got)
	})
}

func TestStore_CheckpointDescRejectsMismatch(t *testing.T) {
	withStore(t, func(s *badgerstatetransfer.Store) {
		desc := modelstatetransfer.CheckpointDescriptor{CheckpointNum: 5, LastBlock: 500}

		err := s.WithTransaction(func(txn storage.Transaction) error {
			return txn.SetCheckpointDesc(desc)
		})
		require.NoError(t, err)

		// identical re-write is fine
		err = s.WithTransaction(func(txn storage.Transaction) error {
			return txn.SetCheckpointDesc(desc)
		})
		require.NoError(t, err)

		// conflicting content is rejected
		mismatch := desc
		mismatch.LastBlock = 600
		err = s.WithTransaction(func(txn storage.Transaction) error {
			return txn.SetCheckpointDesc(mismatch)
		})
		require.ErrorIs(t, err, storage.ErrDataMismatch)

		got, err := s.GetCheckpointDesc(5)
		require.NoError(t, err)
		require.Equal(t, desc, got)
	})
}

func TestStore_StoredCheckpointRangeTracksMinMax(t *testing.T) {
	withStore(t, func(s *badgerstatetransfer.Store) {
		for _, n := range []uint64{5, 3, 7} {
			n := n
			err := s.WithTransaction(func(txn storage.Transaction) error {
				return txn.SetCheckpointDesc(modelstatetransfer.CheckpointDescriptor{CheckpointNum: n})
			})
			require.NoError(t, err)
		}

		first, last, ok, err := s.GetStoredCheckpointRange()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(3), first)
		require.Equal(t, uint64(7), last)
	})
}

func TestStore_PendingResPagesNotVisibleUntilAssociated(t *testing.T) {
	withStore(t, func(s *badgerstatetransfer.Store) {
		err := s.WithTransaction(func(txn storage.Transaction) error {
			return txn.SetPendingResPage(1, 5, []byte("page-bytes"))
		})
		require.NoError(t, err)

		_, ok, err := s.LoadReservedPage(1)
		require.NoError(t, err)
		require.False(t, ok, "pending page must not be visible before association")

		err = s.WithTransaction(func(txn storage.Transaction) error {
			return txn.AssociatePendingResPagesWithCheckpoint(5)
		})
		require.NoError(t, err)

		bytes, ok, err := s.LoadReservedPage(1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("page-bytes"), bytes)

		version, err := s.GetPageVersion(1)
		require.NoError(t, err)
		require.True(t, version.Written)
		require.Equal(t, uint64(5), version.CheckpointOfLastWrite)
	})
}

func TestStore_DeleteCheckpointsUpToPrunes(t *testing.T) {
	withStore(t, func(s *badgerstatetransfer.Store) {
		for _, n := range []uint64{1, 2, 3} {
			n := n
			err := s.WithTransaction(func(txn storage.Transaction) error {
				return txn.SetCheckpointDesc(modelstatetransfer.CheckpointDescriptor{CheckpointNum: n})
			})
			require.NoError(t, err)
		}

		err := s.WithTransaction(func(txn storage.Transaction) error {
			return txn.DeleteCheckpointsUpTo(3)
		})
		require.NoError(t, err)

		_, err = s.GetCheckpointDesc(1)
		require.ErrorIs(t, err, storage.ErrNotFound)

		got, err := s.GetCheckpointDesc(3)
		require.NoError(t, err)
		require.Equal(t, uint64(3), got.CheckpointNum)
	})
}

func TestStore_DigestOfNextRequiredBlockRoundTrip(t *testing.T) {
	withStore(t, func(s *badgerstatetransfer.Store) {
		var d flow.Digest
		d[0] = 0x42

		err := s.WithTransaction(func(txn storage.Transaction) error {
			return txn.SetDigestOfNextRequiredBlock(d)
		})
		require.NoError(t, err)

		got, err := s.GetDigestOfNextRequiredBlock()
		require.NoError(t, err)
		require.Equal(t, d, got)
	})
}

package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
)

// startFetchingResPagesOnly drives f into GettingMissingResPages directly,
// for a checkpoint whose block range is already fully satisfied by
// GetLastReachableBlockNum (so no block fetching happens). It returns the
// selected current source and the reserved-pages descriptor digest the
// core expects to see the incoming vblock resolve to.
func startFetchingResPagesOnly(t *testing.T, f *testFixture, checkpointNum uint64, lastBlock uint64, resPagesDigest flow.Digest) flow.ReplicaID {
	t.Helper()
	require.NoError(t, f.appState.PutBlock(0, buildBlock(flow.ZeroDigest, "genesis")))
	for n := uint64(1); n <= lastBlock; n++ {
		require.NoError(t, f.appState.PutBlock(n, buildBlock(messages.DigestOfBlock(n-1, mustBlock(f, n-1)), "payload")))
	}

	require.NoError(t, f.core.StartCollectingState())

	others := f.otherReplicas()
	votes := make([]messages.CheckpointSummary, 0, f.config.Threshold())
	for i, sender := range others[:f.config.Threshold()] {
		votes = append(votes, messages.CheckpointSummary{
			Hdr:                        messages.Header{Kind: messages.KindCheckpointSummary, SenderReplicaID: sender, MsgSeqNum: uint64(i + 1), ProtocolVersion: messages.ProtocolVersion},
			CheckpointNumber:           checkpointNum,
			MaxBlockID:                 lastBlock,
			DigestOfMaxBlockID:         messages.DigestOfBlock(lastBlock, mustBlock(f, lastBlock)),
			DigestOfResPagesDescriptor: resPagesDigest,
			RequestMsgSeqNum:           1,
		})
	}
	for _, v := range votes {
		f.core.HandleStateTransferMessage(v)
	}

	status := f.core.GetStatus()
	require.Equal(t, modelstatetransfer.GettingMissingResPages, status.FetchingState)
	require.NotNil(t, status.CurrentSource)
	return *status.CurrentSource
}

func mustBlock(f *testFixture, n uint64) []byte {
	b, ok := f.appState.GetBlock(n)
	if !ok {
		panic("test setup error: block not present")
	}
	return b
}

func TestOnItemDataForResPages_AppliesVBlockAndCompletesSession(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		pageBytes := []byte("reserved-page-0-contents")
		pageDigest := messages.DigestOfPage(0, 3, pageBytes)
		pageDigests := make([]flow.Digest, f.config.MaxNumberOfReservedPages)
		pageDigests[0] = pageDigest
		resPagesDigest := messages.DigestOfPagesDescriptor(3, pageDigests)

		var completed []uint64
		f.core.AddOnTransferringCompleteCallback(func(checkpointNum uint64) {
			completed = append(completed, checkpointNum)
		})

		source := startFetchingResPagesOnly(t, f, 3, 0, resPagesDigest)

		vb := modelstatetransfer.VBlock{
			RequiredCheckpointNum:          3,
			LastCheckpointKnownToRequester: 0,
			Pages: []modelstatetransfer.VBlockPage{
				{PageID: 0, CheckpointNum: 3, Digest: pageDigest, Bytes: pageBytes},
			},
		}
		data, err := modelstatetransfer.EncodeVBlock(vb)
		require.NoError(t, err)

		itemData := messages.ItemData{
			Hdr:                        messages.Header{Kind: messages.KindItemData, SenderReplicaID: source, MsgSeqNum: uint64(f.config.Threshold()) + 1, ProtocolVersion: messages.ProtocolVersion},
			BlockNumber:                modelstatetransfer.SentinelVBlockID,
			TotalNumberOfChunksInBlock: 1,
			ChunkNumber:                1,
			LastInBatch:                true,
			Data:                       data,
		}
		f.core.HandleStateTransferMessage(itemData)

		status := f.core.GetStatus()
		require.Equal(t, modelstatetransfer.NotFetching, status.FetchingState)
		require.Equal(t, uint64(3), status.LastStoredCheckpoint)
		require.Equal(t, []uint64{3}, completed)

		got, ok := f.core.LoadReservedPage(0)
		require.True(t, ok)
		require.Equal(t, pageBytes, got)
	})
}

func TestOnItemDataForResPages_RejectsDigestMismatch(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		pageBytes := []byte("reserved-page-0-contents")
		pageDigest := messages.DigestOfPage(0, 3, pageBytes)
		pageDigests := make([]flow.Digest, f.config.MaxNumberOfReservedPages)
		pageDigests[0] = pageDigest
		resPagesDigest := messages.DigestOfPagesDescriptor(3, pageDigests)

		source := startFetchingResPagesOnly(t, f, 3, 0, resPagesDigest)

		vb := modelstatetransfer.VBlock{
			RequiredCheckpointNum:          3,
			LastCheckpointKnownToRequester: 0,
			Pages: []modelstatetransfer.VBlockPage{
				// wrong bytes: digest won't match pageDigest.
				{PageID: 0, CheckpointNum: 3, Digest: pageDigest, Bytes: []byte("tampered")},
			},
		}
		data, err := modelstatetransfer.EncodeVBlock(vb)
		require.NoError(t, err)

		itemData := messages.ItemData{
			Hdr:                        messages.Header{Kind: messages.KindItemData, SenderReplicaID: source, MsgSeqNum: uint64(f.config.Threshold()) + 1, ProtocolVersion: messages.ProtocolVersion},
			BlockNumber:                modelstatetransfer.SentinelVBlockID,
			TotalNumberOfChunksInBlock: 1,
			ChunkNumber:                1,
			LastInBatch:                true,
			Data:                       data,
		}
		f.core.HandleStateTransferMessage(itemData)

		status := f.core.GetStatus()
		require.Equal(t, modelstatetransfer.GettingMissingResPages, status.FetchingState)
		require.NotEqual(t, uint64(3), status.LastStoredCheckpoint)
		// the source should have been demoted and a new FetchResPages sent.
		require.GreaterOrEqual(t, f.transport.countOfKind(messages.KindFetchResPages), 2)
	})
}

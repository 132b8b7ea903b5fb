package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
)

func TestStartCollectingState_BroadcastsAskForCheckpointSummaries(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		require.NoError(t, f.core.StartCollectingState())
		require.True(t, f.core.IsCollectingState())
		require.Equal(t, modelstatetransfer.GettingCheckpointSummaries, f.core.GetStatus().FetchingState)
		require.Equal(t, 1, f.transport.countOfKind(messages.KindAskForCheckpointSummaries))
	})
}

func TestStartCollectingState_NoOpWhenAlreadyFetching(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		require.NoError(t, f.core.StartCollectingState())
		require.NoError(t, f.core.StartCollectingState())
		require.Equal(t, 1, f.transport.countOfKind(messages.KindAskForCheckpointSummaries))
	})
}

// checkpointSummaryVotesForSingleBlock builds one CheckpointSummary vote
// per sender for a target checkpoint whose only required block is block
// 1, so the resulting session stays entirely within GettingMissingBlocks
// (and then GettingMissingResPages) with no other blocks to fetch.
func checkpointSummaryVotesForSingleBlock(senders []flow.ReplicaID, checkpointNum uint64, block1Digest flow.Digest, resPagesDigest flow.Digest) []messages.CheckpointSummary {
	votes := make([]messages.CheckpointSummary, 0, len(senders))
	for i, sender := range senders {
		votes = append(votes, messages.CheckpointSummary{
			Hdr:                        messages.Header{Kind: messages.KindCheckpointSummary, SenderReplicaID: sender, MsgSeqNum: uint64(i + 1), ProtocolVersion: messages.ProtocolVersion},
			CheckpointNumber:           checkpointNum,
			MaxBlockID:                 1,
			DigestOfMaxBlockID:         block1Digest,
			DigestOfResPagesDescriptor: resPagesDigest,
			RequestMsgSeqNum:           1,
		})
	}
	return votes
}

func TestOnCheckpointSummary_QuorumTransitionsToGettingMissingBlocks(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		require.NoError(t, f.core.StartCollectingState())

		block1 := buildBlock(flow.ZeroDigest, "payload-1")
		digest1 := messages.DigestOfBlock(1, block1)
		resPagesDigest := zeroPagesDescriptorDigest(5, f.config.MaxNumberOfReservedPages)

		others := f.otherReplicas()
		require.GreaterOrEqual(t, len(others), f.config.Threshold())
		votes := checkpointSummaryVotesForSingleBlock(others[:f.config.Threshold()], 5, digest1, resPagesDigest)

		for _, v := range votes {
			f.core.HandleStateTransferMessage(v)
		}

		status := f.core.GetStatus()
		require.Equal(t, modelstatetransfer.GettingMissingBlocks, status.FetchingState)
		require.Equal(t, uint64(1), status.FirstRequiredBlock)
		require.Equal(t, uint64(1), status.LastRequiredBlock)
		require.NotNil(t, status.CurrentSource)
		require.Equal(t, 1, f.transport.countOfKind(messages.KindFetchBlocks))
	})
}

func TestOnCheckpointSummary_IgnoredWhenNotFetching(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		// no StartCollectingState call: engine is NotFetching.
		vote := messages.CheckpointSummary{
			Hdr:              messages.Header{Kind: messages.KindCheckpointSummary, SenderReplicaID: 1, MsgSeqNum: 1, ProtocolVersion: messages.ProtocolVersion},
			CheckpointNumber: 1,
		}
		f.core.HandleStateTransferMessage(vote)
		require.False(t, f.core.IsCollectingState())
		require.Empty(t, f.transport.all())
	})
}

func TestOnTimer_RetransmitsAskAfterTimeout(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		require.NoError(t, f.core.StartCollectingState())
		require.Equal(t, 1, f.transport.countOfKind(messages.KindAskForCheckpointSummaries))

		f.clock.Advance(time.Duration(f.config.FetchRetransmissionTimeoutMs+1) * time.Millisecond)
		f.core.OnTimer()

		require.Equal(t, 2, f.transport.countOfKind(messages.KindAskForCheckpointSummaries))
	})
}

func TestOnTimer_DoesNothingBeforeTimeout(t *testing.T) {
	withFixture(t, nil, func(f *testFixture) {
		require.NoError(t, f.core.StartCollectingState())
		f.core.OnTimer()
		require.Equal(t, 1, f.transport.countOfKind(messages.KindAskForCheckpointSummaries))
	})
}

package core

import (
	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/statetransfer/reassembler"
	"github.com/myh1000/concord-bft/storage"
)

func (c *Core) sendFetchBlocksToNewSource() {
	now := c.clock.Now()
	src, err := c.selector.PickNext(now, c.config.FetchRetransmissionTimeoutMs)
	if err != nil {
		c.log.Warn().Err(err).Msg("no source available to fetch blocks from")
		return
	}
	c.selector.RecordSend(now)
	c.sendFetchBlocks(src)
}

func (c *Core) sendFetchBlocks(to flow.ReplicaID) {
	msg := messages.FetchBlocks{
		Hdr:                               c.header(messages.KindFetchBlocks),
		MinBlockNumber:                    c.firstRequiredBlock,
		MaxBlockNumber:                    c.lastRequiredBlock,
		LastKnownChunkInLastRequiredBlock: c.reasm.HighestChunkNumber(c.lastRequiredBlock),
	}
	if err := c.transport.SendTo(to, msg); err != nil {
		c.log.Warn().Err(err).Uint16("to", uint16(to)).Msg("failed to send FetchBlocks")
		return
	}
	c.metrics.MessageSent(messages.KindFetchBlocks.String())
}

// onItemData handles a chunk of a block (or vblock, under the sentinel
// number) streamed from the current source.
func (c *Core) onItemData(m messages.ItemData) {
	switch c.fetchingState {
	case modelstatetransfer.GettingMissingBlocks:
		c.onItemDataForBlocks(m)
	case modelstatetransfer.GettingMissingResPages:
		c.onItemDataForResPages(m)
	default:
		c.metrics.MessageDropped("irrelevant")
	}
}

func (c *Core) onItemDataForBlocks(m messages.ItemData) {
	cur := c.selector.Current()
	if cur == nil || *cur != m.Hdr.SenderReplicaID {
		c.metrics.MessageDropped("irrelevant")
		return
	}
	if m.BlockNumber < c.firstRequiredBlock || m.BlockNumber > c.nextRequiredBlock {
		c.metrics.MessageDropped("irrelevant")
		return
	}
	if !c.acceptSequence(m.Hdr.SenderReplicaID, m.Hdr.MsgSeqNum) {
		c.metrics.MessageDropped("irrelevant")
		return
	}

	err := c.reasm.AddChunk(toChunk(m))
	if err != nil {
		c.onBadDataOrTooFast(*cur, m.BlockNumber, err)
		return
	}
	c.selector.OnGoodReply(*cur)
	c.recordChunkSample(len(m.Data))

	c.drainCompletedBlocks()
}

func toChunk(m messages.ItemData) reassembler.Chunk {
	return reassembler.Chunk{
		BlockNumber:                m.BlockNumber,
		ChunkNumber:                m.ChunkNumber,
		TotalNumberOfChunksInBlock: m.TotalNumberOfChunksInBlock,
		Data:                       m.Data,
		LastInBatch:                m.LastInBatch,
		DigestOfNextRequiredBlock:  m.DigestOfNextRequiredBlock,
	}
}

func (c *Core) drainCompletedBlocks() {
	for {
		bytes, _, ok := c.reasm.GetNextFullBlock(c.nextRequiredBlock)
		if !ok {
			return
		}

		digest := messages.DigestOfBlock(c.nextRequiredBlock, bytes)
		if !digest.Equal(c.digestOfNextRequiredBlock) {
			cur := c.selector.Current()
			c.onProvablyBadData(cur, c.nextRequiredBlock, "digest mismatch on accepted block")
			return
		}

		if err := c.appState.PutBlock(c.nextRequiredBlock, bytes); err != nil {
			c.log.Error().Err(err).Uint64("block", c.nextRequiredBlock).Msg("AppState rejected block, fatal")
			return
		}
		c.metrics.BlockStored(c.nextRequiredBlock)

		prevDigest, err := c.appState.GetPrevDigestFromBlock(c.nextRequiredBlock)
		if err != nil {
			c.log.Error().Err(err).Uint64("block", c.nextRequiredBlock).Msg("could not extract predecessor digest, fatal")
			return
		}
		c.digestOfNextRequiredBlock = prevDigest
		c.nextRequiredBlock--

		if err := c.persistBlockProgress(); err != nil {
			c.log.Error().Err(err).Msg("could not durably persist block-fetch progress")
			return
		}

		if c.nextRequiredBlock < c.firstRequiredBlock {
			c.transitionToResPages()
			return
		}
	}
}

func (c *Core) persistBlockProgress() error {
	return c.store.WithTransaction(func(txn storage.Transaction) error {
		if err := txn.SetNextRequiredBlock(c.nextRequiredBlock); err != nil {
			return err
		}
		return txn.SetDigestOfNextRequiredBlock(c.digestOfNextRequiredBlock)
	})
}

// onBadDataOrTooFast routes any reassembler error, malformed chunk or
// ErrTooFast alike, to onBadData.
func (c *Core) onBadDataOrTooFast(source flow.ReplicaID, blockNumber uint64, err error) {
	c.onBadData(&source, blockNumber, err.Error())
}

// onBadData handles a reassembler-level rejection (a malformed chunk or
// back-pressure): the source is rotated away via the transient
// circuit-breaker path, since neither condition proves malicious intent.
func (c *Core) onBadData(source *flow.ReplicaID, blockNumber uint64, reason string) {
	c.metrics.MessageDropped("bad_data")
	c.reasm.ClearUpTo(blockNumber)
	if source != nil {
		c.log.Warn().Uint16("source", uint16(*source)).Uint64("block", blockNumber).Str("reason", reason).Msg("bad data from source, demoting")
		c.selector.OnReject(*source)
		c.metrics.SourceDemoted()
	}
	c.sendFetchBlocksToNewSource()
}

// onProvablyBadData handles a hash-chain digest mismatch on an accepted
// block: this is conclusive evidence the source served bad data, so it
// is permanently excluded from selection for the rest of the session
// rather than merely tripping its circuit breaker.
func (c *Core) onProvablyBadData(source *flow.ReplicaID, blockNumber uint64, reason string) {
	c.metrics.MessageDropped("bad_data")
	c.reasm.ClearUpTo(blockNumber)
	if source != nil {
		c.log.Warn().Uint16("source", uint16(*source)).Uint64("block", blockNumber).Str("reason", reason).Msg("provably bad data from source, banning for session")
		c.selector.OnBadData(*source)
		c.metrics.SourceDemoted()
	}
	c.sendFetchBlocksToNewSource()
}

func (c *Core) onRejectFetching(m messages.RejectFetching) {
	cur := c.selector.Current()
	if cur == nil || *cur != m.Hdr.SenderReplicaID {
		c.metrics.MessageDropped("irrelevant")
		return
	}
	c.selector.OnReject(*cur)
	c.metrics.SourceDemoted()

	switch c.fetchingState {
	case modelstatetransfer.GettingMissingBlocks:
		c.sendFetchBlocksToNewSource()
	case modelstatetransfer.GettingMissingResPages:
		c.sendFetchResPagesToNewSource()
	}
}

func (c *Core) transitionToResPages() {
	if err := c.setFetchingState(modelstatetransfer.GettingMissingResPages); err != nil {
		c.log.Error().Err(err).Msg("could not durably transition to GettingMissingResPages")
		return
	}
	c.sendFetchResPagesToNewSource()
}

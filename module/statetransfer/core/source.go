package core

import (
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/statetransfer/vblock"
)

// onAskForCheckpointSummaries replies with one CheckpointSummary per
// stored checkpoint numbered >= the requested minimum.
func (c *Core) onAskForCheckpointSummaries(m messages.AskForCheckpointSummaries) {
	first, last, ok, err := c.store.GetStoredCheckpointRange()
	if err != nil || !ok {
		return
	}
	start := m.MinRelevantCheckpoint
	if start < first {
		start = first
	}
	for n := start; n <= last; n++ {
		desc, err := c.store.GetCheckpointDesc(n)
		if err != nil {
			continue
		}
		reply := messages.CheckpointSummary{
			Hdr:                        c.header(messages.KindCheckpointSummary),
			CheckpointNumber:           n,
			MaxBlockID:                 desc.LastBlock,
			DigestOfMaxBlockID:         desc.DigestOfLastBlock,
			DigestOfResPagesDescriptor: desc.DigestOfResPagesDescriptor,
			RequestMsgSeqNum:           m.Hdr.MsgSeqNum,
		}
		if err := c.transport.SendTo(m.Hdr.SenderReplicaID, reply); err != nil {
			c.log.Warn().Err(err).Msg("failed to send CheckpointSummary")
			continue
		}
		c.metrics.MessageSent(messages.KindCheckpointSummary.String())
	}
}

// onFetchBlocks streams application blocks [m.MinBlockNumber,
// m.MaxBlockNumber] high-to-low, honoring LastKnownChunkInLastRequiredBlock
// on the top block so a retransmission doesn't resend what the requester
// already has, and capping the number of chunks sent per call at
// maxNumberOfChunksInBatch.
func (c *Core) onFetchBlocks(m messages.FetchBlocks) {
	if m.MinBlockNumber > m.MaxBlockNumber || m.MaxBlockNumber > c.appState.GetLastReachableBlockNum() {
		c.replyReject(m.Hdr.SenderReplicaID, m.Hdr.MsgSeqNum)
		return
	}

	var sent uint32
	blockNumber := m.MaxBlockNumber
	skip := m.LastKnownChunkInLastRequiredBlock
	for {
		data, ok := c.getBlockCached(blockNumber)
		if !ok {
			if sent == 0 {
				c.replyReject(m.Hdr.SenderReplicaID, m.Hdr.MsgSeqNum)
			}
			return
		}

		totalChunks := numChunks(len(data), int(c.config.MaxChunkSize))
		remaining := uint32(totalChunks) - uint32(skip)
		if sent > 0 && sent+remaining > c.config.MaxNumberOfChunksInBatch {
			return
		}

		var digestOfNext *flow.Digest
		if blockNumber > 0 {
			if d, err := c.appState.GetPrevDigestFromBlock(blockNumber); err == nil {
				digestOfNext = &d
			}
		}

		isLastBlockInRange := blockNumber == m.MinBlockNumber
		for chunkNumber := skip + 1; chunkNumber <= uint16(totalChunks); chunkNumber++ {
			lastChunkOfBlock := chunkNumber == uint16(totalChunks)
			msg := messages.ItemData{
				Hdr:                        c.header(messages.KindItemData),
				RequestMsgSeqNum:           m.Hdr.MsgSeqNum,
				BlockNumber:                blockNumber,
				TotalNumberOfChunksInBlock: uint16(totalChunks),
				ChunkNumber:                chunkNumber,
				LastInBatch:                lastChunkOfBlock && isLastBlockInRange,
				Data:                       chunkBytes(data, chunkNumber, int(c.config.MaxChunkSize)),
			}
			if lastChunkOfBlock {
				msg.DigestOfNextRequiredBlock = digestOfNext
			}
			if !c.sendLimiter.AllowN(c.clock.Now(), len(msg.Data)) {
				return // out of send budget for now; requester retransmits and we resume
			}
			if err := c.transport.SendTo(m.Hdr.SenderReplicaID, msg); err != nil {
				c.log.Warn().Err(err).Msg("failed to send ItemData")
				return
			}
			c.metrics.MessageSent(messages.KindItemData.String())
			sent++
		}

		skip = 0
		if isLastBlockInRange || sent >= c.config.MaxNumberOfChunksInBatch {
			return
		}
		blockNumber--
	}
}

// onFetchResPages looks up or materializes the vblock covering
// (m.LastCheckpointKnownToRequester, m.RequiredCheckpointNum] and streams
// it the same way a block would be, under the sentinel block number.
func (c *Core) onFetchResPages(m messages.FetchResPages) {
	key := vblock.Key{
		RequiredCheckpointNum:          m.RequiredCheckpointNum,
		LastCheckpointKnownToRequester: m.LastCheckpointKnownToRequester,
	}
	vb, ok := c.vblockCache.Get(key)
	if !ok {
		built, err := c.buildVBlock(m.RequiredCheckpointNum, m.LastCheckpointKnownToRequester)
		if err != nil {
			c.replyReject(m.Hdr.SenderReplicaID, m.Hdr.MsgSeqNum)
			return
		}
		vb = built
		c.vblockCache.Put(key, vb)
	}

	data, err := modelstatetransfer.EncodeVBlock(*vb)
	if err != nil {
		c.log.Error().Err(err).Msg("could not encode vblock")
		return
	}

	totalChunks := numChunks(len(data), int(c.config.MaxChunkSize))
	var sent uint32
	for chunkNumber := m.LastKnownChunkInLastRequiredBlock + 1; chunkNumber <= uint16(totalChunks) && sent < c.config.MaxNumberOfChunksInBatch; chunkNumber++ {
		msg := messages.ItemData{
			Hdr:                        c.header(messages.KindItemData),
			RequestMsgSeqNum:           m.Hdr.MsgSeqNum,
			BlockNumber:                SentinelVBlockID,
			TotalNumberOfChunksInBlock: uint16(totalChunks),
			ChunkNumber:                chunkNumber,
			LastInBatch:                chunkNumber == uint16(totalChunks),
			Data:                       chunkBytes(data, chunkNumber, int(c.config.MaxChunkSize)),
		}
		if !c.sendLimiter.AllowN(c.clock.Now(), len(msg.Data)) {
			return
		}
		if err := c.transport.SendTo(m.Hdr.SenderReplicaID, msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to send ItemData")
			return
		}
		c.metrics.MessageSent(messages.KindItemData.String())
		sent++
	}
}

func (c *Core) getBlockCached(blockNumber uint64) ([]byte, bool) {
	if data, ok := c.blockCache.Get(blockNumber); ok {
		return data, true
	}
	data, ok := c.appState.GetBlock(blockNumber)
	if !ok {
		return nil, false
	}
	c.blockCache.Put(blockNumber, data)
	return data, true
}

func (c *Core) buildVBlock(requiredCheckpointNum, lastKnown uint64) (*modelstatetransfer.VBlock, error) {
	var pages []modelstatetransfer.VBlockPage
	for pageID := uint32(0); pageID < c.config.MaxNumberOfReservedPages; pageID++ {
		pv, err := c.store.GetPageVersion(pageID)
		if err != nil {
			return nil, fmt.Errorf("could not read page %d version: %w", pageID, err)
		}
		if !pv.Written || pv.CheckpointOfLastWrite <= lastKnown || pv.CheckpointOfLastWrite > requiredCheckpointNum {
			continue
		}
		bytes, ok, err := c.store.LoadReservedPage(pageID)
		if err != nil || !ok {
			return nil, fmt.Errorf("missing bytes for page %d as of checkpoint %d", pageID, pv.CheckpointOfLastWrite)
		}
		pages = append(pages, modelstatetransfer.VBlockPage{
			PageID:        pageID,
			CheckpointNum: pv.CheckpointOfLastWrite,
			Digest:        pv.Digest,
			Bytes:         bytes,
		})
	}
	return &modelstatetransfer.VBlock{
		RequiredCheckpointNum:          requiredCheckpointNum,
		LastCheckpointKnownToRequester: lastKnown,
		Pages:                          pages,
	}, nil
}

func (c *Core) replyReject(to flow.ReplicaID, requestSeq uint64) {
	msg := messages.RejectFetching{Hdr: c.header(messages.KindRejectFetching), RequestMsgSeqNum: requestSeq}
	if err := c.transport.SendTo(to, msg); err != nil {
		c.log.Warn().Err(err).Msg("failed to send RejectFetching")
		return
	}
	c.metrics.MessageSent(messages.KindRejectFetching.String())
}

func numChunks(dataLen, chunkSize int) int {
	if dataLen == 0 {
		return 1
	}
	return (dataLen + chunkSize - 1) / chunkSize
}

func chunkBytes(data []byte, chunkNumber uint16, chunkSize int) []byte {
	start := int(chunkNumber-1) * chunkSize
	if start >= len(data) {
		return nil
	}
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

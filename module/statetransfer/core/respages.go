package core

import (
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/storage"
)

func (c *Core) sendFetchResPagesToNewSource() {
	now := c.clock.Now()
	src, err := c.selector.PickNext(now, c.config.FetchRetransmissionTimeoutMs)
	if err != nil {
		c.log.Warn().Err(err).Msg("no source available to fetch reserved pages from")
		return
	}
	c.selector.RecordSend(now)
	c.sendFetchResPages(src)
}

func (c *Core) sendFetchResPages(to flow.ReplicaID) {
	msg := messages.FetchResPages{
		Hdr:                               c.header(messages.KindFetchResPages),
		LastCheckpointKnownToRequester:    c.lastStoredCheckpoint,
		RequiredCheckpointNum:             c.checkpointBeingFetched.CheckpointNum,
		LastKnownChunkInLastRequiredBlock: c.reasm.HighestChunkNumber(SentinelVBlockID),
	}
	if err := c.transport.SendTo(to, msg); err != nil {
		c.log.Warn().Err(err).Uint16("to", uint16(to)).Msg("failed to send FetchResPages")
		return
	}
	c.metrics.MessageSent(messages.KindFetchResPages.String())
}

func (c *Core) onItemDataForResPages(m messages.ItemData) {
	cur := c.selector.Current()
	if cur == nil || *cur != m.Hdr.SenderReplicaID {
		c.metrics.MessageDropped("irrelevant")
		return
	}
	if m.BlockNumber != SentinelVBlockID {
		c.metrics.MessageDropped("irrelevant")
		return
	}
	if !c.acceptSequence(m.Hdr.SenderReplicaID, m.Hdr.MsgSeqNum) {
		c.metrics.MessageDropped("irrelevant")
		return
	}

	if err := c.reasm.AddChunk(toChunk(m)); err != nil {
		c.onBadDataResPages(*cur, err)
		return
	}
	c.selector.OnGoodReply(*cur)
	c.recordChunkSample(len(m.Data))

	data, _, ok := c.reasm.GetNextFullBlock(SentinelVBlockID)
	if !ok {
		return
	}

	vb, err := modelstatetransfer.DecodeVBlock(data)
	if err != nil {
		c.onProvablyBadDataResPages(*cur, err)
		return
	}

	if err := c.verifyAndApplyVBlock(vb); err != nil {
		c.onProvablyBadDataResPages(*cur, err)
		return
	}

	c.completeSession(vb.RequiredCheckpointNum)
}

// onBadDataResPages handles a reassembler-level rejection (a malformed
// chunk or back-pressure): the source is rotated away via the transient
// circuit-breaker path, since neither condition proves malicious intent.
func (c *Core) onBadDataResPages(source flow.ReplicaID, err error) {
	c.metrics.MessageDropped("bad_data")
	c.reasm.ClearUpTo(SentinelVBlockID)
	c.log.Warn().Uint16("source", uint16(source)).Err(err).Msg("bad reserved-pages data from source, demoting")
	c.selector.OnReject(source)
	c.metrics.SourceDemoted()
	c.sendFetchResPagesToNewSource()
}

// onProvablyBadDataResPages handles a vblock that failed to decode or
// whose page contents don't match the digests the checkpoint summary
// certificate committed to: this is conclusive evidence the source
// served bad data, so it is permanently excluded from selection for the
// rest of the session rather than merely tripping its circuit breaker.
func (c *Core) onProvablyBadDataResPages(source flow.ReplicaID, err error) {
	c.metrics.MessageDropped("bad_data")
	c.reasm.ClearUpTo(SentinelVBlockID)
	c.log.Warn().Uint16("source", uint16(source)).Err(err).Msg("provably bad reserved-pages data from source, banning for session")
	c.selector.OnBadData(source)
	c.metrics.SourceDemoted()
	c.sendFetchResPagesToNewSource()
}

// verifyAndApplyVBlock checks the vblock's pages against the target
// descriptor's digest and, if it matches, durably applies them and
// advances the checkpoint high-water mark. This is the linearization
// point of a fetching session: once this commits, the session is over.
func (c *Core) verifyAndApplyVBlock(vb modelstatetransfer.VBlock) error {
	if vb.RequiredCheckpointNum != c.checkpointBeingFetched.CheckpointNum {
		return fmt.Errorf("vblock is for checkpoint %d, expected %d", vb.RequiredCheckpointNum, c.checkpointBeingFetched.CheckpointNum)
	}

	overrides := make(map[uint32]flow.Digest, len(vb.Pages))
	for _, p := range vb.Pages {
		if !messages.DigestOfPage(p.PageID, p.CheckpointNum, p.Bytes).Equal(p.Digest) {
			return fmt.Errorf("page %d digest mismatch within vblock", p.PageID)
		}
		overrides[p.PageID] = p.Digest
	}

	pageDigests := make([]flow.Digest, c.config.MaxNumberOfReservedPages)
	for pageID := uint32(0); pageID < c.config.MaxNumberOfReservedPages; pageID++ {
		if d, ok := overrides[pageID]; ok {
			pageDigests[pageID] = d
			continue
		}
		pv, err := c.store.GetPageVersion(pageID)
		if err != nil {
			return fmt.Errorf("could not read existing page %d version: %w", pageID, err)
		}
		pageDigests[pageID] = pv.Digest
	}

	computed := messages.DigestOfPagesDescriptor(vb.RequiredCheckpointNum, pageDigests)
	if !computed.Equal(c.checkpointBeingFetched.DigestOfResPagesDescriptor) {
		return fmt.Errorf("reserved pages descriptor digest mismatch")
	}

	return c.store.WithTransaction(func(txn storage.Transaction) error {
		for _, p := range vb.Pages {
			if err := txn.SetPendingResPage(p.PageID, p.CheckpointNum, p.Bytes); err != nil {
				return err
			}
		}
		if err := txn.AssociatePendingResPagesWithCheckpoint(vb.RequiredCheckpointNum); err != nil {
			return err
		}
		if err := txn.SetCheckpointDesc(*c.checkpointBeingFetched); err != nil {
			return err
		}
		if err := txn.SetLastStoredCheckpoint(vb.RequiredCheckpointNum); err != nil {
			return err
		}
		if vb.RequiredCheckpointNum > uint64(c.config.MaxStoredCheckpoints) {
			if err := txn.DeleteCheckpointsUpTo(vb.RequiredCheckpointNum - uint64(c.config.MaxStoredCheckpoints)); err != nil {
				return err
			}
		}
		if err := txn.SetFetchingState(modelstatetransfer.NotFetching); err != nil {
			return err
		}
		return txn.ClearCheckpointBeingFetched()
	})
}

func (c *Core) completeSession(checkpointNum uint64) {
	c.lastStoredCheckpoint = checkpointNum
	c.fetchingState = modelstatetransfer.NotFetching
	c.checkpointBeingFetched = nil
	c.metrics.FetchingState(c.fetchingState.String())
	c.metrics.CheckpointStored(checkpointNum)
	for _, cb := range c.callbacks {
		cb(checkpointNum)
	}
}

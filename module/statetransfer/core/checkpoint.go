package core

import (
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/storage"
)

// NumberOfReservedPages returns the configured reserved-page count.
func (c *Core) NumberOfReservedPages() uint32 {
	return c.config.MaxNumberOfReservedPages
}

// SizeOfReservedPage returns the configured reserved-page size.
func (c *Core) SizeOfReservedPage() uint32 {
	return c.config.SizeOfReservedPage
}

// LoadReservedPage returns pageID's last-written contents, preferring an
// uncommitted in-memory write over the durable store.
func (c *Core) LoadReservedPage(pageID uint32) ([]byte, bool) {
	if bytes, ok := c.livePages[pageID]; ok {
		return bytes, true
	}
	bytes, ok, err := c.store.LoadReservedPage(pageID)
	if err != nil {
		return nil, false
	}
	return bytes, ok
}

// SaveReservedPage buffers a page write in memory; it becomes durable
// only at the next CreateCheckpointOfCurrentState, since reserved pages
// are versioned per checkpoint rather than per write.
func (c *Core) SaveReservedPage(pageID uint32, bytes []byte) {
	buf := make([]byte, len(bytes))
	copy(buf, bytes)
	c.livePages[pageID] = buf
}

// ZeroReservedPage clears pageID to the zero page for the next checkpoint.
func (c *Core) ZeroReservedPage(pageID uint32) {
	c.livePages[pageID] = make([]byte, c.config.SizeOfReservedPage)
}

// CreateCheckpointOfCurrentState durably commits every buffered reserved
// page write as of checkpointNum, derives the resulting descriptor
// digest, and records the checkpoint. lastBlock and digestOfLastBlock
// come from the consensus layer, which owns block production; state
// transfer only digests what it's given.
func (c *Core) CreateCheckpointOfCurrentState(checkpointNum uint64, lastBlock uint64, digestOfLastBlock flow.Digest) error {
	err := c.store.WithTransaction(func(txn storage.Transaction) error {
		for pageID, bytes := range c.livePages {
			if err := txn.SetPendingResPage(pageID, checkpointNum, bytes); err != nil {
				return err
			}
		}
		return txn.AssociatePendingResPagesWithCheckpoint(checkpointNum)
	})
	if err != nil {
		return fmt.Errorf("could not commit reserved pages for checkpoint %d: %w", checkpointNum, err)
	}
	c.livePages = make(map[uint32][]byte)

	digest, err := c.pagesDescriptorDigest(checkpointNum)
	if err != nil {
		return fmt.Errorf("could not compute pages descriptor digest: %w", err)
	}

	desc := modelstatetransfer.CheckpointDescriptor{
		CheckpointNum:              checkpointNum,
		LastBlock:                  lastBlock,
		DigestOfLastBlock:          digestOfLastBlock,
		DigestOfResPagesDescriptor: digest,
	}
	err = c.store.WithTransaction(func(txn storage.Transaction) error {
		if err := txn.SetCheckpointDesc(desc); err != nil {
			return err
		}
		return txn.SetLastStoredCheckpoint(checkpointNum)
	})
	if err != nil {
		return fmt.Errorf("could not durably record checkpoint %d: %w", checkpointNum, err)
	}
	c.lastStoredCheckpoint = checkpointNum
	c.metrics.CheckpointStored(checkpointNum)
	return nil
}

// MarkCheckpointAsStable prunes every stored checkpoint older than
// checkpointNum - maxStoredCheckpoints, keeping the retained window
// bounded.
func (c *Core) MarkCheckpointAsStable(checkpointNum uint64) error {
	if checkpointNum <= uint64(c.config.MaxStoredCheckpoints) {
		return nil
	}
	cutoff := checkpointNum - uint64(c.config.MaxStoredCheckpoints)
	return c.store.WithTransaction(func(txn storage.Transaction) error {
		return txn.DeleteCheckpointsUpTo(cutoff)
	})
}

// GetDigestOfCheckpoint returns the digest of the reserved-pages
// descriptor recorded for checkpointNum.
func (c *Core) GetDigestOfCheckpoint(checkpointNum uint64) (flow.Digest, error) {
	desc, err := c.store.GetCheckpointDesc(checkpointNum)
	if err != nil {
		return flow.Digest{}, err
	}
	return desc.DigestOfResPagesDescriptor, nil
}

func (c *Core) pagesDescriptorDigest(checkpointNum uint64) (flow.Digest, error) {
	pageDigests := make([]flow.Digest, c.config.MaxNumberOfReservedPages)
	for pageID := uint32(0); pageID < c.config.MaxNumberOfReservedPages; pageID++ {
		pv, err := c.store.GetPageVersion(pageID)
		if err != nil {
			return flow.Digest{}, err
		}
		pageDigests[pageID] = pv.Digest
	}
	return messages.DigestOfPagesDescriptor(checkpointNum, pageDigests), nil
}

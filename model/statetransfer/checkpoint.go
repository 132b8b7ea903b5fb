// Package statetransfer holds the domain types shared by the
// state-transfer durable store, protocol engine, and wire codec: blocks,
// reserved pages, checkpoint descriptors, and fetching-session state.
package statetransfer

import (
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
)

// CheckpointDescriptor identifies a replicated snapshot. It is the value
// that f+1 replicas must attest identically before a replica trusts it as
// a fetch target.
type CheckpointDescriptor struct {
	CheckpointNum              uint64
	LastBlock                  uint64
	DigestOfLastBlock          flow.Digest
	DigestOfResPagesDescriptor flow.Digest
}

// Equal reports whether two descriptors describe the same checkpoint
// content (not merely the same CheckpointNum).
func (d CheckpointDescriptor) Equal(other CheckpointDescriptor) bool {
	return d.CheckpointNum == other.CheckpointNum &&
		d.LastBlock == other.LastBlock &&
		d.DigestOfLastBlock.Equal(other.DigestOfLastBlock) &&
		d.DigestOfResPagesDescriptor.Equal(other.DigestOfResPagesDescriptor)
}

func (d CheckpointDescriptor) String() string {
	return fmt.Sprintf("checkpoint(num=%d, lastBlock=%d, digestOfLastBlock=%s, digestOfResPages=%s)",
		d.CheckpointNum, d.LastBlock, d.DigestOfLastBlock, d.DigestOfResPagesDescriptor)
}

// SentinelVBlockID is the reserved block number used to request/stream a
// virtual block (the reserved-pages delta) instead of an application
// block. It must never collide with a real block number.
const SentinelVBlockID uint64 = ^uint64(0)

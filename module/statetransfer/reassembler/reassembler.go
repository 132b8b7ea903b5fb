// Package reassembler implements the pending-chunk reassembler: the
// received ItemData chunks keyed by block number, from which the caller
// completes blocks highest-first, letting the hash chain be verified downward
// from the certified tip.
package reassembler

import (
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
)

// Chunk is the reassembler's internal record of a single received
// ItemData payload.
type Chunk struct {
	BlockNumber               uint64
	ChunkNumber               uint16
	TotalNumberOfChunksInBlock uint16
	Data                       []byte
	LastInBatch                bool
	DigestOfNextRequiredBlock  *flow.Digest
}

type blockChunks struct {
	totalChunks uint16
	chunks      map[uint16][]byte
	lastInBatch bool
	digestOfNextRequiredBlock *flow.Digest
}

// Reassembler accumulates chunks for multiple in-flight blocks and
// reports when a block is fully assembled. It is not safe for concurrent
// use; callers run it from the single-threaded protocol engine.
type Reassembler struct {
	maxPendingBytes int64
	pendingBytes    int64
	blocks          map[uint64]*blockChunks
}

// New returns an empty reassembler that rejects chunks which would push
// total pending bytes over maxPendingBytes.
func New(maxPendingBytes int64) *Reassembler {
	return &Reassembler{
		maxPendingBytes: maxPendingBytes,
		blocks:          make(map[uint64]*blockChunks),
	}
}

// ErrTooFast is returned by AddChunk when admitting the chunk would push
// total pending bytes past the configured limit; the caller should
// demote the sending source ("source is too fast").
var ErrTooFast = fmt.Errorf("reassembler: pending bytes would exceed limit")

// ErrBadData is returned by AddChunk when the new chunk is inconsistent
// with previously received chunks for the same block: a chunk number
// beyond the block's declared total, or a totalNumberOfChunksInBlock that
// disagrees with an earlier chunk of the same block.
type ErrBadData struct {
	BlockNumber uint64
	Reason      string
}

func (e *ErrBadData) Error() string {
	return fmt.Sprintf("reassembler: bad data for block %d: %s", e.BlockNumber, e.Reason)
}

// AddChunk records a received chunk. Re-delivery of a chunk number
// already held for the block is a no-op (not an error: retransmission is
// expected).
func (r *Reassembler) AddChunk(c Chunk) error {
	if c.ChunkNumber == 0 || c.ChunkNumber > c.TotalNumberOfChunksInBlock {
		return &ErrBadData{BlockNumber: c.BlockNumber, Reason: "chunk number out of range"}
	}

	bc, ok := r.blocks[c.BlockNumber]
	if !ok {
		bc = &blockChunks{
			totalChunks: c.TotalNumberOfChunksInBlock,
			chunks:      make(map[uint16][]byte),
		}
		r.blocks[c.BlockNumber] = bc
	} else if bc.totalChunks != c.TotalNumberOfChunksInBlock {
		return &ErrBadData{BlockNumber: c.BlockNumber, Reason: "conflicting totalNumberOfChunksInBlock"}
	}

	if _, dup := bc.chunks[c.ChunkNumber]; dup {
		return nil
	}

	if r.pendingBytes+int64(len(c.Data)) > r.maxPendingBytes {
		return ErrTooFast
	}

	bc.chunks[c.ChunkNumber] = c.Data
	r.pendingBytes += int64(len(c.Data))
	if c.LastInBatch {
		bc.lastInBatch = true
	}
	if c.DigestOfNextRequiredBlock != nil {
		bc.digestOfNextRequiredBlock = c.DigestOfNextRequiredBlock
	}
	return nil
}

// GetNextFullBlock returns the concatenated bytes of requiredBlock if
// every chunk 1..totalChunks has been received for it, along with the
// digest of the next block to require, if the completing chunk carried
// one. ok is false if the block is still incomplete.
func (r *Reassembler) GetNextFullBlock(requiredBlock uint64) (data []byte, digestOfNext *flow.Digest, ok bool) {
	bc, present := r.blocks[requiredBlock]
	if !present {
		return nil, nil, false
	}
	if uint16(len(bc.chunks)) != bc.totalChunks {
		return nil, nil, false
	}

	var out []byte
	for i := uint16(1); i <= bc.totalChunks; i++ {
		chunk, ok := bc.chunks[i]
		if !ok {
			return nil, nil, false
		}
		out = append(out, chunk...)
	}
	return out, bc.digestOfNextRequiredBlock, true
}

// ClearUpTo discards all pending chunks for blocks numbered <= n,
// reclaiming their pending-byte accounting. Used after a digest mismatch
// forces a retry from a lower block number.
func (r *Reassembler) ClearUpTo(n uint64) {
	for blockNumber, bc := range r.blocks {
		if blockNumber > n {
			continue
		}
		for _, data := range bc.chunks {
			r.pendingBytes -= int64(len(data))
		}
		delete(r.blocks, blockNumber)
	}
}

// TotalPendingBytes returns the sum of data lengths across all chunks
// currently held, regardless of block.
func (r *Reassembler) TotalPendingBytes() int64 {
	return r.pendingBytes
}

// HighestChunkNumber returns the highest chunk number held for
// blockNumber, or 0 if none is held. Used to tell a (re)selected source
// how much of the current top-of-range block it can skip resending.
func (r *Reassembler) HighestChunkNumber(blockNumber uint64) uint16 {
	bc, ok := r.blocks[blockNumber]
	if !ok {
		return 0
	}
	var highest uint16
	for chunkNumber := range bc.chunks {
		if chunkNumber > highest {
			highest = chunkNumber
		}
	}
	return highest
}

// HasAnyChunk reports whether any chunk is held for blockNumber.
func (r *Reassembler) HasAnyChunk(blockNumber uint64) bool {
	bc, ok := r.blocks[blockNumber]
	return ok && len(bc.chunks) > 0
}

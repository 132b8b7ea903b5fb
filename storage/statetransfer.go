package storage

import (
	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/statetransfer"
)

// Store is the transactional durable store the protocol engine uses for
// all persistence. Implementations must make every method
// below durable before it returns, and must serialize concurrent callers
// internally; the engine itself calls in from a single goroutine but
// public synchronous operations (loadReservedPage et al.) may be called
// concurrently with it.
type Store interface {
	// WithTransaction runs fn inside a single ACID group of writes; if fn
	// returns an error the whole group is rolled back and that error is
	// returned. Nested calls are not supported.
	WithTransaction(fn func(txn Transaction) error) error

	// GetFetchingState returns the durably recorded fetching state.
	GetFetchingState() (statetransfer.FetchingState, error)

	// GetCheckpointBeingFetched returns the target checkpoint descriptor
	// of the in-flight session. Returns ErrNotFound if not fetching.
	GetCheckpointBeingFetched() (statetransfer.CheckpointDescriptor, error)

	// GetCheckpointDesc returns the stored descriptor for checkpoint n.
	GetCheckpointDesc(n uint64) (statetransfer.CheckpointDescriptor, error)

	// GetStoredCheckpointRange returns [firstStored, lastStored]. ok is
	// false if no checkpoint has ever been stored.
	GetStoredCheckpointRange() (first, last uint64, ok bool, err error)

	// GetFirstRequiredBlock / GetLastRequiredBlock / GetNextRequiredBlock
	// return the current session's block-fetch bounds.
	GetFirstRequiredBlock() (uint64, error)
	GetLastRequiredBlock() (uint64, error)
	GetNextRequiredBlock() (uint64, error)

	// GetDigestOfNextRequiredBlock returns the predecessor digest the
	// next fetched block must match.
	GetDigestOfNextRequiredBlock() (flow.Digest, error)

	// LoadReservedPage returns the bytes of reserved page pageID as of
	// the latest checkpoint that wrote it. ok is false if the page has
	// never been written.
	LoadReservedPage(pageID uint32) (bytes []byte, ok bool, err error)

	// GetPageVersion returns the PageVersion metadata for pageID.
	GetPageVersion(pageID uint32) (statetransfer.PageVersion, error)

	// GetEraseDataStoreFlag reports whether the erase-metadata flag has
	// been recorded.
	GetEraseDataStoreFlag() (bool, error)
}

// Transaction is the write surface available inside WithTransaction. Any
// method may be called multiple times within one transaction; none take
// effect until the enclosing WithTransaction returns nil.
type Transaction interface {
	SetFetchingState(s statetransfer.FetchingState) error

	// SetCheckpointDesc stores desc for checkpoint desc.CheckpointNum.
	// Returns ErrDataMismatch if a different descriptor is already
	// stored for that number.
	SetCheckpointDesc(desc statetransfer.CheckpointDescriptor) error

	SetCheckpointBeingFetched(desc statetransfer.CheckpointDescriptor) error
	ClearCheckpointBeingFetched() error

	SetFirstRequiredBlock(n uint64) error
	SetLastRequiredBlock(n uint64) error
	SetNextRequiredBlock(n uint64) error
	SetDigestOfNextRequiredBlock(d flow.Digest) error

	// SetPendingResPage stages a page write. It is not visible via
	// LoadReservedPage until AssociatePendingResPagesWithCheckpoint
	// commits it.
	SetPendingResPage(pageID uint32, checkpointNum uint64, bytes []byte) error

	// AssociatePendingResPagesWithCheckpoint atomically flips every
	// staged page write into the live reserved-pages area, recording c
	// as the checkpoint of last write for each.
	AssociatePendingResPagesWithCheckpoint(c uint64) error

	// SetLastStoredCheckpoint advances the high-water mark.
	SetLastStoredCheckpoint(c uint64) error

	// DeleteCheckpointsUpTo prunes stored checkpoints older than c,
	// keeping the retained checkpoint window bounded.
	DeleteCheckpointsUpTo(c uint64) error

	SetEraseDataStoreFlag() error
}

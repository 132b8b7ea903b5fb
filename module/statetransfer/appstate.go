package statetransfer

import "github.com/myh1000/concord-bft/model/flow"

// AppState is the external collaborator that owns the application's block
// store. The protocol engine reads and writes blocks exclusively through
// this interface; it never assumes anything about how blocks are stored.
//
// Implementations must make putBlock durable before returning, and must
// never return a block for a number they have not stored.
type AppState interface {
	// GetLastReachableBlockNum returns the highest block number for which
	// the full prefix [genesis, n] is present and chain-verified.
	GetLastReachableBlockNum() uint64
	// GetLastBlockNum returns the highest block number stored at all,
	// including blocks still being fetched (i.e. possibly > last reachable).
	GetLastBlockNum() uint64
	// HasBlock reports whether block n is present, reachable or not.
	HasBlock(n uint64) bool
	// GetBlock loads block n's bytes. It returns false if the block is not
	// present.
	GetBlock(n uint64) ([]byte, bool)
	// GetPrevDigestFromBlock extracts the embedded digest of block n's
	// immediate predecessor from its body.
	GetPrevDigestFromBlock(n uint64) (flow.Digest, error)
	// PutBlock durably stores block n's bytes. Implementations must reject
	// (return an error for) a block number that already has different
	// contents stored.
	PutBlock(n uint64, bytes []byte) error
}

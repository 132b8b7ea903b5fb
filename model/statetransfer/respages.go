package statetransfer

import "github.com/myh1000/concord-bft/model/flow"

// PageVersion records, for a single reserved page, the checkpoint at
// which it was last written and the digest of its contents as of that
// write. A page that has never been written has Written == false; its
// logical contents are the zero page.
type PageVersion struct {
	PageID                uint32
	CheckpointOfLastWrite uint64
	Digest                flow.Digest
	Written               bool
}

// PagesDescriptor is the ordered vector of (pageId, checkpoint-of-last-write,
// digest) for every reserved page, as of some checkpoint. It is itself
// digested (digestOfPagesDescriptor) to produce the value carried in a
// CheckpointDescriptor.
type PagesDescriptor struct {
	Versions []PageVersion
}

// ReservedPage is a single fixed-size slot of replica-local metadata, as
// materialized in memory (e.g. while applying a fetched virtual block).
type ReservedPage struct {
	PageID        uint32
	CheckpointNum uint64
	Bytes         []byte
}

// VBlockPage is the per-page payload carried inside a serialized virtual
// block: the page content together with the checkpoint at which it was
// written, so the receiver can reconstruct PageVersion entries locally.
type VBlockPage struct {
	PageID        uint32
	CheckpointNum uint64
	Digest        flow.Digest
	Bytes         []byte
}

// VBlock is the in-memory form of a virtual block: the set of reserved
// pages that changed in (lastCheckpointKnownToRequester, checkpointNum].
// It carries no descriptor digest; the requester verifies it against the
// digest from the certified checkpoint summary.
type VBlock struct {
	RequiredCheckpointNum              uint64
	LastCheckpointKnownToRequester     uint64
	Pages                              []VBlockPage
}

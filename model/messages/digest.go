package messages

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/myh1000/concord-bft/model/flow"
)

// DigestOfBlock computes the content digest embedded in, and checked
// against, the next block's "previous digest" field.
func DigestOfBlock(blockNumber uint64, bytes []byte) flow.Digest {
	h := sha256.New()
	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], blockNumber)
	h.Write(num[:])
	h.Write(bytes)
	var d flow.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// DigestOfPage computes the content digest of a single reserved page at
// the checkpoint it was last written, stored in PageVersion.Digest.
func DigestOfPage(pageID uint32, checkpointOfLastWrite uint64, bytes []byte) flow.Digest {
	h := sha256.New()
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pageID)
	binary.LittleEndian.PutUint64(hdr[4:12], checkpointOfLastWrite)
	h.Write(hdr[:])
	h.Write(bytes)
	var d flow.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// DigestOfPagesDescriptor computes the digest of the full reserved-pages
// descriptor for a checkpoint, i.e. the vector of all pages' PageVersion
// digests in page-ID order. Callers pass the per-page digests already
// computed by DigestOfPage, in ascending PageID order.
func DigestOfPagesDescriptor(checkpointNum uint64, pageDigests []flow.Digest) flow.Digest {
	h := sha256.New()
	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], checkpointNum)
	h.Write(num[:])
	for _, pd := range pageDigests {
		h.Write(pd[:])
	}
	var d flow.Digest
	copy(d[:], h.Sum(nil))
	return d
}

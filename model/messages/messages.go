package messages

import (
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
)

// Message is the tagged-variant interface implemented by all six wire
// message kinds: a tagged variant plus a single dispatch function,
// rather than a class hierarchy.
type Message interface {
	Header() Header
	Kind() Kind
	// MarshalBinary encodes the message, including its common header, in
	// the canonical little-endian wire layout.
	MarshalBinary() ([]byte, error)
}

// AskForCheckpointSummaries requests a CheckpointSummary for every stored
// checkpoint numbered >= MinRelevantCheckpoint.
type AskForCheckpointSummaries struct {
	Hdr                   Header
	MinRelevantCheckpoint uint64
}

func (m AskForCheckpointSummaries) Header() Header { return m.Hdr }
func (m AskForCheckpointSummaries) Kind() Kind      { return KindAskForCheckpointSummaries }

func (m AskForCheckpointSummaries) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, headerSize+8)
	buf = m.Hdr.marshal(buf)
	buf = appendUint64(buf, m.MinRelevantCheckpoint)
	return buf, nil
}

// CheckpointSummary attests to the content of a single stored checkpoint.
// A matching set of f+1 of these from distinct replicas forms a
// certificate (module/statetransfer/cert).
type CheckpointSummary struct {
	Hdr                        Header
	CheckpointNumber           uint64
	MaxBlockID                 uint64
	DigestOfMaxBlockID         flow.Digest
	DigestOfResPagesDescriptor flow.Digest
	RequestMsgSeqNum           uint64
}

func (m CheckpointSummary) Header() Header { return m.Hdr }
func (m CheckpointSummary) Kind() Kind      { return KindCheckpointSummary }

func (m CheckpointSummary) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, headerSize+8+8+flow.DigestSize*2+8)
	buf = m.Hdr.marshal(buf)
	buf = appendUint64(buf, m.CheckpointNumber)
	buf = appendUint64(buf, m.MaxBlockID)
	buf = append(buf, m.DigestOfMaxBlockID[:]...)
	buf = append(buf, m.DigestOfResPagesDescriptor[:]...)
	buf = appendUint64(buf, m.RequestMsgSeqNum)
	return buf, nil
}

// VotesEqual reports whether two CheckpointSummary votes attest to the
// same checkpoint content, ignoring sender/sequencing fields. This is the
// equality used by the certificate to count "identical" votes.
func (m CheckpointSummary) VotesEqual(other CheckpointSummary) bool {
	return m.CheckpointNumber == other.CheckpointNumber &&
		m.MaxBlockID == other.MaxBlockID &&
		m.DigestOfMaxBlockID.Equal(other.DigestOfMaxBlockID) &&
		m.DigestOfResPagesDescriptor.Equal(other.DigestOfResPagesDescriptor)
}

// FetchBlocks requests application blocks [MinBlockNumber, MaxBlockNumber]
// from the current source, streamed high-to-low.
type FetchBlocks struct {
	Hdr                               Header
	MinBlockNumber                    uint64
	MaxBlockNumber                    uint64
	LastKnownChunkInLastRequiredBlock uint16
}

func (m FetchBlocks) Header() Header { return m.Hdr }
func (m FetchBlocks) Kind() Kind      { return KindFetchBlocks }

func (m FetchBlocks) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, headerSize+8+8+2)
	buf = m.Hdr.marshal(buf)
	buf = appendUint64(buf, m.MinBlockNumber)
	buf = appendUint64(buf, m.MaxBlockNumber)
	buf = appendUint16(buf, m.LastKnownChunkInLastRequiredBlock)
	return buf, nil
}

// FetchResPages requests the virtual block carrying the reserved-pages
// delta needed to advance from LastCheckpointKnownToRequester to
// RequiredCheckpointNum.
type FetchResPages struct {
	Hdr                               Header
	LastCheckpointKnownToRequester    uint64
	RequiredCheckpointNum             uint64
	LastKnownChunkInLastRequiredBlock uint16
}

func (m FetchResPages) Header() Header { return m.Hdr }
func (m FetchResPages) Kind() Kind      { return KindFetchResPages }

func (m FetchResPages) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, headerSize+8+8+2)
	buf = m.Hdr.marshal(buf)
	buf = appendUint64(buf, m.LastCheckpointKnownToRequester)
	buf = appendUint64(buf, m.RequiredCheckpointNum)
	buf = appendUint16(buf, m.LastKnownChunkInLastRequiredBlock)
	return buf, nil
}

// RejectFetching is returned by a source that cannot serve a fetch
// request (e.g. it doesn't yet have the requested data).
type RejectFetching struct {
	Hdr              Header
	RequestMsgSeqNum uint64
}

func (m RejectFetching) Header() Header { return m.Hdr }
func (m RejectFetching) Kind() Kind      { return KindRejectFetching }

func (m RejectFetching) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, headerSize+8)
	buf = m.Hdr.marshal(buf)
	buf = appendUint64(buf, m.RequestMsgSeqNum)
	return buf, nil
}

// ItemData carries one chunk of a block (or virtual block, under the
// sentinel block number) being streamed from a source to a requester.
type ItemData struct {
	Hdr                        Header
	RequestMsgSeqNum           uint64
	BlockNumber                uint64
	TotalNumberOfChunksInBlock uint16
	ChunkNumber                uint16
	LastInBatch                bool
	DigestOfNextRequiredBlock  *flow.Digest // set on the last chunk of each block: the digest of that block's predecessor
	Data                       []byte
}

func (m ItemData) Header() Header { return m.Hdr }
func (m ItemData) Kind() Kind      { return KindItemData }

func (m ItemData) MarshalBinary() ([]byte, error) {
	hasDigest := m.DigestOfNextRequiredBlock != nil
	size := headerSize + 8 + 8 + 2 + 2 + 4 + 1 + 1 + len(m.Data)
	if hasDigest {
		size += flow.DigestSize
	}
	buf := make([]byte, 0, size)
	buf = m.Hdr.marshal(buf)
	buf = appendUint64(buf, m.RequestMsgSeqNum)
	buf = appendUint64(buf, m.BlockNumber)
	buf = appendUint16(buf, m.TotalNumberOfChunksInBlock)
	buf = appendUint16(buf, m.ChunkNumber)
	buf = appendUint32(buf, uint32(len(m.Data)))
	var lastInBatch byte
	if m.LastInBatch {
		lastInBatch = 1
	}
	buf = append(buf, lastInBatch)
	var hasDigestByte byte
	if hasDigest {
		hasDigestByte = 1
	}
	buf = append(buf, hasDigestByte)
	if hasDigest {
		buf = append(buf, m.DigestOfNextRequiredBlock[:]...)
	}
	buf = append(buf, m.Data...)
	return buf, nil
}

// Unmarshal decodes a single wire message, dispatching on its Kind. It
// returns an error for malformed buffers and for a ProtocolVersion that
// does not match this build; callers drop the message on either.
func Unmarshal(b []byte) (Message, error) {
	hdr, rest, err := unmarshalHeader(b)
	if err != nil {
		return nil, fmt.Errorf("malformed header: %w", err)
	}
	if hdr.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", hdr.ProtocolVersion)
	}

	switch hdr.Kind {
	case KindAskForCheckpointSummaries:
		min, _, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed AskForCheckpointSummaries: %w", err)
		}
		return AskForCheckpointSummaries{Hdr: hdr, MinRelevantCheckpoint: min}, nil

	case KindCheckpointSummary:
		num, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed CheckpointSummary: %w", err)
		}
		maxBlockID, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed CheckpointSummary: %w", err)
		}
		digMax, rest, err := takeDigest(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed CheckpointSummary: %w", err)
		}
		digRes, rest, err := takeDigest(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed CheckpointSummary: %w", err)
		}
		reqSeq, _, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed CheckpointSummary: %w", err)
		}
		return CheckpointSummary{
			Hdr:                        hdr,
			CheckpointNumber:           num,
			MaxBlockID:                 maxBlockID,
			DigestOfMaxBlockID:         digMax,
			DigestOfResPagesDescriptor: digRes,
			RequestMsgSeqNum:           reqSeq,
		}, nil

	case KindFetchBlocks:
		min, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed FetchBlocks: %w", err)
		}
		max, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed FetchBlocks: %w", err)
		}
		chunk, _, err := takeUint16(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed FetchBlocks: %w", err)
		}
		return FetchBlocks{Hdr: hdr, MinBlockNumber: min, MaxBlockNumber: max, LastKnownChunkInLastRequiredBlock: chunk}, nil

	case KindFetchResPages:
		last, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed FetchResPages: %w", err)
		}
		required, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed FetchResPages: %w", err)
		}
		chunk, _, err := takeUint16(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed FetchResPages: %w", err)
		}
		return FetchResPages{Hdr: hdr, LastCheckpointKnownToRequester: last, RequiredCheckpointNum: required, LastKnownChunkInLastRequiredBlock: chunk}, nil

	case KindRejectFetching:
		reqSeq, _, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed RejectFetching: %w", err)
		}
		return RejectFetching{Hdr: hdr, RequestMsgSeqNum: reqSeq}, nil

	case KindItemData:
		reqSeq, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed ItemData: %w", err)
		}
		blockNumber, rest, err := takeUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed ItemData: %w", err)
		}
		total, rest, err := takeUint16(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed ItemData: %w", err)
		}
		chunkNumber, rest, err := takeUint16(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed ItemData: %w", err)
		}
		dataSize, rest, err := takeUint32(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed ItemData: %w", err)
		}
		if len(rest) < 2 {
			return nil, fmt.Errorf("malformed ItemData: missing flags")
		}
		lastInBatch := rest[0] == 1
		hasDigest := rest[1] == 1
		rest = rest[2:]

		var digPtr *flow.Digest
		if hasDigest {
			dig, r, err := takeDigest(rest)
			if err != nil {
				return nil, fmt.Errorf("malformed ItemData: %w", err)
			}
			digPtr = &dig
			rest = r
		}
		if uint32(len(rest)) < dataSize {
			return nil, fmt.Errorf("malformed ItemData: declared data size %d exceeds buffer %d", dataSize, len(rest))
		}
		data := make([]byte, dataSize)
		copy(data, rest[:dataSize])
		return ItemData{
			Hdr:                        hdr,
			RequestMsgSeqNum:           reqSeq,
			BlockNumber:                blockNumber,
			TotalNumberOfChunksInBlock: total,
			ChunkNumber:                chunkNumber,
			LastInBatch:                lastInBatch,
			DigestOfNextRequiredBlock:  digPtr,
			Data:                       data,
		}, nil

	default:
		return nil, fmt.Errorf("unknown message kind %d", hdr.Kind)
	}
}

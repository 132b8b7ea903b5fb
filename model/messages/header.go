// Package messages defines the fixed-layout, little-endian wire messages
// exchanged between replicas during state transfer, and their binary
// codec.
//
// A variable-length, schema-driven codec (CBOR, msgpack) is deliberately
// not used here: digests and round-trip behavior need to be defined over
// an explicit, canonical field-by-field byte layout, not over "whatever
// the codec happens to produce". encoding/binary over a fixed struct
// layout is the direct, unambiguous expression of that.
package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/myh1000/concord-bft/model/flow"
)

// Kind identifies the wire message type, the first byte of every message.
type Kind uint8

const (
	KindAskForCheckpointSummaries Kind = iota + 1
	KindCheckpointSummary
	KindFetchBlocks
	KindFetchResPages
	KindRejectFetching
	KindItemData
)

func (k Kind) String() string {
	switch k {
	case KindAskForCheckpointSummaries:
		return "AskForCheckpointSummaries"
	case KindCheckpointSummary:
		return "CheckpointSummary"
	case KindFetchBlocks:
		return "FetchBlocks"
	case KindFetchResPages:
		return "FetchResPages"
	case KindRejectFetching:
		return "RejectFetching"
	case KindItemData:
		return "ItemData"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// ProtocolVersion is the current wire version. Messages from a different
// version are dropped as malformed (see Unmarshal in messages.go).
const ProtocolVersion uint8 = 1

// Header is the common prefix of every state-transfer wire message.
type Header struct {
	Kind            Kind
	SenderReplicaID flow.ReplicaID
	MsgSeqNum       uint64
	ProtocolVersion uint8
}

// headerSize is the encoded size, in bytes, of Header.
const headerSize = 1 /*kind*/ + 2 /*sender*/ + 8 /*seq*/ + 1 /*version*/

func (h Header) marshal(buf []byte) []byte {
	buf = append(buf, byte(h.Kind))
	buf = appendUint16(buf, uint16(h.SenderReplicaID))
	buf = appendUint64(buf, h.MsgSeqNum)
	buf = append(buf, h.ProtocolVersion)
	return buf
}

func unmarshalHeader(b []byte) (Header, []byte, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("short buffer for header: need %d, have %d", headerSize, len(b))
	}
	h := Header{
		Kind:            Kind(b[0]),
		SenderReplicaID: flow.ReplicaID(binary.LittleEndian.Uint16(b[1:3])),
		MsgSeqNum:       binary.LittleEndian.Uint64(b[3:11]),
		ProtocolVersion: b[11],
	}
	return h, b[headerSize:], nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func takeUint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("short buffer for uint16")
	}
	return binary.LittleEndian.Uint16(b[:2]), b[2:], nil
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("short buffer for uint32")
	}
	return binary.LittleEndian.Uint32(b[:4]), b[4:], nil
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("short buffer for uint64")
	}
	return binary.LittleEndian.Uint64(b[:8]), b[8:], nil
}

func takeDigest(b []byte) (flow.Digest, []byte, error) {
	if len(b) < flow.DigestSize {
		return flow.Digest{}, nil, fmt.Errorf("short buffer for digest")
	}
	d, err := flow.DigestFromBytes(b[:flow.DigestSize])
	return d, b[flow.DigestSize:], err
}

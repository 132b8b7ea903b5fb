package statetransfer

import "encoding/binary"

// Key prefix bytes. Single-key scalars have no suffix; indexed records
// append a big-endian numeric suffix so badger's lexicographic key order
// matches numeric order, letting range iteration work without a custom
// comparator.
const (
	codeFetchingState            byte = 1
	codeCheckpointBeingFetched   byte = 2
	codeCheckpointDesc           byte = 3 // + checkpointNum
	codeFirstStoredCheckpoint    byte = 4
	codeLastStoredCheckpoint     byte = 5
	codeFirstRequiredBlock       byte = 6
	codeLastRequiredBlock        byte = 7
	codeNextRequiredBlock        byte = 8
	codeDigestOfNextRequiredBlock byte = 9
	codePageVersion              byte = 10 // + pageID
	codeReservedPage             byte = 11 // + pageID
	codePendingResPage           byte = 12 // + pageID
	codeEraseDataStoreFlag       byte = 13
)

func makePrefix(code byte, parts ...uint64) []byte {
	key := make([]byte, 1, 1+8*len(parts))
	key[0] = code
	for _, p := range parts {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], p)
		key = append(key, buf[:]...)
	}
	return key
}

package statetransfer

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack"
)

// encodeEntity msgpack-encodes entity and compresses the result with
// snappy, mirroring the entity codec used for badger-backed stores
// elsewhere in this stack.
func encodeEntity(entity interface{}) ([]byte, error) {
	val, err := msgpack.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("could not encode entity: %w", err)
	}
	return snappy.Encode(nil, val), nil
}

// decodeEntity reverses encodeEntity.
func decodeEntity(val []byte, entity interface{}) error {
	uncompressed, err := snappy.Decode(nil, val)
	if err != nil {
		return fmt.Errorf("could not uncompress entity: %w", err)
	}
	if err := msgpack.Unmarshal(uncompressed, entity); err != nil {
		return fmt.Errorf("could not decode entity: %w", err)
	}
	return nil
}

package statetransfer

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// EncodeVBlock serializes a virtual block to the byte form streamed over
// ItemData chunks exactly as an application block would be. msgpack is
// used here rather than the fixed wire layout in model/messages: a
// virtual block's page count varies session to session, and its
// contents never participate in the header's digest chain directly
// (only messages.DigestOfBlock over the resulting bytes does).
func EncodeVBlock(v VBlock) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode vblock: %w", err)
	}
	return b, nil
}

// DecodeVBlock is the inverse of EncodeVBlock.
func DecodeVBlock(b []byte) (VBlock, error) {
	var v VBlock
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return VBlock{}, fmt.Errorf("decode vblock: %w", err)
	}
	return v, nil
}

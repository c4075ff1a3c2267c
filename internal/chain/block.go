package chain

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/types"
)

// Block is a decoded shard block body.
type Block struct {
	Hash       candidate.Hash // Hash is blake3 of the encoded body
	ParentHash candidate.Hash // ParentHash links to the previous shard block
	Number     uint64         // Number is the shard block height
	Payload    []byte         // Payload is opaque to this node
}

// EncodeBlock builds the body of a shard block.
func EncodeBlock(parent candidate.Hash, number uint64, payload []byte) []byte {
	builder := flatbuffers.NewBuilder(64 + len(payload))

	parentVec := builder.CreateByteVector(parent[:])
	payloadVec := builder.CreateByteVector(payload)

	types.ShardBlockStart(builder)
	types.ShardBlockAddParentHash(builder, parentVec)
	types.ShardBlockAddNumber(builder, number)
	types.ShardBlockAddPayload(builder, payloadVec)
	builder.Finish(types.ShardBlockEnd(builder))

	return builder.FinishedBytes()
}

// DecodeBlock parses a shard block body.
func DecodeBlock(body []byte) (b *Block, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("malformed block body")
		}
	}()

	if len(body) < 8 {
		return nil, fmt.Errorf("block body too short: %d", len(body))
	}

	fb := types.GetRootAsShardBlock(body, 0)

	parent := fb.ParentHashBytes()
	if len(parent) != len(candidate.Hash{}) {
		return nil, fmt.Errorf("invalid parent hash size: %d", len(parent))
	}

	b = &Block{
		Hash:    candidate.HashBody(body),
		Number:  fb.Number(),
		Payload: append([]byte(nil), fb.PayloadBytes()...),
	}
	copy(b.ParentHash[:], parent)

	return b, nil
}

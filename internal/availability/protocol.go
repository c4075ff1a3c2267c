package availability

import (
	"errors"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
	"ShardRecovery/internal/types"
)

// Message types of the availability protocol.
// Every message is [1B type][FlatBuffers table].
const (
	msgChunkRequest  = 0x10 // ChunkRequest
	msgChunkResponse = 0x11 // ChunkResponse
	msgBodyRequest   = 0x12 // BodyRequest
	msgBodyResponse  = 0x13 // BodyResponse
)

// maxBodySize bounds a decompressed body.
const maxBodySize = 16 << 20

var (
	// ErrMalformed is returned for messages that cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// loadCodec builds the shared zstd codec on first use.
	loadCodec = sync.OnceValues(newCodec)
)

// codec holds the shared zstd encoder and decoder.
// EncodeAll and DecodeAll are safe for concurrent use.
type codec struct {
	encoder *zstd.Encoder // encoder compresses bodies
	decoder *zstd.Decoder // decoder decompresses bodies
}

// newCodec creates the zstd encoder and decoder.
func newCodec() (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize), zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &codec{encoder: encoder, decoder: decoder}, nil
}

// frame prepends the message type to a finished FlatBuffer.
func frame(msgType byte, builder *flatbuffers.Builder) []byte {
	fb := builder.FinishedBytes()
	out := make([]byte, 1+len(fb))
	out[0] = msgType
	copy(out[1:], fb)

	return out
}

// unframe checks the message type and returns the FlatBuffer.
func unframe(data []byte, msgType byte) ([]byte, error) {
	if len(data) < 1+8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	if data[0] != msgType {
		return nil, fmt.Errorf("%w: type 0x%02x, want 0x%02x", ErrMalformed, data[0], msgType)
	}

	return data[1:], nil
}

// MessageType returns the type byte of an encoded message.
func MessageType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	return data[0], nil
}

// EncodeChunkRequest asks for chunk index of a candidate.
func EncodeChunkRequest(hash candidate.Hash, index uint32) []byte {
	builder := flatbuffers.NewBuilder(64)
	hashVec := builder.CreateByteVector(hash[:])

	types.ChunkRequestStart(builder)
	types.ChunkRequestAddCandidateHash(builder, hashVec)
	types.ChunkRequestAddIndex(builder, index)
	builder.Finish(types.ChunkRequestEnd(builder))

	return frame(msgChunkRequest, builder)
}

// DecodeChunkRequest parses a chunk request.
func DecodeChunkRequest(data []byte) (hash candidate.Hash, index uint32, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: chunk request", ErrMalformed)
		}
	}()

	fb, err := unframe(data, msgChunkRequest)
	if err != nil {
		return hash, 0, err
	}

	req := types.GetRootAsChunkRequest(fb, 0)

	if err := copyHash(&hash, req.CandidateHashBytes()); err != nil {
		return hash, 0, err
	}

	return hash, req.Index(), nil
}

// EncodeChunkResponse returns chunk with its proof, or a not-found answer when chunk is nil.
func EncodeChunkResponse(chunk *erasure.Chunk) []byte {
	builder := flatbuffers.NewBuilder(128)

	if chunk == nil {
		types.ChunkResponseStart(builder)
		types.ChunkResponseAddFound(builder, false)
		builder.Finish(types.ChunkResponseEnd(builder))

		return frame(msgChunkResponse, builder)
	}

	proof := make([]byte, 0, len(chunk.Proof)*32)
	for _, h := range chunk.Proof {
		proof = append(proof, h[:]...)
	}

	dataVec := builder.CreateByteVector(chunk.Data)
	proofVec := builder.CreateByteVector(proof)

	types.ChunkResponseStart(builder)
	types.ChunkResponseAddFound(builder, true)
	types.ChunkResponseAddIndex(builder, chunk.Index)
	types.ChunkResponseAddData(builder, dataVec)
	types.ChunkResponseAddProof(builder, proofVec)
	builder.Finish(types.ChunkResponseEnd(builder))

	return frame(msgChunkResponse, builder)
}

// DecodeChunkResponse parses a chunk response. A nil chunk means not found.
func DecodeChunkResponse(data []byte) (chunk *erasure.Chunk, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: chunk response", ErrMalformed)
		}
	}()

	fb, err := unframe(data, msgChunkResponse)
	if err != nil {
		return nil, err
	}

	resp := types.GetRootAsChunkResponse(fb, 0)
	if !resp.Found() {
		return nil, nil
	}

	proof := resp.ProofBytes()
	if len(proof)%32 != 0 {
		return nil, fmt.Errorf("%w: proof size %d", ErrMalformed, len(proof))
	}

	chunk = &erasure.Chunk{
		Index: resp.Index(),
		Data:  append([]byte(nil), resp.DataBytes()...),
		Proof: make([]candidate.Hash, len(proof)/32),
	}

	for i := range chunk.Proof {
		copy(chunk.Proof[i][:], proof[i*32:])
	}

	return chunk, nil
}

// EncodeBodyRequest asks a backing validator for the full body.
func EncodeBodyRequest(hash candidate.Hash) []byte {
	builder := flatbuffers.NewBuilder(64)
	hashVec := builder.CreateByteVector(hash[:])

	types.BodyRequestStart(builder)
	types.BodyRequestAddCandidateHash(builder, hashVec)
	builder.Finish(types.BodyRequestEnd(builder))

	return frame(msgBodyRequest, builder)
}

// DecodeBodyRequest parses a body request.
func DecodeBodyRequest(data []byte) (hash candidate.Hash, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: body request", ErrMalformed)
		}
	}()

	fb, err := unframe(data, msgBodyRequest)
	if err != nil {
		return hash, err
	}

	err = copyHash(&hash, types.GetRootAsBodyRequest(fb, 0).CandidateHashBytes())

	return hash, err
}

// EncodeBodyResponse compresses body, or answers not found when body is nil.
func EncodeBodyResponse(body []byte) ([]byte, error) {
	builder := flatbuffers.NewBuilder(64 + len(body)/2)

	if body == nil {
		types.BodyResponseStart(builder)
		types.BodyResponseAddFound(builder, false)
		builder.Finish(types.BodyResponseEnd(builder))

		return frame(msgBodyResponse, builder), nil
	}

	c, err := loadCodec()
	if err != nil {
		return nil, err
	}

	bodyVec := builder.CreateByteVector(c.encoder.EncodeAll(body, nil))

	types.BodyResponseStart(builder)
	types.BodyResponseAddFound(builder, true)
	types.BodyResponseAddBody(builder, bodyVec)
	types.BodyResponseAddUncompressedSize(builder, uint32(len(body)))
	builder.Finish(types.BodyResponseEnd(builder))

	return frame(msgBodyResponse, builder), nil
}

// DecodeBodyResponse parses and decompresses a body response. A nil body means not found.
func DecodeBodyResponse(data []byte) (body []byte, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: body response", ErrMalformed)
		}
	}()

	fb, err := unframe(data, msgBodyResponse)
	if err != nil {
		return nil, err
	}

	resp := types.GetRootAsBodyResponse(fb, 0)
	if !resp.Found() {
		return nil, nil
	}

	size := resp.UncompressedSize()
	if size > maxBodySize {
		return nil, fmt.Errorf("%w: body size %d", ErrMalformed, size)
	}

	c, err := loadCodec()
	if err != nil {
		return nil, err
	}

	body, err = c.decoder.DecodeAll(resp.BodyBytes(), make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompress body:\n%w", err)
	}

	if len(body) != int(size) {
		return nil, fmt.Errorf("%w: body size %d, declared %d", ErrMalformed, len(body), size)
	}

	return body, nil
}

// copyHash copies a 32-byte vector into h.
func copyHash(h *candidate.Hash, b []byte) error {
	if len(b) != len(h) {
		return fmt.Errorf("%w: hash size %d", ErrMalformed, len(b))
	}

	copy(h[:], b)

	return nil
}

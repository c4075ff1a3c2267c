package erasure

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"ShardRecovery/internal/candidate"
)

const (
	// MaxChunks is the largest validator set the code supports.
	MaxChunks = 65536

	// shardAlign keeps shard sizes valid for both GF8 and Leopard GF16 encoders.
	shardAlign = 64

	// lengthPrefixSize is the size of the payload length written before the data.
	lengthPrefixSize = 4
)

var (
	// ErrTooFewChunks is returned when n < 2.
	ErrTooFewChunks = errors.New("at least two chunks are required")

	// ErrTooManyChunks is returned when n exceeds MaxChunks.
	ErrTooManyChunks = errors.New("too many chunks")

	// ErrNotEnoughChunks is returned when fewer than k chunks are given to Reconstruct.
	ErrNotEnoughChunks = errors.New("not enough chunks to reconstruct")

	// ErrChunkSize is returned when chunks disagree on size.
	ErrChunkSize = errors.New("inconsistent chunk size")

	// ErrBadPayload is returned when the decoded payload has an invalid length prefix.
	ErrBadPayload = errors.New("bad payload length")

	// ErrInvalidProof is returned when a chunk does not match the erasure root.
	ErrInvalidProof = errors.New("invalid chunk proof")
)

// Chunk is one erasure-coded fragment with its proof of inclusion in the erasure root.
type Chunk struct {
	Index uint32           // Index is the chunk position, equal to the holder's validator index
	Data  []byte           // Data is the shard content
	Proof []candidate.Hash // Proof holds the sibling hashes from leaf to root
}

// RecoveryThreshold returns the minimum number of chunks needed to recover data
// encoded for n validators: floor((n-1)/3) + 1.
func RecoveryThreshold(n int) int {
	if n <= 0 {
		return 0
	}

	return (n-1)/3 + 1
}

// Encode splits data into n chunks of which any k reconstruct it, and returns the
// chunks together with their erasure root.
func Encode(data []byte, n, k int) ([]Chunk, candidate.Hash, error) {
	enc, err := newEncoder(n, k)
	if err != nil {
		return nil, candidate.Hash{}, err
	}

	shards := split(data, n, k)

	if err := enc.Encode(shards); err != nil {
		return nil, candidate.Hash{}, fmt.Errorf("encode shards:\n%w", err)
	}

	tree := BuildTree(shards)
	chunks := make([]Chunk, n)

	for i := range shards {
		chunks[i] = Chunk{
			Index: uint32(i),
			Data:  shards[i],
			Proof: tree.Proof(i),
		}
	}

	return chunks, tree.Root(), nil
}

// ErasureRoot computes only the erasure root of data encoded for n chunks.
func ErasureRoot(data []byte, n, k int) (candidate.Hash, error) {
	_, root, err := Encode(data, n, k)
	return root, err
}

// Reconstruct recovers the original data from at least k chunks keyed by index.
func Reconstruct(chunks map[uint32][]byte, n, k int) ([]byte, error) {
	enc, err := newEncoder(n, k)
	if err != nil {
		return nil, err
	}

	if len(chunks) < k {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughChunks, len(chunks), k)
	}

	shards := make([][]byte, n)
	size := -1

	for idx, data := range chunks {
		if int(idx) >= n {
			return nil, fmt.Errorf("chunk index %d out of range %d", idx, n)
		}

		if size >= 0 && len(data) != size {
			return nil, ErrChunkSize
		}

		size = len(data)

		// Reconstruction writes into the shard slices, keep callers' buffers intact
		shard := make([]byte, len(data))
		copy(shard, data)
		shards[idx] = shard
	}

	if size == 0 {
		return nil, ErrChunkSize
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("reconstruct shards:\n%w", err)
	}

	return join(shards[:k])
}

// newEncoder builds a Reed-Solomon encoder with k data and n-k parity shards.
func newEncoder(n, k int) (reedsolomon.Encoder, error) {
	if n < 2 {
		return nil, ErrTooFewChunks
	}

	if n > MaxChunks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyChunks, n, MaxChunks)
	}

	// At least one parity shard is required.
	if k <= 0 || k >= n {
		return nil, fmt.Errorf("invalid threshold %d for %d chunks", k, n)
	}

	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	return enc, nil
}

// split lays out [4B length][data] over k data shards and allocates n-k parity shards.
func split(data []byte, n, k int) [][]byte {
	payload := lengthPrefixSize + len(data)
	shardSize := (payload + k - 1) / k
	shardSize = ((shardSize + shardAlign - 1) / shardAlign) * shardAlign

	buf := make([]byte, shardSize*n)
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = buf[i*shardSize : (i+1)*shardSize : (i+1)*shardSize]
	}

	return shards
}

// join concatenates data shards and strips the length prefix and padding.
func join(shards [][]byte) ([]byte, error) {
	var buf []byte
	for _, s := range shards {
		buf = append(buf, s...)
	}

	if len(buf) < lengthPrefixSize {
		return nil, ErrBadPayload
	}

	length := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if int(length) > len(buf)-lengthPrefixSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBadPayload, length, len(buf)-lengthPrefixSize)
	}

	out := make([]byte, length)
	copy(out, buf[lengthPrefixSize:])

	return out, nil
}

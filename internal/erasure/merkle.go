package erasure

import (
	"fmt"

	"github.com/zeebo/blake3"

	"ShardRecovery/internal/candidate"
)

// Domain separation between leaves and inner nodes.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Tree is a binary blake3 merkle tree over chunk data, padded to a power of two.
type Tree struct {
	levels [][]candidate.Hash // levels[0] are the leaves, the last level is the root
}

// BuildTree hashes every chunk and builds the tree bottom-up.
func BuildTree(chunks [][]byte) *Tree {
	width := 1
	for width < len(chunks) {
		width <<= 1
	}

	leaves := make([]candidate.Hash, width)
	for i, c := range chunks {
		leaves[i] = hashLeaf(c)
	}

	levels := [][]candidate.Hash{leaves}

	for cur := leaves; len(cur) > 1; {
		next := make([]candidate.Hash, len(cur)/2)

		for i := range next {
			next[i] = hashNode(cur[2*i], cur[2*i+1])
		}

		levels = append(levels, next)
		cur = next
	}

	return &Tree{levels: levels}
}

// Root returns the erasure root.
func (t *Tree) Root() candidate.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Proof returns the sibling path for leaf i.
func (t *Tree) Proof(i int) []candidate.Hash {
	proof := make([]candidate.Hash, 0, len(t.levels)-1)

	for _, level := range t.levels[:len(t.levels)-1] {
		proof = append(proof, level[i^1])
		i >>= 1
	}

	return proof
}

// Depth returns the proof length for a tree over n chunks.
func Depth(n int) int {
	depth := 0
	for width := 1; width < n; width <<= 1 {
		depth++
	}

	return depth
}

// VerifyChunk checks that chunk is the leaf at chunk.Index of a tree over n chunks with
// the given root.
func VerifyChunk(root candidate.Hash, n int, chunk *Chunk) error {
	if int(chunk.Index) >= n {
		return fmt.Errorf("%w: index %d out of range %d", ErrInvalidProof, chunk.Index, n)
	}

	if len(chunk.Proof) != Depth(n) {
		return fmt.Errorf("%w: proof length %d, want %d", ErrInvalidProof, len(chunk.Proof), Depth(n))
	}

	h := hashLeaf(chunk.Data)
	idx := chunk.Index

	for _, sibling := range chunk.Proof {
		if idx&1 == 0 {
			h = hashNode(h, sibling)
		} else {
			h = hashNode(sibling, h)
		}

		idx >>= 1
	}

	if h != root {
		return fmt.Errorf("%w: root mismatch at index %d", ErrInvalidProof, chunk.Index)
	}

	return nil
}

// hashLeaf computes BLAKE3(0x00 || data).
func hashLeaf(data []byte) candidate.Hash {
	h := blake3.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)

	var out candidate.Hash
	h.Sum(out[:0])

	return out
}

// hashNode computes BLAKE3(0x01 || left || right).
func hashNode(left, right candidate.Hash) candidate.Hash {
	h := blake3.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])

	var out candidate.Hash
	h.Sum(out[:0])

	return out
}

package recovery

import (
	"bytes"
	"crypto/rand"
	"sort"

	"github.com/zeebo/blake3"

	"ShardRecovery/internal/candidate"
)

// scoredSource pairs a chunk index with its rendezvous score.
type scoredSource struct {
	index uint32   // index is the chunk index, equal to the validator position
	score [32]byte // score is the computed rendezvous score
}

// newNonce returns fresh randomness for one task's source ordering.
func newNonce() [32]byte {
	var nonce [32]byte
	_, _ = rand.Read(nonce[:])

	return nonce
}

// sourceOrder returns the validator indices ordered by rendezvous score, highest first.
// Score = BLAKE3(nonce || candidate || validator)
func sourceOrder(nonce [32]byte, hash candidate.Hash, validators []candidate.ValidatorID) []uint32 {
	scored := make([]scoredSource, len(validators))

	for i, v := range validators {
		scored[i] = scoredSource{
			index: uint32(i),
			score: sourceScore(nonce, hash, v),
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		return bytes.Compare(scored[i].score[:], scored[j].score[:]) > 0
	})

	out := make([]uint32, len(scored))
	for i, s := range scored {
		out[i] = s.index
	}

	return out
}

// sourceScore calculates the score of one validator for one candidate.
func sourceScore(nonce [32]byte, hash candidate.Hash, validator candidate.ValidatorID) [32]byte {
	h := blake3.New()
	h.Write(nonce[:])
	h.Write(hash[:])
	h.Write(validator[:])

	var result [32]byte
	h.Sum(result[:0])

	return result
}

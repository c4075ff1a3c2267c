package candidate

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte blake3 digest.
type Hash [32]byte

// ValidatorID is a validator's ed25519 public key.
type ValidatorID [32]byte

var (
	// ErrNoValidators is returned for a candidate without a validator set.
	ErrNoValidators = errors.New("candidate has no validators")

	// ErrSetSizeMismatch is returned when the declared set size disagrees with the validator list.
	ErrSetSizeMismatch = errors.New("validator set size mismatch")

	// ErrUnknownBacker is returned when a backing validator is not in the validator set.
	ErrUnknownBacker = errors.New("backing validator not in validator set")
)

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hex:\n%w", err)
	}

	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length: %d", len(b))
	}

	copy(h[:], b)

	return h, nil
}

// String returns the hex encoding of the validator id.
func (v ValidatorID) String() string {
	return hex.EncodeToString(v[:])
}

// Short returns the first 8 hex characters, for logs.
func (v ValidatorID) Short() string {
	return hex.EncodeToString(v[:4])
}

// HashBody computes the content hash that identifies a candidate.
func HashBody(body []byte) Hash {
	return blake3.Sum256(body)
}

// Candidate is a shard block included in a host-chain block.
type Candidate struct {
	Hash             Hash          // Hash is blake3(body), also the commitment checked after recovery
	ParentHash       Hash          // ParentHash is the shard parent block
	ErasureRoot      Hash          // ErasureRoot is the merkle root over the erasure-coded chunks
	Validators       []ValidatorID // Validators is the session validator set; chunk i is held by Validators[i]
	ValidatorSetSize int           // ValidatorSetSize is N as declared by the host chain
	BackingGroup     []ValidatorID // BackingGroup holds the full body
	RelayParent      Hash          // RelayParent is the host block that included the candidate
	RelayNumber      uint64        // RelayNumber is the height of RelayParent

	BackingSignature []byte // BackingSignature is an aggregate BLS signature over Hash (optional)
	BackingMask      []byte // BackingMask marks which BackingGroup members signed
}

// N returns the number of chunks, one per validator.
func (c *Candidate) N() int {
	return len(c.Validators)
}

// Validate checks the structural consistency of the record.
func (c *Candidate) Validate() error {
	if len(c.Validators) == 0 {
		return ErrNoValidators
	}

	if c.ValidatorSetSize != 0 && c.ValidatorSetSize != len(c.Validators) {
		return fmt.Errorf("%w: declared %d, listed %d", ErrSetSizeMismatch, c.ValidatorSetSize, len(c.Validators))
	}

	for _, b := range c.BackingGroup {
		if c.IndexOf(b) < 0 {
			return fmt.Errorf("%w: %x", ErrUnknownBacker, b[:4])
		}
	}

	return nil
}

// IndexOf returns the chunk index held by v, or -1.
func (c *Candidate) IndexOf(v ValidatorID) int {
	for i, id := range c.Validators {
		if id == v {
			return i
		}
	}

	return -1
}

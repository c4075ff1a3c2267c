package backing

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"

	"ShardRecovery/internal/candidate"
)

// verifiedCacheSize bounds the memory of verified candidates.
const verifiedCacheSize = 4096

var (
	// ErrNoAttestation is returned for a candidate without signature or mask.
	ErrNoAttestation = errors.New("candidate has no backing attestation")

	// ErrUnknownKey is returned when a signer has no registered BLS key.
	ErrUnknownKey = errors.New("no backing key for signer")

	// ErrInsufficientSigners is returned when too few backers signed.
	ErrInsufficientSigners = errors.New("not enough backing signers")

	// ErrBadSignature is returned when the aggregate signature does not verify.
	ErrBadSignature = errors.New("invalid backing signature")
)

// Message returns the bytes backers sign for c:
// blake3("shardrecovery-backing" || hash || erasure root).
func Message(c *candidate.Candidate) []byte {
	h := blake3.New()
	h.Write([]byte("shardrecovery-backing"))
	h.Write(c.Hash[:])
	h.Write(c.ErasureRoot[:])

	return h.Sum(nil)
}

// Attest fills the attestation of c from the given signers, indexed in c.BackingGroup.
func Attest(c *candidate.Candidate, signers map[int]*KeyPair) error {
	msg := Message(c)

	indices := make([]int, 0, len(signers))
	sigs := make([][]byte, 0, len(signers))

	for i := range c.BackingGroup {
		key, ok := signers[i]
		if !ok {
			continue
		}

		indices = append(indices, i)
		sigs = append(sigs, key.Sign(msg))
	}

	agg, err := Aggregate(sigs)
	if err != nil {
		return fmt.Errorf("aggregate backing signatures:\n%w", err)
	}

	c.BackingSignature = agg
	c.BackingMask = BuildSignerMask(indices, len(c.BackingGroup))

	return nil
}

// Verifier checks backing attestations against a key directory.
type Verifier struct {
	mu       sync.RWMutex
	keys     map[candidate.ValidatorID][]byte // keys maps validator id to compressed BLS public key
	quorum   func(backers int) int            // quorum returns the minimum number of signers
	verified *lru.Cache                       // verified remembers messages that passed
}

// NewVerifier creates a Verifier requiring a strict majority of the backing group.
func NewVerifier() (*Verifier, error) {
	verified, err := lru.New(verifiedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create verified cache:\n%w", err)
	}

	return &Verifier{
		keys:     make(map[candidate.ValidatorID][]byte),
		quorum:   func(backers int) int { return backers/2 + 1 },
		verified: verified,
	}, nil
}

// SetQuorum overrides the minimum signer count.
func (v *Verifier) SetQuorum(fn func(backers int) int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.quorum = fn
}

// AddKey registers the BLS public key of a validator.
func (v *Verifier) AddKey(id candidate.ValidatorID, publicKey []byte) error {
	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("invalid public key size %d", len(publicKey))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.keys[id] = append([]byte(nil), publicKey...)

	return nil
}

// Verify checks that enough of c's backing group signed it.
// Passing results are cached by signed message, so a record with another erasure root is checked again.
func (v *Verifier) Verify(c *candidate.Candidate) error {
	msg := Message(c)

	var key [32]byte
	copy(key[:], msg)

	if v.verified.Contains(key) {
		return nil
	}

	if len(c.BackingSignature) == 0 || len(c.BackingMask) == 0 {
		return ErrNoAttestation
	}

	v.mu.RLock()
	quorum := v.quorum(len(c.BackingGroup))

	var pks [][]byte

	for _, idx := range ParseSignerMask(c.BackingMask) {
		if idx >= len(c.BackingGroup) {
			v.mu.RUnlock()
			return fmt.Errorf("%w: signer %d outside backing group of %d", ErrBadSignature, idx, len(c.BackingGroup))
		}

		pk, ok := v.keys[c.BackingGroup[idx]]
		if !ok {
			v.mu.RUnlock()
			return fmt.Errorf("%w %s", ErrUnknownKey, c.BackingGroup[idx].Short())
		}

		pks = append(pks, pk)
	}
	v.mu.RUnlock()

	if len(pks) < quorum {
		return fmt.Errorf("%w: %d of %d, need %d", ErrInsufficientSigners, len(pks), len(c.BackingGroup), quorum)
	}

	if !verifyAggregate(c.BackingSignature, msg, pks) {
		return ErrBadSignature
	}

	v.verified.Add(key, struct{}{})

	return nil
}

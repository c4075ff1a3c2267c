package backing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

// dst is the domain separation tag for backing signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair is a validator's BLS backing key.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveFromED25519 derives the BLS key bound to a validator identity:
// KeyGen(blake3("shardrecovery-backing-keygen" || seed)).
func DeriveFromED25519(priv ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("shardrecovery-backing-keygen"))
	h.Write(priv.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return KeyFromSeed(derived[:])
}

// GenerateKey creates a key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed creates a key pair from a seed of at least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Aggregate combines signatures over the same message.
func Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// verifyAggregate checks an aggregate signature over message by publicKeys.
func verifyAggregate(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		if len(raw) != PublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(raw)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, dst)
}

// BuildSignerMask sets bit i for every index in indices below total.
func BuildSignerMask(indices []int, total int) []byte {
	mask := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			mask[idx/8] |= 1 << (idx % 8)
		}
	}

	return mask
}

// ParseSignerMask returns the indices whose bit is set.
func ParseSignerMask(mask []byte) []int {
	var indices []int

	for byteIdx, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}

package availability

import (
	"encoding/binary"
	"errors"
	"fmt"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
	"ShardRecovery/internal/logger"
	"ShardRecovery/internal/storage"
)

// Key namespaces.
const (
	nsChunk = 'c' // c || candidate || index -> encoded ChunkResponse
	nsBody  = 'f' // f || candidate -> full body
)

// ErrRootMismatch is returned when a body does not encode to the candidate's erasure root.
var ErrRootMismatch = errors.New("erasure root mismatch")

// Store keeps the availability data this validator serves, on pebble.
// Chunks are kept in their wire encoding so serving them needs no re-encoding.
type Store struct {
	db *storage.Storage // db is the underlying KV store
}

// NewStore creates a Store on db.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// StoreCandidate erasure-codes body and keeps the chunk held by self, plus the full body
// when self is in the backing group. k is the recovery threshold used by the network.
func (s *Store) StoreCandidate(c *candidate.Candidate, body []byte, self candidate.ValidatorID, k int) error {
	idx := c.IndexOf(self)
	if idx < 0 {
		return fmt.Errorf("validator %s not in set of %s", self.Short(), c.Hash.Short())
	}

	chunks, root, err := erasure.Encode(body, c.N(), k)
	if err != nil {
		return fmt.Errorf("encode candidate %s:\n%w", c.Hash.Short(), err)
	}

	if root != c.ErasureRoot {
		return fmt.Errorf("%w: candidate %s", ErrRootMismatch, c.Hash.Short())
	}

	batch := []storage.KeyValue{
		{Key: chunkKey(c.Hash, chunks[idx].Index), Value: EncodeChunkResponse(&chunks[idx])},
	}

	for _, b := range c.BackingGroup {
		if b == self {
			batch = append(batch, storage.KeyValue{Key: bodyKey(c.Hash), Value: body})
			break
		}
	}

	if err := s.db.SetBatch(batch); err != nil {
		return fmt.Errorf("store candidate %s:\n%w", c.Hash.Short(), err)
	}

	logger.Debug("availability data stored", "candidate", c.Hash.Short(), "chunk", idx, "full", len(batch) > 1)

	return nil
}

// PutChunk stores a chunk of hash.
func (s *Store) PutChunk(hash candidate.Hash, chunk *erasure.Chunk) error {
	return s.db.Set(chunkKey(hash, chunk.Index), EncodeChunkResponse(chunk))
}

// PutBody stores the full body of hash.
func (s *Store) PutBody(hash candidate.Hash, body []byte) error {
	return s.db.Set(bodyKey(hash), body)
}

// Chunk returns chunk index of hash, or nil if not held.
func (s *Store) Chunk(hash candidate.Hash, index uint32) (*erasure.Chunk, error) {
	raw, err := s.encodedChunk(hash, index)
	if err != nil || raw == nil {
		return nil, err
	}

	return DecodeChunkResponse(raw)
}

// Body returns the full body of hash, or nil if not held.
func (s *Store) Body(hash candidate.Hash) ([]byte, error) {
	return s.db.Get(bodyKey(hash))
}

// Prune drops every chunk and the body of hash.
func (s *Store) Prune(hash candidate.Hash) error {
	if err := s.db.DeletePrefix(storage.Key(nsChunk, hash[:])); err != nil {
		return fmt.Errorf("prune chunks:\n%w", err)
	}

	return s.db.Delete(bodyKey(hash))
}

// encodedChunk returns the stored wire encoding of a chunk, or nil.
func (s *Store) encodedChunk(hash candidate.Hash, index uint32) ([]byte, error) {
	return s.db.Get(chunkKey(hash, index))
}

// chunkKey returns the key of one chunk.
func chunkKey(hash candidate.Hash, index uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)

	return storage.Key(nsChunk, hash[:], buf[:])
}

// bodyKey returns the key of a full body.
func bodyKey(hash candidate.Hash) []byte {
	return storage.Key(nsBody, hash[:])
}

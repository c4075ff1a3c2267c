package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
	"ShardRecovery/internal/storage"
)

// Key namespaces.
const (
	nsBlock  = 'b' // b || hash -> body
	nsNumber = 'n' // n || number -> hash of the block imported at that height
	nsMeta   = 'm' // m || name -> value
)

var (
	// ErrRejected is returned when a body cannot be imported.
	ErrRejected = errors.New("block rejected")

	// ErrUnknownParent is returned when the parent block is not in the chain.
	ErrUnknownParent = errors.New("unknown parent")

	// keyHead stores the hash of the highest imported block.
	keyHead = storage.Key(nsMeta, []byte("head"))
)

// Validator runs the shard validation function on a block body.
type Validator interface {
	ValidateBlock(ctx context.Context, body []byte) error
}

// Store is the local shard chain on pebble.
// It answers IsImported and imports bodies through SubmitBlock.
type Store struct {
	db        *storage.Storage // db is the underlying KV store
	validator Validator        // validator checks bodies before import, may be nil

	mu         sync.Mutex
	head       candidate.Hash              // head is the highest imported block
	headNumber uint64                      // headNumber is the height of head
	listeners  []func(hash candidate.Hash) // listeners are called after each import
}

// Open loads the chain state from db. validator may be nil.
func Open(db *storage.Storage, validator Validator) (*Store, error) {
	s := &Store{db: db, validator: validator}

	raw, err := db.Get(keyHead)
	if err != nil {
		return nil, fmt.Errorf("read head:\n%w", err)
	}

	if raw == nil {
		return s, nil
	}

	copy(s.head[:], raw)

	body, err := db.Get(blockKey(s.head))
	if err != nil {
		return nil, fmt.Errorf("read head block:\n%w", err)
	}

	if body == nil {
		return nil, fmt.Errorf("head block %s missing", s.head.Short())
	}

	b, err := DecodeBlock(body)
	if err != nil {
		return nil, fmt.Errorf("decode head block:\n%w", err)
	}

	s.headNumber = b.Number

	return s, nil
}

// InitGenesis imports body as the root of the chain without parent or validation checks.
// It is a no-op if the chain already has a head.
func (s *Store) InitGenesis(body []byte) (candidate.Hash, error) {
	b, err := DecodeBlock(body)
	if err != nil {
		return candidate.Hash{}, fmt.Errorf("decode genesis:\n%w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.head.IsZero() {
		return s.head, nil
	}

	if err := s.write(b, body); err != nil {
		return candidate.Hash{}, err
	}

	logger.Info("genesis initialized", "hash", b.Hash.Short(), "number", b.Number)

	return b.Hash, nil
}

// IsImported reports whether hash is in the chain.
func (s *Store) IsImported(hash candidate.Hash) bool {
	ok, err := s.db.Has(blockKey(hash))
	if err != nil {
		logger.Warn("chain lookup failed", "hash", hash.Short(), "error", err)
		return false
	}

	return ok
}

// SubmitBlock validates body and imports it on top of its parent.
// Importing a block twice is a no-op.
func (s *Store) SubmitBlock(ctx context.Context, body []byte) error {
	b, err := DecodeBlock(body)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrRejected, err)
	}

	if s.IsImported(b.Hash) {
		return nil
	}

	parentBody, err := s.db.Get(blockKey(b.ParentHash))
	if err != nil {
		return fmt.Errorf("read parent:\n%w", err)
	}

	if parentBody == nil {
		return fmt.Errorf("%w: %w %s", ErrRejected, ErrUnknownParent, b.ParentHash.Short())
	}

	parent, err := DecodeBlock(parentBody)
	if err != nil {
		return fmt.Errorf("decode parent:\n%w", err)
	}

	if b.Number != parent.Number+1 {
		return fmt.Errorf("%w: number %d on parent %d", ErrRejected, b.Number, parent.Number)
	}

	if s.validator != nil {
		if err := s.validator.ValidateBlock(ctx, body); err != nil {
			return fmt.Errorf("%w: validation:\n%w", ErrRejected, err)
		}
	}

	s.mu.Lock()
	err = s.write(b, body)
	listeners := s.listeners
	s.mu.Unlock()

	if err != nil {
		return err
	}

	for _, fn := range listeners {
		fn(b.Hash)
	}

	return nil
}

// OnImport registers fn to be called after each import.
func (s *Store) OnImport(fn func(hash candidate.Hash)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// Block returns the body of hash, or nil if unknown.
func (s *Store) Block(hash candidate.Hash) ([]byte, error) {
	return s.db.Get(blockKey(hash))
}

// HashAt returns the hash imported at number.
func (s *Store) HashAt(number uint64) (candidate.Hash, bool) {
	var h candidate.Hash

	raw, err := s.db.Get(numberKey(number))
	if err != nil || raw == nil {
		return h, false
	}

	copy(h[:], raw)

	return h, true
}

// Head returns the highest imported block and its number.
func (s *Store) Head() (candidate.Hash, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.head, s.headNumber
}

// write persists b atomically and advances the head. Caller holds s.mu.
func (s *Store) write(b *Block, body []byte) error {
	batch := []storage.KeyValue{
		{Key: blockKey(b.Hash), Value: body},
		{Key: numberKey(b.Number), Value: b.Hash[:]},
	}

	advance := s.head.IsZero() || b.Number > s.headNumber
	if advance {
		batch = append(batch, storage.KeyValue{Key: keyHead, Value: b.Hash[:]})
	}

	if err := s.db.SetBatch(batch); err != nil {
		return fmt.Errorf("write block %s:\n%w", b.Hash.Short(), err)
	}

	if advance {
		s.head = b.Hash
		s.headNumber = b.Number
	}

	return nil
}

// blockKey returns the key of a block body.
func blockKey(hash candidate.Hash) []byte {
	return storage.Key(nsBlock, hash[:])
}

// numberKey returns the key of the height index.
func numberKey(number uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)

	return storage.Key(nsNumber, buf[:])
}

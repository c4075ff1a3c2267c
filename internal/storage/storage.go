package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// defaultCacheSize is the pebble block cache size.
	defaultCacheSize = 32 << 20
)

// KeyValue represents a key-value pair for batch operations.
// A nil Value deletes the key.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store, nil to delete
}

// Options tunes a Storage instance.
type Options struct {
	SyncInterval time.Duration // SyncInterval is the period of background WAL syncs
	CacheSize    int64         // CacheSize is the block cache size in bytes
}

// Storage is a key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	interval time.Duration // interval between WAL syncs
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens a Storage at path with default options.
func New(path string) (*Storage, error) {
	return Open(path, Options{})
}

// Open opens a Storage at path and starts the background WAL sync.
func Open(path string, o Options) (*Storage, error) {
	if o.SyncInterval <= 0 {
		o.SyncInterval = defaultSyncInterval
	}

	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}

	cache := pebble.NewCache(o.CacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20, // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		interval: o.SyncInterval,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether the key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	closer.Close()

	return true, nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically applies multiple writes and deletes.
// Either all of them are applied or none.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		var err error
		if kv.Value == nil {
			err = batch.Delete(kv.Key, nil)
		} else {
			err = batch.Set(kv.Key, kv.Value, nil)
		}

		if err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix, in key order.
// If fn returns an error, iteration stops and the error is returned.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// DeletePrefix removes every key starting with prefix.
func (s *Storage) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		return errors.New("cannot delete unbounded prefix")
	}

	return s.db.DeleteRange(prefix, upper, pebble.NoSync)
}

// Key joins a one-byte namespace with the given parts.
func Key(namespace byte, parts ...[]byte) []byte {
	size := 1
	for _, p := range parts {
		size += len(p)
	}

	key := make([]byte, 0, size)
	key = append(key, namespace)

	for _, p := range parts {
		key = append(key, p...)
	}

	return key
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

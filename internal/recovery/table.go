package recovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"ShardRecovery/internal/candidate"
)

// State is the recovery state of one candidate.
// It is owned by the Table and only mutated through Table.Update.
type State struct {
	Candidate  candidate.Hash           // Candidate is the candidate id
	Generation uint64                   // Generation identifies the task that owns this state
	Status     Status                   // Status is the current phase
	Threshold  int                      // Threshold is k, the chunks needed to reconstruct
	Chunks     map[uint32][]byte        // Chunks holds verified chunk data by index
	Requests   map[uint32]*ChunkRequest // Requests tracks every chunk request by index
	Sources    []uint32                 // Sources are untried chunk indices, consumed head-first
	Excluded   map[uint32]error         // Excluded are sources never to be asked again, with the reason
	Attempts   int                      // Attempts counts reconstruction rounds
	FastPath   bool                     // FastPath is set when the body came from a backer
	Err        error                    // Err is the failure reason once Failed
	Started    time.Time                // Started is when the state was created
}

// Snapshot is a read-only copy of a State for status queries.
type Snapshot struct {
	Candidate  candidate.Hash
	Generation uint64
	Status     Status
	Threshold  int
	Held       int
	Requested  int
	Excluded   int
	Remaining  int
	Attempts   int
	FastPath   bool
	Err        error
	Started    time.Time
}

// Table maps candidate ids to their recovery state.
// Each entry carries a generation; updates from an older generation are rejected.
type Table struct {
	mu      sync.RWMutex
	entries map[candidate.Hash]*State
	nextGen uint64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[candidate.Hash]*State)}
}

// Insert creates a state for hash in the initial status and returns its generation.
// A Failed entry is replaced, any other existing entry yields ErrAlreadyActive.
func (t *Table) Insert(hash candidate.Hash, threshold int, sources []uint32, initial Status) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[hash]; ok && old.Status != StatusFailed {
		return 0, fmt.Errorf("%w: %s in %s", ErrAlreadyActive, hash.Short(), old.Status)
	}

	t.nextGen++

	t.entries[hash] = &State{
		Candidate:  hash,
		Generation: t.nextGen,
		Status:     initial,
		Threshold:  threshold,
		Chunks:     make(map[uint32][]byte),
		Requests:   make(map[uint32]*ChunkRequest),
		Sources:    append([]uint32(nil), sources...),
		Excluded:   make(map[uint32]error),
		Started:    time.Now(),
	}

	return t.nextGen, nil
}

// Update runs fn on the state of hash if it still belongs to generation gen.
// Returns ErrCancelled when the entry is gone or was replaced.
func (t *Table) Update(hash candidate.Hash, gen uint64, fn func(*State) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[hash]
	if !ok || s.Generation != gen {
		return ErrCancelled
	}

	return fn(s)
}

// Remove drops the entry for hash, whatever its generation.
func (t *Table) Remove(hash candidate.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[hash]
	delete(t.entries, hash)

	return ok
}

// Get returns a snapshot of the state of hash.
func (t *Table) Get(hash candidate.Hash) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.entries[hash]
	if !ok {
		return Snapshot{}, false
	}

	return s.snapshot(), true
}

// List returns snapshots of every entry, oldest first.
func (t *Table) List() []Snapshot {
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.entries))

	for _, s := range t.entries {
		out = append(out, s.snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Generation < out[j].Generation
	})

	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// snapshot copies the reportable fields.
func (s *State) snapshot() Snapshot {
	return Snapshot{
		Candidate:  s.Candidate,
		Generation: s.Generation,
		Status:     s.Status,
		Threshold:  s.Threshold,
		Held:       len(s.Chunks),
		Requested:  len(s.Requests),
		Excluded:   len(s.Excluded),
		Remaining:  len(s.Sources),
		Attempts:   s.Attempts,
		FastPath:   s.FastPath,
		Err:        s.Err,
		Started:    s.Started,
	}
}

// popSource removes and returns the next untried source.
func (s *State) popSource() (uint32, bool) {
	for len(s.Sources) > 0 {
		idx := s.Sources[0]
		s.Sources = s.Sources[1:]

		if _, bad := s.Excluded[idx]; !bad {
			return idx, true
		}
	}

	return 0, false
}

// exclude removes a source for good.
func (s *State) exclude(idx uint32, reason error) {
	s.Excluded[idx] = reason

	if req, ok := s.Requests[idx]; ok {
		req.Status = ChunkFailed
	}
}

// addChunk stores a verified chunk. Returns false if the index is already held.
func (s *State) addChunk(idx uint32, data []byte) bool {
	if _, ok := s.Chunks[idx]; ok {
		return false
	}

	s.Chunks[idx] = data

	if req, ok := s.Requests[idx]; ok {
		req.Status = ChunkFetched
	}

	return true
}

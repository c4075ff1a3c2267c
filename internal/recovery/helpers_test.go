package recovery

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
)

// fakeNetwork serves bodies and chunks from memory.
type fakeNetwork struct {
	mu       sync.Mutex
	bodies   map[candidate.Hash]map[candidate.ValidatorID][]byte
	chunks   map[candidate.Hash]map[candidate.ValidatorID]erasure.Chunk
	corrupt  map[candidate.ValidatorID]bool // corrupt validators flip a byte of their chunk
	gate     chan struct{}                  // gate blocks chunk requests until closed
	requests map[candidate.Hash][]uint32    // requests logs chunk indices asked for
	bodyReqs int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies:   make(map[candidate.Hash]map[candidate.ValidatorID][]byte),
		chunks:   make(map[candidate.Hash]map[candidate.ValidatorID]erasure.Chunk),
		corrupt:  make(map[candidate.ValidatorID]bool),
		requests: make(map[candidate.Hash][]uint32),
	}
}

func (f *fakeNetwork) GetFullBody(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash) ([]byte, error) {
	f.mu.Lock()
	f.bodyReqs++
	body, ok := f.bodies[hash][from]
	f.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	return body, nil
}

func (f *fakeNetwork) GetChunk(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash, index uint32) (*erasure.Chunk, error) {
	f.mu.Lock()
	f.requests[hash] = append(f.requests[hash], index)
	chunk, ok := f.chunks[hash][from]
	bad := f.corrupt[from]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !ok {
		return nil, ErrNotFound
	}

	out := chunk
	if bad {
		out.Data = append([]byte(nil), chunk.Data...)
		out.Data[0] ^= 0xff
	}

	return &out, nil
}

// chunkRequests returns how many chunk requests were made for hash.
func (f *fakeNetwork) chunkRequests(hash candidate.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests[hash])
}

// requested returns a copy of the chunk indices asked for hash.
func (f *fakeNetwork) requested(hash candidate.Hash) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint32(nil), f.requests[hash]...)
}

// drop removes the chunk held by validator v for hash.
func (f *fakeNetwork) drop(hash candidate.Hash, v candidate.ValidatorID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.chunks[hash], v)
}

// setGate installs a gate that blocks chunk responses until closed.
func (f *fakeNetwork) setGate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gate = make(chan struct{})
	return f.gate
}

// publish serves chunks for every validator and the body for backers.
func (f *fakeNetwork) publish(c *candidate.Candidate, body []byte, chunks []erasure.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chunks[c.Hash] = make(map[candidate.ValidatorID]erasure.Chunk)
	for i, v := range c.Validators {
		f.chunks[c.Hash][v] = chunks[i]
	}

	f.bodies[c.Hash] = make(map[candidate.ValidatorID][]byte)
	for _, v := range c.BackingGroup {
		f.bodies[c.Hash][v] = body
	}
}

// testValidators returns n distinct validator ids.
func testValidators(n int) []candidate.ValidatorID {
	vals := make([]candidate.ValidatorID, n)
	for i := range vals {
		vals[i][0] = byte(i)
		vals[i][1] = byte(i >> 8)
		vals[i][31] = 0xaa
	}

	return vals
}

// randomBytes returns size random bytes.
func randomBytes(t *testing.T, size int) []byte {
	t.Helper()

	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}

	return b
}

// newTestCandidate encodes a random body for n validators and publishes it on net.
func newTestCandidate(t *testing.T, net *fakeNetwork, n, backers int) (*candidate.Candidate, []byte) {
	t.Helper()

	body := randomBytes(t, 1000)
	vals := testValidators(n)

	chunks, root, err := erasure.Encode(body, n, erasure.RecoveryThreshold(n))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	c := &candidate.Candidate{
		Hash:             candidate.HashBody(body),
		ErasureRoot:      root,
		Validators:       vals,
		ValidatorSetSize: n,
		BackingGroup:     vals[:backers],
	}

	net.publish(c, body, chunks)

	return c, body
}

// fakeSink records what the scheduler hands over.
type fakeSink struct {
	mu      sync.Mutex
	added   []candidate.Hash
	bodies  map[candidate.Hash][]byte
	removed []candidate.Hash
}

func newFakeSink() *fakeSink {
	return &fakeSink{bodies: make(map[candidate.Hash][]byte)}
}

func (s *fakeSink) Add(c *candidate.Candidate, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.added = append(s.added, c.Hash)
	s.bodies[c.Hash] = body
}

func (s *fakeSink) Remove(hash candidate.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed = append(s.removed, hash)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.added)
}

func (s *fakeSink) body(hash candidate.Hash) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bodies[hash]
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

package recovery

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
)

// countingObserver counts chunk events.
type countingObserver struct {
	NopObserver
	requested atomic.Int32
	accepted  atomic.Int32
	rejected  atomic.Int32
	failed    atomic.Int32
}

func (o *countingObserver) ChunkRequested(candidate.Hash) { o.requested.Add(1) }
func (o *countingObserver) ChunkAccepted(candidate.Hash) { o.accepted.Add(1) }
func (o *countingObserver) ChunkRejected(candidate.Hash, error) { o.rejected.Add(1) }
func (o *countingObserver) RecoveryFailed(candidate.Hash, error) { o.failed.Add(1) }

// runTask creates and runs a task to completion.
func runTask(t *testing.T, c *candidate.Candidate, cfg Config, net Network, table *Table, obs Observer) ([]byte, error) {
	t.Helper()

	task, err := NewTask(c, cfg, net, table, obs)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return task.Run(ctx)
}

func TestTask_RecoversFromChunks(t *testing.T) {
	net := newFakeNetwork()
	c, body := newTestCandidate(t, net, 10, 0)
	table := NewTable()

	got, err := runTask(t, c, Config{}, net, table, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}

	snap, ok := table.Get(c.Hash)
	if !ok {
		t.Fatal("state missing")
	}

	if snap.Status != StatusRecovered {
		t.Errorf("status = %s, want recovered", snap.Status)
	}

	if snap.Held != 4 || snap.Threshold != 4 {
		t.Errorf("held %d of %d, want 4 of 4", snap.Held, snap.Threshold)
	}

	if snap.FastPath {
		t.Error("fast path should not be used without backers")
	}
}

func TestTask_NoRequestsAfterThreshold(t *testing.T) {
	net := newFakeNetwork()
	c, _ := newTestCandidate(t, net, 10, 0)
	obs := &countingObserver{}

	if _, err := runTask(t, c, Config{}, net, NewTable(), obs); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := net.chunkRequests(c.Hash); got != 4 {
		t.Fatalf("chunk requests = %d, want 4", got)
	}

	time.Sleep(50 * time.Millisecond)

	if got := net.chunkRequests(c.Hash); got != 4 {
		t.Errorf("chunk requests after completion = %d, want 4", got)
	}

	if obs.requested.Load() != 4 || obs.accepted.Load() != 4 {
		t.Errorf("observer requested=%d accepted=%d, want 4/4", obs.requested.Load(), obs.accepted.Load())
	}
}

func TestTask_DistinctIndices(t *testing.T) {
	net := newFakeNetwork()
	c, _ := newTestCandidate(t, net, 31, 0)

	if _, err := runTask(t, c, Config{}, net, NewTable(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := make(map[uint32]bool)
	for _, idx := range net.requested(c.Hash) {
		if seen[idx] {
			t.Fatalf("chunk %d requested twice", idx)
		}

		seen[idx] = true
	}
}

func TestTask_FastPath(t *testing.T) {
	net := newFakeNetwork()
	c, body := newTestCandidate(t, net, 10, 3)
	table := NewTable()

	got, err := runTask(t, c, Config{}, net, table, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}

	if net.chunkRequests(c.Hash) != 0 {
		t.Errorf("fast path should not request chunks, got %d", net.chunkRequests(c.Hash))
	}

	snap, _ := table.Get(c.Hash)
	if !snap.FastPath {
		t.Error("snapshot should record fast path")
	}
}

func TestTask_FastPathDisabled(t *testing.T) {
	net := newFakeNetwork()
	c, body := newTestCandidate(t, net, 10, 3)

	got, err := runTask(t, c, Config{DisableFastPath: true}, net, NewTable(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}

	if net.bodyReqs != 0 {
		t.Errorf("body requests = %d, want 0", net.bodyReqs)
	}
}

func TestTask_FastPathWrongBodyFallsBack(t *testing.T) {
	net := newFakeNetwork()
	c, body := newTestCandidate(t, net, 10, 2)

	// Backers serve a body that does not hash to the candidate
	for _, v := range c.BackingGroup {
		net.bodies[c.Hash][v] = []byte("forged body")
	}

	got, err := runTask(t, c, Config{}, net, NewTable(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}

	if net.chunkRequests(c.Hash) < 4 {
		t.Errorf("expected chunk collection after fast path, got %d requests", net.chunkRequests(c.Hash))
	}
}

func TestTask_InvalidChunksExcluded(t *testing.T) {
	net := newFakeNetwork()
	c, body := newTestCandidate(t, net, 10, 0)

	for _, v := range c.Validators[:5] {
		net.corrupt[v] = true
	}

	obs := &countingObserver{}
	table := NewTable()

	got, err := runTask(t, c, Config{}, net, table, obs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}

	// Every corrupt source asked is rejected and never asked again
	counts := make(map[uint32]int)
	for _, idx := range net.requested(c.Hash) {
		counts[idx]++
	}

	rejected := 0
	for idx, n := range counts {
		if n > 1 {
			t.Errorf("chunk %d requested %d times", idx, n)
		}

		if idx < 5 {
			rejected++
		}
	}

	if int(obs.rejected.Load()) != rejected {
		t.Errorf("rejected = %d, want %d", obs.rejected.Load(), rejected)
	}

	snap, _ := table.Get(c.Hash)
	if snap.Excluded != rejected {
		t.Errorf("excluded = %d, want %d", snap.Excluded, rejected)
	}
}

func TestTask_TimeoutsReplacedBySources(t *testing.T) {
	net := newFakeNetwork()
	c, body := newTestCandidate(t, net, 10, 0)

	slow := &slowNetwork{fakeNetwork: net, slow: map[candidate.ValidatorID]bool{}}
	for _, v := range c.Validators[:3] {
		slow.slow[v] = true
	}

	cfg := Config{ChunkRequestTimeout: 20 * time.Millisecond}

	got, err := runTask(t, c, cfg, slow, NewTable(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}
}

// slowNetwork never answers chunk requests for some validators.
type slowNetwork struct {
	*fakeNetwork
	slow map[candidate.ValidatorID]bool
}

func (s *slowNetwork) GetChunk(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash, index uint32) (*erasure.Chunk, error) {
	if s.slow[from] {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return s.fakeNetwork.GetChunk(ctx, from, hash, index)
}

func TestTask_FailsWhenTooFewSources(t *testing.T) {
	net := newFakeNetwork()
	c, _ := newTestCandidate(t, net, 10, 0)

	for _, v := range c.Validators[:7] {
		net.drop(c.Hash, v)
	}

	obs := &countingObserver{}
	table := NewTable()

	_, err := runTask(t, c, Config{}, net, table, obs)
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}

	snap, _ := table.Get(c.Hash)
	if snap.Status != StatusFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}

	if obs.failed.Load() != 1 {
		t.Errorf("failed events = %d, want 1", obs.failed.Load())
	}

	// Fails as soon as fewer than k sources can remain, not after asking everyone
	if got := net.chunkRequests(c.Hash); got > 10 {
		t.Errorf("chunk requests = %d, want at most 10", got)
	}
}

// forgedCandidate commits to an encoding whose chunk 9 belongs to another body,
// so every proof verifies but any decode that uses chunk 9 yields the wrong body.
func forgedCandidate(t *testing.T, net *fakeNetwork) (*candidate.Candidate, []byte) {
	t.Helper()

	n, k := 10, 4
	body := randomBytes(t, 1000)

	good, _, err := erasure.Encode(body, n, k)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	other, _, err := erasure.Encode(randomBytes(t, 1000), n, k)
	if err != nil {
		t.Fatalf("encode other: %v", err)
	}

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = good[i].Data
	}
	shards[9] = other[9].Data

	tree := erasure.BuildTree(shards)

	chunks := make([]erasure.Chunk, n)
	for i := range chunks {
		chunks[i] = erasure.Chunk{Index: uint32(i), Data: shards[i], Proof: tree.Proof(i)}
	}

	vals := testValidators(n)
	c := &candidate.Candidate{
		Hash:        candidate.HashBody(body),
		ErasureRoot: tree.Root(),
		Validators:  vals,
	}

	net.publish(c, body, chunks)

	return c, body
}

// forceOrder makes the task ask chunk 9 first.
func forceOrder(t *testing.T, table *Table, task *Task) {
	t.Helper()

	err := table.Update(task.cand.Hash, task.Generation(), func(s *State) error {
		s.Sources = []uint32{9, 0, 1, 2, 3, 4, 5, 6, 7, 8}
		return nil
	})
	if err != nil {
		t.Fatalf("force order: %v", err)
	}
}

func TestTask_ReconstructionMismatchRetries(t *testing.T) {
	net := newFakeNetwork()
	c, body := forgedCandidate(t, net)
	table := NewTable()

	task, err := NewTask(c, Config{}, net, table, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	forceOrder(t, table, task)

	got, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Fatal("recovered body differs")
	}

	snap, _ := table.Get(c.Hash)
	if snap.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", snap.Attempts)
	}

	// Sources of the failed attempt are excluded and never asked again
	if snap.Excluded != 4 {
		t.Errorf("excluded = %d, want 4", snap.Excluded)
	}

	if got := net.chunkRequests(c.Hash); got != 8 {
		t.Errorf("chunk requests = %d, want 8", got)
	}
}

func TestTask_ReconstructionMismatchExhausted(t *testing.T) {
	net := newFakeNetwork()
	c, _ := forgedCandidate(t, net)
	table := NewTable()

	task, err := NewTask(c, Config{MaxReconstructionAttempts: 1}, net, table, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	forceOrder(t, table, task)

	_, err = task.Run(context.Background())
	if !errors.Is(err, ErrUnrecoverable) || !errors.Is(err, ErrReconstructionMismatch) {
		t.Fatalf("expected unrecoverable mismatch, got %v", err)
	}

	snap, _ := table.Get(c.Hash)
	if snap.Status != StatusFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}
}

func TestTask_MismatchWithPoolExhausted(t *testing.T) {
	net := newFakeNetwork()
	c, _ := forgedCandidate(t, net)
	table := NewTable()

	// Only 6 honest-looking sources: after excluding 4, two remain
	for _, v := range c.Validators[5:9] {
		net.drop(c.Hash, v)
	}

	task, err := NewTask(c, Config{}, net, table, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	forceOrder(t, table, task)

	_, err = task.Run(context.Background())
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}

	if !errors.Is(err, ErrReconstructionMismatch) {
		t.Errorf("error should carry the previous mismatch: %v", err)
	}
}

func TestTask_CancelledByContext(t *testing.T) {
	net := newFakeNetwork()
	c, _ := newTestCandidate(t, net, 10, 0)
	gate := net.setGate()
	defer close(gate)

	table := NewTable()

	task, err := NewTask(c, Config{}, net, table, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := task.Run(ctx)
		done <- err
	}()

	waitFor(t, time.Second, "chunk requests", func() bool { return net.chunkRequests(c.Hash) == 4 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}

func TestTask_LateResultsDoNotTouchNewGeneration(t *testing.T) {
	net := newFakeNetwork()
	c, _ := newTestCandidate(t, net, 10, 0)
	gate := net.setGate()

	table := NewTable()

	task, err := NewTask(c, Config{}, net, table, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	done := make(chan error, 1)

	go func() {
		_, err := task.Run(context.Background())
		done <- err
	}()

	waitFor(t, time.Second, "chunk requests", func() bool { return net.chunkRequests(c.Hash) == 4 })

	// Supersede the entry while the requests are in flight
	table.Remove(c.Hash)

	gen, err := table.Insert(c.Hash, 4, nil, StatusCollectingChunks)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	close(gate)

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale task did not stop")
	}

	snap, ok := table.Get(c.Hash)
	if !ok {
		t.Fatal("new entry missing")
	}

	if snap.Generation != gen || snap.Held != 0 || snap.Status != StatusCollectingChunks {
		t.Errorf("new generation was modified: %+v", snap)
	}
}

func TestTask_InvalidThreshold(t *testing.T) {
	net := newFakeNetwork()
	c, _ := newTestCandidate(t, net, 10, 0)

	cfg := Config{Threshold: func(n int) int { return n + 1 }}

	if _, err := NewTask(c, cfg, net, NewTable(), nil); err == nil {
		t.Error("threshold above n should be refused")
	}
}

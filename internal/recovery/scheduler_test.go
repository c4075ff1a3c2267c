package recovery

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"ShardRecovery/internal/candidate"
)

// newTestScheduler creates a scheduler closed at the end of the test.
func newTestScheduler(t *testing.T, cfg Config, net Network, sink Sink) *Scheduler {
	t.Helper()

	s, err := NewScheduler(cfg, net, sink, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	t.Cleanup(s.Close)

	return s
}

func TestScheduler_RecoversIntoSink(t *testing.T) {
	net := newFakeNetwork()
	sink := newFakeSink()
	s := newTestScheduler(t, Config{}, net, sink)

	c, body := newTestCandidate(t, net, 10, 0)

	if !s.Request(c) {
		t.Fatal("request refused")
	}

	waitFor(t, 2*time.Second, "recovery", func() bool { return sink.count() == 1 })

	if !bytes.Equal(sink.body(c.Hash), body) {
		t.Error("sink received a different body")
	}

	snap, ok := s.Status(c.Hash)
	if !ok || snap.Status != StatusRecovered {
		t.Errorf("status = %v %s, want recovered", ok, snap.Status)
	}

	if !s.IsRecovering(c.Hash) {
		t.Error("recovered candidate should stay known until cancelled")
	}
}

func TestScheduler_RecoveredStatusKeepsDetails(t *testing.T) {
	net := newFakeNetwork()
	sink := newFakeSink()
	s := newTestScheduler(t, Config{}, net, sink)

	c, _ := newTestCandidate(t, net, 10, 3)

	if !s.Request(c) {
		t.Fatal("request refused")
	}

	waitFor(t, 2*time.Second, "recovery", func() bool { return sink.count() == 1 })

	snap, ok := s.Status(c.Hash)
	if !ok || snap.Status != StatusRecovered {
		t.Fatalf("status = %v %s, want recovered", ok, snap.Status)
	}

	if !snap.FastPath || snap.Generation == 0 || snap.Threshold == 0 {
		t.Errorf("recovered snapshot lost task details: %+v", snap)
	}

	s.Cancel(c.Hash)

	if _, ok := s.Status(c.Hash); ok {
		t.Error("cancelled candidate still has a status")
	}
}

func TestScheduler_DuplicateRequestsAreNoOps(t *testing.T) {
	net := newFakeNetwork()
	gate := net.setGate()
	sink := newFakeSink()
	s := newTestScheduler(t, Config{}, net, sink)

	c, _ := newTestCandidate(t, net, 10, 0)

	if !s.Request(c) {
		t.Fatal("first request refused")
	}

	if s.Request(c) {
		t.Error("request for an active candidate should be a no-op")
	}

	if got := s.table.Len(); got != 1 {
		t.Errorf("table entries = %d, want 1", got)
	}

	close(gate)
	waitFor(t, 2*time.Second, "recovery", func() bool { return sink.count() == 1 })

	if s.Request(c) {
		t.Error("request for a recovered candidate should be a no-op")
	}

	time.Sleep(30 * time.Millisecond)

	if sink.count() != 1 {
		t.Errorf("sink received %d bodies, want 1", sink.count())
	}
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	net := newFakeNetwork()
	gate := net.setGate()
	sink := newFakeSink()
	s := newTestScheduler(t, Config{MaxConcurrentRecoveries: 2}, net, sink)

	var cands []*candidate.Candidate
	for i := 0; i < 5; i++ {
		c, _ := newTestCandidate(t, net, 10, 0)
		cands = append(cands, c)

		if !s.Request(c) {
			t.Fatalf("request %d refused", i)
		}
	}

	active, queued, _ := s.Counts()
	if active != 2 || queued != 3 {
		t.Fatalf("active=%d queued=%d, want 2/3", active, queued)
	}

	// FIFO: the first two run, the rest wait
	for i, c := range cands {
		snap, _ := s.Status(c.Hash)

		wantQueued := i >= 2
		if (snap.Status == StatusQueued) != wantQueued {
			t.Errorf("candidate %d status = %s", i, snap.Status)
		}
	}

	if got := len(s.List()); got != 5 {
		t.Errorf("list = %d entries, want 5", got)
	}

	close(gate)
	waitFor(t, 3*time.Second, "all recoveries", func() bool { return sink.count() == 5 })

	active, queued, _ = s.Counts()
	if active != 0 || queued != 0 {
		t.Errorf("after completion active=%d queued=%d", active, queued)
	}
}

func TestScheduler_CancelActiveDropsLateResults(t *testing.T) {
	net := newFakeNetwork()
	gate := net.setGate()
	sink := newFakeSink()
	s := newTestScheduler(t, Config{}, net, sink)

	c, _ := newTestCandidate(t, net, 10, 0)
	s.Request(c)

	waitFor(t, time.Second, "chunk requests", func() bool { return net.chunkRequests(c.Hash) > 0 })

	if !s.Cancel(c.Hash) {
		t.Fatal("cancel should find the active candidate")
	}

	// Late responses arrive after cancellation
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if sink.count() != 0 {
		t.Error("cancelled candidate reached the sink")
	}

	if len(sink.removed) != 1 || sink.removed[0] != c.Hash {
		t.Errorf("sink removals = %v, want the cancelled candidate", sink.removed)
	}

	if _, ok := s.Status(c.Hash); ok {
		t.Error("cancelled candidate should have no status")
	}

	if s.IsRecovering(c.Hash) {
		t.Error("cancelled candidate should not be recovering")
	}

	if s.table.Len() != 0 {
		t.Errorf("table entries = %d, want 0", s.table.Len())
	}
}

func TestScheduler_CancelQueued(t *testing.T) {
	net := newFakeNetwork()
	gate := net.setGate()
	defer close(gate)

	s := newTestScheduler(t, Config{MaxConcurrentRecoveries: 1}, net, newFakeSink())

	a, _ := newTestCandidate(t, net, 10, 0)
	b, _ := newTestCandidate(t, net, 10, 0)
	s.Request(a)
	s.Request(b)

	if !s.Cancel(b.Hash) {
		t.Fatal("cancel should find the queued candidate")
	}

	_, queued, _ := s.Counts()
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}

	// It may be requested again
	if !s.Request(b) {
		t.Error("request after cancel should be accepted")
	}
}

func TestScheduler_CancelFreesSlot(t *testing.T) {
	net := newFakeNetwork()
	gate := net.setGate()
	defer close(gate)

	s := newTestScheduler(t, Config{MaxConcurrentRecoveries: 1}, net, newFakeSink())

	a, _ := newTestCandidate(t, net, 10, 0)
	b, _ := newTestCandidate(t, net, 10, 0)
	s.Request(a)
	s.Request(b)

	s.Cancel(a.Hash)

	snap, ok := s.Status(b.Hash)
	if !ok || snap.Status == StatusQueued {
		t.Errorf("queued candidate should start when a slot frees, status %s", snap.Status)
	}
}

func TestScheduler_FailedWaitsForRearm(t *testing.T) {
	net := newFakeNetwork()
	sink := newFakeSink()
	s := newTestScheduler(t, Config{}, net, sink)

	c, _ := newTestCandidate(t, net, 10, 0)

	// Hide every chunk
	saved := net.chunks[c.Hash]
	net.mu.Lock()
	net.chunks[c.Hash] = nil
	net.mu.Unlock()

	s.Request(c)

	select {
	case err := <-s.Errors():
		if !errors.Is(err, ErrUnrecoverable) {
			t.Fatalf("expected ErrUnrecoverable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unrecoverable error reported")
	}

	snap, _ := s.Status(c.Hash)
	if snap.Status != StatusFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}

	if s.Request(c) {
		t.Error("failed candidate should only retry on Rearm")
	}

	net.mu.Lock()
	net.chunks[c.Hash] = saved
	net.mu.Unlock()

	if n := s.Rearm(); n != 1 {
		t.Fatalf("rearmed %d, want 1", n)
	}

	waitFor(t, 2*time.Second, "recovery after rearm", func() bool { return sink.count() == 1 })

	if n := s.Rearm(); n != 0 {
		t.Errorf("second rearm queued %d, want 0", n)
	}
}

func TestScheduler_InvalidCandidateReported(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeNetwork(), newFakeSink())

	s.Request(&candidate.Candidate{Hash: candidate.Hash{1}})

	select {
	case err := <-s.Errors():
		if !errors.Is(err, candidate.ErrNoValidators) {
			t.Errorf("expected ErrNoValidators, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("invalid candidate not reported")
	}
}

func TestScheduler_CloseRefusesRequests(t *testing.T) {
	net := newFakeNetwork()
	s, err := NewScheduler(Config{}, net, nil, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Close()

	c, _ := newTestCandidate(t, net, 10, 0)
	if s.Request(c) {
		t.Error("closed scheduler should refuse requests")
	}
}

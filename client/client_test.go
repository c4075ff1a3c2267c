package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ShardRecovery/internal/api"
	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/recovery"
)

// fakeRecovery moves a candidate to Recovered after a few status reads.
type fakeRecovery struct {
	mu     sync.Mutex
	reads  int
	failed bool
}

func (f *fakeRecovery) Status(hash candidate.Hash) (recovery.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hash != (candidate.Hash{1}) {
		return recovery.Snapshot{}, false
	}

	f.reads++

	switch {
	case f.failed:
		return recovery.Snapshot{Candidate: hash, Status: recovery.StatusFailed, Err: errors.New("unrecoverable")}, true
	case f.reads < 3:
		return recovery.Snapshot{Candidate: hash, Status: recovery.StatusCollectingChunks, Held: f.reads}, true
	default:
		return recovery.Snapshot{Candidate: hash, Status: recovery.StatusRecovered}, true
	}
}

func (f *fakeRecovery) List() []recovery.Snapshot {
	return []recovery.Snapshot{{Candidate: candidate.Hash{1}, Status: recovery.StatusQueued}}
}

func (f *fakeRecovery) Counts() (int, int, int) { return 1, 0, 0 }

func (f *fakeRecovery) Rearm() int { return 2 }

// newTestClient starts an API server over rec and returns a client for it.
func newTestClient(t *testing.T, rec *fakeRecovery) *Client {
	t.Helper()

	srv := httptest.NewServer(api.New(":0", api.Sources{Recovery: rec}).Handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	return c
}

func TestClient_Status(t *testing.T) {
	c := newTestClient(t, &fakeRecovery{})

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if st.Active != 1 {
		t.Errorf("active = %d, want 1", st.Active)
	}
}

func TestClient_RecoveryUnknown(t *testing.T) {
	c := newTestClient(t, &fakeRecovery{})

	if _, err := c.Recovery(context.Background(), candidate.Hash{9}); !errors.Is(err, ErrUnknownCandidate) {
		t.Errorf("expected ErrUnknownCandidate, got %v", err)
	}
}

func TestClient_ListAndRearm(t *testing.T) {
	c := newTestClient(t, &fakeRecovery{})

	list, err := c.Recoveries(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(list) != 1 || list[0].Status != "queued" {
		t.Errorf("list = %+v", list)
	}

	n, err := c.Rearm(context.Background())
	if err != nil {
		t.Fatalf("rearm: %v", err)
	}

	if n != 2 {
		t.Errorf("rearmed = %d, want 2", n)
	}
}

func TestClient_WaitRecovered(t *testing.T) {
	c := newTestClient(t, &fakeRecovery{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := c.WaitRecovered(ctx, candidate.Hash{1}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !info.Recovered() {
		t.Errorf("status = %s", info.Status)
	}
}

func TestClient_WaitRecoveredFailed(t *testing.T) {
	c := newTestClient(t, &fakeRecovery{failed: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := c.WaitRecovered(ctx, candidate.Hash{1}, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected failure")
	}

	if info == nil || info.Error != "unrecoverable" {
		t.Errorf("info = %+v", info)
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	if _, err := NewClient("127.0.0.1:1"); err == nil {
		t.Error("expected error for unreachable node")
	}
}

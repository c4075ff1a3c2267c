package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/recovery"
	"ShardRecovery/internal/watcher"
)

// mockRecovery serves canned snapshots.
type mockRecovery struct {
	snaps  map[candidate.Hash]recovery.Snapshot
	rearms int
}

func (m *mockRecovery) Status(hash candidate.Hash) (recovery.Snapshot, bool) {
	s, ok := m.snaps[hash]
	return s, ok
}

func (m *mockRecovery) List() []recovery.Snapshot {
	out := make([]recovery.Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}

	return out
}

func (m *mockRecovery) Counts() (int, int, int) { return 2, 1, 1 }

func (m *mockRecovery) Rearm() int {
	m.rearms++
	return 1
}

type mockChain struct{}

func (mockChain) Head() (candidate.Hash, uint64) { return candidate.Hash{0xab}, 17 }

type mockHost struct{}

func (mockHost) Stats() watcher.Stats {
	return watcher.Stats{Best: candidate.Hash{0xcd}, BestNumber: 40, FinalizedNumber: 38, Deferred: 3}
}

type mockImport struct{}

func (mockImport) Pending() int { return 5 }

type mockPeers struct{}

func (mockPeers) PeerCount() int { return 4 }

type mockFaults struct{}

func (mockFaults) LastErrors() (string, string) { return "candidate 0102: unrecoverable", "" }

// newTestServer returns a server over mocks holding one active and one failed recovery.
func newTestServer() (*Server, *mockRecovery) {
	rec := &mockRecovery{snaps: map[candidate.Hash]recovery.Snapshot{
		{1}: {Candidate: candidate.Hash{1}, Status: recovery.StatusCollectingChunks, Threshold: 4, Held: 2, Requested: 2, Started: time.Now()},
		{2}: {Candidate: candidate.Hash{2}, Status: recovery.StatusFailed, Err: errors.New("no sources left")},
	}}

	return New(":0", Sources{
		Recovery: rec,
		Chain:    mockChain{},
		Host:     mockHost{},
		Import:   mockImport{},
		Peers:    mockPeers{},
		Faults:   mockFaults{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("shardrecovery_recoveries_active 2\n"))
		}),
	}), rec
}

// do runs a request against the server's routes.
func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := do(t, server, "GET", "/health")

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := do(t, server, "GET", "/status")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Head != (candidate.Hash{0xab}).String() || resp.HeadNumber != 17 {
		t.Errorf("head = %s/%d", resp.Head, resp.HeadNumber)
	}

	if resp.HostBestNumber != 40 || resp.HostFinalized != 38 || resp.Deferred != 3 {
		t.Errorf("host = %+v", resp)
	}

	if resp.Active != 2 || resp.Queued != 1 || resp.Failed != 1 || resp.PendingImport != 5 || resp.ConnectedPeers != 4 {
		t.Errorf("counts = %+v", resp)
	}

	if resp.LastRecovery != "candidate 0102: unrecoverable" || resp.LastImport != "" {
		t.Errorf("last errors = %q / %q", resp.LastRecovery, resp.LastImport)
	}

	if strings.Contains(w.Body.String(), "lastImportError") {
		t.Error("empty import error should be omitted")
	}
}

func TestStatusEndpoint_NoSources(t *testing.T) {
	server := New(":0", Sources{})

	if w := do(t, server, "GET", "/status"); w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	if w := do(t, server, "GET", "/recoveries"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	if w := do(t, server, "GET", "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without metrics, got %d", w.Code)
	}
}

func TestRecoveryEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := do(t, server, "GET", "/recovery/"+(candidate.Hash{1}).String())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp RecoveryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Status != recovery.StatusCollectingChunks.String() || resp.Held != 2 || resp.Threshold != 4 {
		t.Errorf("recovery = %+v", resp)
	}

	w = do(t, server, "GET", "/recovery/"+(candidate.Hash{2}).String())

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Error != "no sources left" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestRecoveryEndpoint_Errors(t *testing.T) {
	server, _ := newTestServer()

	if w := do(t, server, "GET", "/recovery/zz"); w.Code != http.StatusBadRequest {
		t.Errorf("bad hash: expected 400, got %d", w.Code)
	}

	if w := do(t, server, "GET", "/recovery/"+(candidate.Hash{9}).String()); w.Code != http.StatusNotFound {
		t.Errorf("unknown hash: expected 404, got %d", w.Code)
	}
}

func TestListEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := do(t, server, "GET", "/recoveries")

	var resp []RecoveryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(resp) != 2 {
		t.Errorf("expected 2 recoveries, got %d", len(resp))
	}
}

func TestRearmEndpoint(t *testing.T) {
	server, rec := newTestServer()

	if w := do(t, server, "GET", "/rearm"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /rearm: expected 405, got %d", w.Code)
	}

	w := do(t, server, "POST", "/rearm")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if rec.rearms != 1 {
		t.Errorf("rearms = %d, want 1", rec.rearms)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := do(t, server, "GET", "/metrics")

	if !strings.Contains(w.Body.String(), "shardrecovery_recoveries_active") {
		t.Errorf("metrics body = %q", w.Body.String())
	}
}

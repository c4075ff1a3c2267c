package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/importer"
	"ShardRecovery/internal/recovery"
)

var (
	_ recovery.Observer = (*Metrics)(nil)
	_ importer.Observer = (*Metrics)(nil)
)

// value reads a single counter or gauge.
func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)

	var pb dto.Metric
	if err := (<-ch).Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}

	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}

	return pb.Gauge.GetValue()
}

func TestMetrics_RecoveryLifecycle(t *testing.T) {
	m := New()
	h := candidate.Hash{1}

	m.RecoveryStarted(h)
	m.RecoveryStarted(h)
	m.RecoveryStarted(h)

	if got := value(t, m.active); got != 3 {
		t.Fatalf("active = %v, want 3", got)
	}

	m.RecoverySucceeded(h, true, 20*time.Millisecond)
	m.RecoveryFailed(h, fmt.Errorf("wrap: %w", recovery.ErrUnrecoverable))
	m.RecoveryCancelled(h)

	if got := value(t, m.active); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}

	if got := value(t, m.recovered.WithLabelValues("fast")); got != 1 {
		t.Errorf("fast recoveries = %v", got)
	}

	if got := value(t, m.failed.WithLabelValues("unrecoverable")); got != 1 {
		t.Errorf("unrecoverable failures = %v", got)
	}

	if got := value(t, m.cancelled); got != 1 {
		t.Errorf("cancelled = %v", got)
	}
}

func TestMetrics_ChunkOutcomes(t *testing.T) {
	m := New()
	h := candidate.Hash{1}

	m.ChunkRequested(h)
	m.ChunkRequested(h)
	m.ChunkAccepted(h)
	m.ChunkRejected(h, recovery.ErrInvalidProof)
	m.ChunkRejected(h, recovery.ErrRequestTimeout)

	for label, want := range map[string]float64{"requested": 2, "accepted": 1, "bad_proof": 1, "timeout": 1} {
		if got := value(t, m.chunks.WithLabelValues(label)); got != want {
			t.Errorf("%s = %v, want %v", label, got, want)
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ImportSucceeded(candidate.Hash{1})
	m.ImportRejected(candidate.Hash{2}, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	for _, want := range []string{"shardrecovery_imports_total 1", "shardrecovery_imports_rejected_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

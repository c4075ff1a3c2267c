package erasure

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

// randomBody returns size random bytes.
func randomBody(t *testing.T, size int) []byte {
	t.Helper()

	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}

	return b
}

func TestRecoveryThreshold(t *testing.T) {
	cases := map[int]int{
		0:    0,
		1:    1,
		2:    1,
		4:    2,
		10:   4,
		100:  34,
		1000: 334,
	}

	for n, want := range cases {
		if got := RecoveryThreshold(n); got != want {
			t.Errorf("RecoveryThreshold(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestEncodeReconstruct_AnyKChunks(t *testing.T) {
	body := randomBody(t, 1000)
	n, k := 10, RecoveryThreshold(10)

	chunks, _, err := Encode(body, n, k)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if len(chunks) != n {
		t.Fatalf("got %d chunks, want %d", len(chunks), n)
	}

	// Use only the last k chunks (all parity or mixed)
	subset := make(map[uint32][]byte)
	for _, c := range chunks[n-k:] {
		subset[c.Index] = c.Data
	}

	got, err := Reconstruct(subset, n, k)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Error("reconstructed body differs from original")
	}
}

func TestEncodeReconstruct_EmptyBody(t *testing.T) {
	chunks, _, err := Encode(nil, 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Reconstruct(map[uint32][]byte{1: chunks[1].Data, 3: chunks[3].Data}, 4, 2)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if len(got) != 0 {
		t.Errorf("got %d bytes, want 0", len(got))
	}
}

func TestEncode_LargeValidatorSet(t *testing.T) {
	body := randomBody(t, 4096)
	n := 300
	k := RecoveryThreshold(n)

	chunks, _, err := Encode(body, n, k)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	subset := make(map[uint32][]byte)
	for i := 0; i < k; i++ {
		c := chunks[n-1-i]
		subset[c.Index] = c.Data
	}

	got, err := Reconstruct(subset, n, k)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if !bytes.Equal(got, body) {
		t.Error("reconstructed body differs from original")
	}
}

func TestReconstruct_NotEnoughChunks(t *testing.T) {
	chunks, _, err := Encode([]byte("hello"), 10, 4)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	subset := map[uint32][]byte{0: chunks[0].Data, 5: chunks[5].Data, 9: chunks[9].Data}

	if _, err := Reconstruct(subset, 10, 4); !errors.Is(err, ErrNotEnoughChunks) {
		t.Errorf("expected ErrNotEnoughChunks, got %v", err)
	}
}

func TestReconstruct_InconsistentSizes(t *testing.T) {
	subset := map[uint32][]byte{0: make([]byte, 64), 1: make([]byte, 128)}

	if _, err := Reconstruct(subset, 4, 2); !errors.Is(err, ErrChunkSize) {
		t.Errorf("expected ErrChunkSize, got %v", err)
	}
}

func TestEncode_InvalidParameters(t *testing.T) {
	if _, _, err := Encode([]byte("x"), 1, 1); !errors.Is(err, ErrTooFewChunks) {
		t.Errorf("n=1: expected ErrTooFewChunks, got %v", err)
	}

	if _, _, err := Encode([]byte("x"), MaxChunks+1, 3); !errors.Is(err, ErrTooManyChunks) {
		t.Errorf("n too large: expected ErrTooManyChunks, got %v", err)
	}

	if _, _, err := Encode([]byte("x"), 4, 4); err == nil {
		t.Error("k == n should fail")
	}
}

func TestErasureRoot_MatchesEncode(t *testing.T) {
	body := []byte("some shard block")

	_, root, err := Encode(body, 7, 3)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	root2, err := ErasureRoot(body, 7, 3)
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	if root != root2 {
		t.Error("erasure root should be deterministic")
	}

	other, _ := ErasureRoot([]byte("another block"), 7, 3)
	if other == root {
		t.Error("different bodies should have different roots")
	}
}

package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	s, err := Open(filepath.Join(dir, "db"), Options{SyncInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestSetGetHas(t *testing.T) {
	s := newTestStorage(t)

	key := Key('b', []byte("block-1"))

	if ok, err := s.Has(key); err != nil || ok {
		t.Fatalf("Has before Set = %v, %v; want false, nil", ok, err)
	}

	if err := s.Set(key, []byte("body")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("body")) {
		t.Errorf("Get returned %q, want %q", got, "body")
	}

	if ok, err := s.Has(key); err != nil || !ok {
		t.Errorf("Has after Set = %v, %v; want true, nil", ok, err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestSetBatchWritesAndDeletes(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("old"), []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := s.SetBatch([]KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("old"), Value: nil},
	})
	if err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	for _, k := range []string{"a", "b"} {
		if ok, _ := s.Has([]byte(k)); !ok {
			t.Errorf("key %q should exist", k)
		}
	}

	if ok, _ := s.Has([]byte("old")); ok {
		t.Error("key old should be deleted by nil value")
	}
}

func TestIteratePrefixOrder(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"c3", "c1", "d1", "c2", "b9"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("c"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix: %v", err)
	}

	want := []string{"c1", "c2", "c3"}
	if len(keys) != len(want) {
		t.Fatalf("got keys %v, want %v", keys, want)
	}

	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestIteratePrefixStopsOnError(t *testing.T) {
	s := newTestStorage(t)

	s.Set([]byte("p1"), []byte("1"))
	s.Set([]byte("p2"), []byte("2"))

	stop := errors.New("stop")
	calls := 0

	err := s.IteratePrefix([]byte("p"), func(key, value []byte) error {
		calls++
		return stop
	})

	if !errors.Is(err, stop) {
		t.Errorf("expected stop error, got %v", err)
	}

	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestStorage(t)

	s.Set([]byte{0x05, 0x01}, []byte("a"))
	s.Set([]byte{0x05, 0xff}, []byte("b"))
	s.Set([]byte{0x06, 0x00}, []byte("c"))

	if err := s.DeletePrefix([]byte{0x05}); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	if ok, _ := s.Has([]byte{0x05, 0x01}); ok {
		t.Error("prefixed key should be deleted")
	}

	if ok, _ := s.Has([]byte{0x05, 0xff}); ok {
		t.Error("prefixed key should be deleted")
	}

	if ok, _ := s.Has([]byte{0x06, 0x00}); !ok {
		t.Error("key outside prefix should remain")
	}

	if err := s.DeletePrefix([]byte{0xff}); err == nil {
		t.Error("unbounded prefix should be refused")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}

	for _, c := range cases {
		got := prefixUpperBound(c.prefix)
		if !bytes.Equal(got, c.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", c.prefix, got, c.want)
		}
	}
}

func TestKey(t *testing.T) {
	got := Key('c', []byte{1, 2}, []byte{3})
	want := []byte{'c', 1, 2, 3}

	if !bytes.Equal(got, want) {
		t.Errorf("Key = %x, want %x", got, want)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Set([]byte("persist"), []byte("yes")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, _ := s2.Get([]byte("persist"))
	if !bytes.Equal(got, []byte("yes")) {
		t.Errorf("after reopen got %q, want yes", got)
	}
}

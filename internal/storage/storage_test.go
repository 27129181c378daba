package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// newTestStore creates a temporary store for testing.
func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := Open(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

func TestSetAndGet(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestSetSyncDurableRead(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	key := []byte("rep/peer-alpha")
	value := []byte(`{"score":0.52}`)

	if err := s.SetSync(key, value); err != nil {
		t.Fatalf("SetSync failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestDelete(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	key := []byte("to-delete")

	if err := s.Set(key, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestSetBatchSync(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("ledger/block/1"), Value: []byte("block-1")},
		{Key: []byte("ledger/block/2"), Value: []byte("block-2")},
		{Key: []byte("ledger/head"), Value: []byte("2")},
	}

	if err := s.SetBatchSync(pairs); err != nil {
		t.Fatalf("SetBatchSync failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}
}

func TestIteratePrefix(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("rep/alpha"), Value: []byte("a")},
		{Key: []byte("rep/beta"), Value: []byte("b")},
		{Key: []byte("ledger/block/1"), Value: []byte("x")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	var keys []string
	err := s.IteratePrefix([]byte("rep/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 2 {
		t.Fatalf("IteratePrefix visited %d keys, want 2: %v", len(keys), keys)
	}

	if keys[0] != "rep/alpha" || keys[1] != "rep/beta" {
		t.Errorf("IteratePrefix order wrong: %v", keys)
	}
}

func TestSetOverwrite(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	key := []byte("overwrite-key")

	if err := s.Set(key, []byte("first")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Set(key, []byte("second")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("second")) {
		t.Errorf("Get returned %q, want %q", got, "second")
	}
}

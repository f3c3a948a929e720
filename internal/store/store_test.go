package store

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get(SessionKey); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(SessionKey, []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, ok, err := s.Get(SessionKey)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != "v1" {
		t.Fatalf("unexpected value: %q", value)
	}

	// Upsert overwrites.
	if err := s.Put(SessionKey, []byte("v2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, _, _ = s.Get(SessionKey)
	if string(value) != "v2" {
		t.Fatalf("expected overwrite, got %q", value)
	}

	if err := s.Delete(SessionKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(SessionKey); ok {
		t.Fatalf("expected key to be gone")
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(SessionKey); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("k", []byte("persisted")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	value, ok, err := s2.Get("k")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(value) != "persisted" {
		t.Fatalf("unexpected value: %q", value)
	}
}

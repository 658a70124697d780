package mapstore

import (
	"errors"
	"testing"
)

func TestBuildBackendFromDSNSelectsFile(t *testing.T) {
	dir := t.TempDir()
	backend, err := BuildBackendFromDSN("file:"+dir, "someone@example.com", "cal-1")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	fb, ok := backend.(*FileBackend)
	if !ok {
		t.Fatalf("expected a FileBackend, got %T", backend)
	}
	if fb.Dir != dir {
		t.Fatalf("expected dir %q, got %q", dir, fb.Dir)
	}
}

func TestBuildBackendFromDSNBarePathIsFile(t *testing.T) {
	backend, err := BuildBackendFromDSN(t.TempDir(), "someone@example.com", "cal-1")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := backend.(*FileBackend); !ok {
		t.Fatalf("expected a FileBackend for a bare path, got %T", backend)
	}
}

func TestBuildBackendFromDSNSelectsMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory:", "someone@example.com", "cal-1")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := backend.(*InMemoryBackend); !ok {
		t.Fatalf("expected an InMemoryBackend, got %T", backend)
	}
}

func TestBuildBackendFromDSNSelectsSQLite(t *testing.T) {
	backend, err := BuildBackendFromDSN("sqlite:/tmp/calmirror-test.db", "someone@example.com", "cal-1")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := backend.(*SQLiteBackend); !ok {
		t.Fatalf("expected a SQLiteBackend, got %T", backend)
	}
}

func TestBuildBackendFromDSNRejections(t *testing.T) {
	if _, err := BuildBackendFromDSN("", "a", "c"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty DSN, got %v", err)
	}
	if _, err := BuildBackendFromDSN("mysql://user@host/db", "a", "c"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("gopher://x", "a", "c"); err == nil {
		t.Fatalf("expected an error for an unknown scheme")
	}
}

func TestRegisteredFactoryWins(t *testing.T) {
	marker := NewInMemoryBackend()
	RegisterBackendFactory("custom", func(dsn, account, calendar string) (Backend, error) {
		return marker, nil
	})
	backend, err := BuildBackendFromDSN("custom://anything", "a", "c")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend != Backend(marker) {
		t.Fatalf("expected the registered factory's backend")
	}
}

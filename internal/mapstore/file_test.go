package mapstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testBackend(t *testing.T) *FileBackend {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir(), "someone@example.com", "cal-1")
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	return backend
}

func sampleTable() *Table {
	id := "occ_1"
	table := NewTable()
	table.DataVersion = "v1"
	table.Entries["src-1"] = &Entry{
		ID:       "dst-1",
		LastSync: "2026-03-01T12:00:00Z",
		Exceptions: map[string]ExceptionRef{
			"2026-03-10": {ID: &id, LastSync: "2026-03-02T08:00:00Z"},
			"2026-03-17": {ID: nil},
		},
	}
	return table
}

func TestFileBackendRoundTrip(t *testing.T) {
	backend := testBackend(t)

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load on empty dir failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil table before first save")
	}

	if err := backend.Save(sampleTable()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err = backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	entry, ok := loaded.Entries["src-1"]
	if !ok {
		t.Fatalf("expected entry src-1 after round trip")
	}
	if entry.ID != "dst-1" || entry.LastSync != "2026-03-01T12:00:00Z" {
		t.Fatalf("entry fields did not survive: %+v", entry)
	}
	deleted, ok := entry.Exceptions["2026-03-17"]
	if !ok || deleted.ID != nil {
		t.Fatalf("expected a nil-id deleted exception, got %+v", deleted)
	}
	if loaded.DataVersion != "v1" {
		t.Fatalf("expected data version to survive, got %q", loaded.DataVersion)
	}
}

func TestFileBackendRejectsMangledFile(t *testing.T) {
	backend := testBackend(t)
	if err := os.MkdirAll(backend.Dir, 0o700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(backend.Path(), []byte(`{"entries":{"src-1":{"id":42}}}`), 0o600); err != nil {
		t.Fatalf("write mangled file failed: %v", err)
	}
	if _, err := backend.Load(); !errors.Is(err, ErrCorruptMapping) {
		t.Fatalf("expected ErrCorruptMapping, got %v", err)
	}
}

func TestFileBackendMigratesLegacyFile(t *testing.T) {
	backend := testBackend(t)
	legacy := `{
	  "src-1": {
	    "Id": "dst-1",
	    "LastSyncTimeStamp": "2016-04-02T10:00:00Z",
	    "ExceptionIds": {
	      "2016-04-09": {"Id": null, "LastSyncTimeStamp": ""}
	    }
	  }
	}`
	legacyPath := backend.legacyPath()
	if err := os.WriteFile(legacyPath, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy file failed: %v", err)
	}

	table, err := backend.Load()
	if err != nil {
		t.Fatalf("load with legacy file failed: %v", err)
	}
	entry, ok := table.Entries["src-1"]
	if !ok {
		t.Fatalf("expected migrated entry")
	}
	if entry.ID != "dst-1" || entry.LastSync != "2016-04-02T10:00:00Z" {
		t.Fatalf("migrated entry wrong: %+v", entry)
	}
	if ref, ok := entry.Exceptions["2016-04-09"]; !ok || ref.ID != nil {
		t.Fatalf("expected migrated deleted exception, got %+v", ref)
	}
	if _, err := os.Stat(legacyPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected legacy file removed after migration")
	}
	if _, err := os.Stat(backend.Path()); err != nil {
		t.Fatalf("expected current file written: %v", err)
	}
}

func TestFileBackendDropsStaleLegacyFile(t *testing.T) {
	backend := testBackend(t)
	if err := backend.Save(sampleTable()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	legacyPath := backend.legacyPath()
	if err := os.WriteFile(legacyPath, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write legacy file failed: %v", err)
	}

	table, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, ok := table.Entries["src-1"]; !ok {
		t.Fatalf("expected the current file to win over the stale legacy one")
	}
	if _, err := os.Stat(legacyPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale legacy file removed")
	}
}

func TestFileBackendSanitizesNames(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), "a b/c", "cal:1")
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	base := filepath.Base(backend.Path())
	if base != "a_b_c-cal_1.mapping.json" {
		t.Fatalf("unexpected sanitized name %q", base)
	}
}

func TestEntryByDestination(t *testing.T) {
	table := sampleTable()
	sourceID, entry, ok := table.EntryByDestination("dst-1")
	if !ok || sourceID != "src-1" || entry.ID != "dst-1" {
		t.Fatalf("expected lookup to find src-1, got %q %v %v", sourceID, entry, ok)
	}
	if _, _, ok := table.EntryByDestination("missing"); ok {
		t.Fatalf("expected lookup miss for unknown id")
	}
}

func TestInMemoryBackendClones(t *testing.T) {
	backend := NewInMemoryBackend()
	table := sampleTable()
	if err := backend.Save(table); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	table.Entries["src-1"].ID = "mutated"

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Entries["src-1"].ID != "dst-1" {
		t.Fatalf("expected the snapshot to be isolated from later mutation")
	}
}

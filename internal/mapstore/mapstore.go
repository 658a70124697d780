// Package mapstore persists the identity map linking source appointment ids
// to destination event ids. The map is the sole cross-store link: neither
// store is ever scanned for content matches.
package mapstore

import (
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrCorruptMapping = errors.New("mapping file does not match expected shape")
	ErrNotImplemented = errors.New("not implemented")
)

// ExceptionRef records one synced per-occurrence exception of a recurring
// series, keyed in Entry.Exceptions by the occurrence's original calendar
// date. A nil ID means the occurrence was synced as deleted.
type ExceptionRef struct {
	ID       *string `json:"id"`
	LastSync string  `json:"lastSync,omitempty"`
}

// Entry links one source appointment to its destination event. LastSync is
// the source item's modification timestamp as of the last successful sync,
// compared verbatim as a string.
type Entry struct {
	ID         string                  `json:"id"`
	LastSync   string                  `json:"lastSync"`
	Exceptions map[string]ExceptionRef `json:"exceptions,omitempty"`
}

// EnsureExceptions allocates the exception sub-table on first use.
func (e *Entry) EnsureExceptions() {
	if e.Exceptions == nil {
		e.Exceptions = map[string]ExceptionRef{}
	}
}

// Table is the full identity map for one (account, calendar) pair, loaded
// and saved as a unit per sync cycle.
type Table struct {
	// DataVersion is the data-shape version the map was last written under.
	// A mismatch with the engine's current version forces one full resync.
	DataVersion string `json:"dataVersion,omitempty"`
	// ForceFull requests that the next pass bypass the unchanged fast path.
	ForceFull bool              `json:"forceFull,omitempty"`
	Entries   map[string]*Entry `json:"entries"`
}

func NewTable() *Table {
	return &Table{Entries: map[string]*Entry{}}
}

func (t *Table) normalize() {
	if t.Entries == nil {
		t.Entries = map[string]*Entry{}
	}
}

// EntryByDestination finds the source id whose entry points at the given
// destination id. Used by the explicit delete operations.
func (t *Table) EntryByDestination(destID string) (string, *Entry, bool) {
	for sourceID, entry := range t.Entries {
		if entry != nil && entry.ID == destID {
			return sourceID, entry, true
		}
	}
	return "", nil, false
}

// Backend loads and saves a Table snapshot. Load returns (nil, nil) when no
// map has been persisted yet.
type Backend interface {
	Load() (*Table, error)
	Save(table *Table) error
}

type backendCloser interface {
	Close() error
}

// Close closes the backend if it holds external resources.
func Close(b Backend) error {
	if closer, ok := b.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot *Table
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*Table, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneTable(b.snapshot)
}

func (b *InMemoryBackend) Save(table *Table) error {
	if b == nil || table == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone, err := cloneTable(table)
	if err != nil {
		return err
	}
	b.snapshot = clone
	return nil
}

func cloneTable(table *Table) (*Table, error) {
	data, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	var clone Table
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	clone.normalize()
	return &clone, nil
}

package mapstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// mappingSchema guards against loading a mangled or foreign file as the
// identity map. A file that fails validation is reported, never silently
// replaced with an empty table.
const mappingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "dataVersion": {"type": "string"},
    "forceFull": {"type": "boolean"},
    "entries": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "lastSync": {"type": "string"},
          "exceptions": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "properties": {
                "id": {"type": ["string", "null"]},
                "lastSync": {"type": "string"}
              },
              "required": ["id"]
            }
          }
        },
        "required": ["id", "lastSync"]
      }
    }
  },
  "required": ["entries"]
}`

var (
	mappingSchemaOnce     sync.Once
	mappingSchemaCompiled *jsonschema.Schema
	mappingSchemaErr      error
)

func compiledMappingSchema() (*jsonschema.Schema, error) {
	mappingSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mappingSchema))
		if err != nil {
			mappingSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("mapping.schema.json", doc); err != nil {
			mappingSchemaErr = err
			return
		}
		mappingSchemaCompiled, mappingSchemaErr = compiler.Compile("mapping.schema.json")
	})
	return mappingSchemaCompiled, mappingSchemaErr
}

// FileBackend stores the identity map as one JSON file per
// (account, calendar) pair under Dir.
type FileBackend struct {
	Dir      string
	Account  string
	Calendar string
}

func NewFileBackend(dir, account, calendar string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: map directory is required", ErrInvalidInput)
	}
	if strings.TrimSpace(account) == "" || strings.TrimSpace(calendar) == "" {
		return nil, fmt.Errorf("%w: account and calendar are required", ErrInvalidInput)
	}
	return &FileBackend{Dir: dir, Account: account, Calendar: calendar}, nil
}

// Path is the current mapping file location.
func (b *FileBackend) Path() string {
	name := fmt.Sprintf("%s-%s.mapping.json", sanitizeName(b.Account), sanitizeName(b.Calendar))
	return filepath.Join(b.Dir, name)
}

// legacyPath is the pre-migration file name, derived from an unstable hash
// of the calendar id.
func (b *FileBackend) legacyPath() string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(b.Calendar))
	return filepath.Join(b.Dir, fmt.Sprintf("mapping-%08x.dat", hasher.Sum32()))
}

func (b *FileBackend) Load() (*Table, error) {
	if err := b.migrateLegacy(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	schema, err := compiledMappingSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMapping, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMapping, err)
	}
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMapping, err)
	}
	table.normalize()
	return &table, nil
}

func (b *FileBackend) Save(table *Table) error {
	if table == nil {
		return fmt.Errorf("%w: table is nil", ErrInvalidInput)
	}
	table.normalize()
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o700); err != nil {
		return err
	}
	return writeFileAtomic(b.Path(), data, 0o600)
}

// legacyEntry is the shape older releases persisted. A detected legacy file
// is converted to the current naming and shape once, then removed.
type legacyEntry struct {
	ID           string                        `json:"Id"`
	LastSync     string                        `json:"LastSyncTimeStamp"`
	ExceptionIDs map[string]legacyExceptionRef `json:"ExceptionIds"`
}

type legacyExceptionRef struct {
	ID       *string `json:"Id"`
	LastSync string  `json:"LastSyncTimeStamp"`
}

func (b *FileBackend) migrateLegacy() error {
	legacy := b.legacyPath()
	data, err := os.ReadFile(legacy)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, err := os.Stat(b.Path()); err == nil {
		// Current file already exists; the legacy one is stale.
		return os.Remove(legacy)
	}

	var entries map[string]legacyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: legacy mapping: %v", ErrCorruptMapping, err)
	}
	table := NewTable()
	for sourceID, old := range entries {
		entry := &Entry{ID: old.ID, LastSync: old.LastSync}
		for date, ref := range old.ExceptionIDs {
			entry.EnsureExceptions()
			entry.Exceptions[date] = ExceptionRef{ID: ref.ID, LastSync: ref.LastSync}
		}
		table.Entries[sourceID] = entry
	}
	if err := b.Save(table); err != nil {
		return err
	}
	return os.Remove(legacy)
}

func sanitizeName(name string) string {
	var out strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '@':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}
	return out.String()
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/membank-ai/membank/internal/errors"
)

// IndexedIDs is the set of record IDs already covered by the index.
// It may be a superset of the metadata's parent IDs while deletions
// wait for the next full rebuild.
type IndexedIDs map[string]bool

// LoadIndexedIDs reads the set from disk; missing file means empty set.
func LoadIndexedIDs(path string) (IndexedIDs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return IndexedIDs{}, nil
		}
		return nil, errors.New(errors.ErrCodeFileNotFound, "read indexed-ids file", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, errors.New(errors.ErrCodeStoreWrite, "corrupt indexed-ids file", err)
	}

	set := make(IndexedIDs, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// Save writes the set atomically as a sorted JSON array.
func (s IndexedIDs) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create state directory", err)
	}

	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "marshal indexed ids", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "write temp indexed-ids file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "publish indexed-ids file", err)
	}
	return nil
}

// DirtyFlag is the marker file signalling that the index no longer
// matches the record store.
type DirtyFlag struct {
	path string
}

// NewDirtyFlag returns a flag handle for the given path.
func NewDirtyFlag(path string) *DirtyFlag {
	return &DirtyFlag{path: path}
}

// Path returns the flag file location.
func (f *DirtyFlag) Path() string { return f.path }

// Set creates the flag file.
func (f *DirtyFlag) Set() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create flag directory", err)
	}
	return os.WriteFile(f.path, []byte(time.Now().Format(time.RFC3339)), 0o644)
}

// Clear removes the flag file. Clearing an absent flag is not an error.
func (f *DirtyFlag) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsSet reports whether the flag file exists.
func (f *DirtyFlag) IsSet() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Rebuild status values.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StatusRecord is the externally visible rebuild state.
type StatusRecord struct {
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
}

// StatusFile persists StatusRecord snapshots.
type StatusFile struct {
	path string
}

// NewStatusFile returns a handle for the given path.
func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

// Write persists a status snapshot, stamping it with the current time.
func (sf *StatusFile) Write(status string, progress float64, message string) error {
	rec := StatusRecord{
		Status:    status,
		Progress:  progress,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create status directory", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "marshal status record", err)
	}

	tmp := sf.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "write temp status file", err)
	}
	if err := os.Rename(tmp, sf.path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "publish status file", err)
	}
	return nil
}

// Read returns the last status snapshot. A missing file reads as idle.
func (sf *StatusFile) Read() (StatusRecord, error) {
	data, err := os.ReadFile(sf.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusRecord{Status: StatusIdle}, nil
		}
		return StatusRecord{}, errors.New(errors.ErrCodeFileNotFound, "read status file", err)
	}

	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return StatusRecord{}, errors.New(errors.ErrCodeStoreWrite, "corrupt status file", err)
	}
	return rec, nil
}

package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/membank-ai/membank/internal/errors"
)

// Store is the durable record log. Records live in a single JSON array
// file; every mutation rewrites the file atomically (tmp + rename).
// One Store per process guards the file with its mutex.
type Store struct {
	path string

	mu      sync.Mutex
	records []Record
	byID    map[string]int
}

// OpenStore loads the record file at path, creating an empty store when
// the file does not exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		byID: make(map[string]int),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, errors.New(errors.ErrCodeStoreWrite,
			fmt.Sprintf("corrupt record file %s", path), err)
	}

	for i, r := range s.records {
		if _, dup := s.byID[r.ID]; dup {
			return nil, errors.New(errors.ErrCodeDuplicateRecord,
				fmt.Sprintf("duplicate record id %q in %s", r.ID, path), nil)
		}
		s.byID[r.ID] = i
	}

	return s, nil
}

// Append validates and appends a record, rejecting duplicate IDs.
func (s *Store) Append(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[rec.ID]; dup {
		return errors.New(errors.ErrCodeDuplicateRecord,
			fmt.Sprintf("record id %q already exists", rec.ID), nil)
	}

	s.records = append(s.records, rec)
	s.byID[rec.ID] = len(s.records) - 1

	if err := s.save(); err != nil {
		// Roll back the in-memory append so memory matches disk.
		s.records = s.records[:len(s.records)-1]
		delete(s.byID, rec.ID)
		return err
	}
	return nil
}

// Update replaces the record with the same ID.
func (s *Store) Update(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[rec.ID]
	if !ok {
		return errors.New(errors.ErrCodeFileNotFound,
			fmt.Sprintf("record %q not found", rec.ID), nil)
	}

	old := s.records[i]
	s.records[i] = rec
	if err := s.save(); err != nil {
		s.records[i] = old
		return err
	}
	return nil
}

// Delete removes the records with the given IDs and reports how many
// were actually present.
func (s *Store) Delete(ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.byID[id]; ok {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	oldRecords := s.records
	oldByID := s.byID

	kept := make([]Record, 0, len(s.records)-len(drop))
	byID := make(map[string]int, len(s.records)-len(drop))
	for _, r := range s.records {
		if drop[r.ID] {
			continue
		}
		byID[r.ID] = len(kept)
		kept = append(kept, r)
	}
	s.records = kept
	s.byID = byID

	if err := s.save(); err != nil {
		s.records = oldRecords
		s.byID = oldByID
		return 0, err
	}
	return len(drop), nil
}

// Get returns the record with the given ID.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Has reports whether a record ID exists.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// List returns a copy of all records in insertion order.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// save writes the record list atomically. Callers hold s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create data directory", err)
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "marshal records", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "write temp record file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "publish record file", err)
	}
	return nil
}

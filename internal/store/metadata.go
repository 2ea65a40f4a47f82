package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/journal"
)

// SaveMetadata writes the metadata list atomically. The list order must
// match vector insertion order: metadata[i] describes index position i.
func SaveMetadata(path string, chunks []journal.SubChunk) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "create metadata directory", err)
	}

	if chunks == nil {
		chunks = []journal.SubChunk{}
	}
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "marshal metadata", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeStoreWrite, "write temp metadata file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.ErrCodeStoreWrite, "publish metadata file", err)
	}
	return nil
}

// LoadMetadata reads the metadata list. A missing file yields an empty
// list.
func LoadMetadata(path string) ([]journal.SubChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.ErrCodeCorruptIndex, "read metadata file", err)
	}

	var chunks []journal.SubChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("corrupt metadata file %s", path), err)
	}
	return chunks, nil
}

package journal

import (
	"encoding/json"
	"strings"
)

// SubChunk is one indexable unit of a record. An unsplit record maps to a
// single sub-chunk carrying the record's own ID; split records produce
// {record_id}_part_{k} chunks with provenance fields.
type SubChunk struct {
	ID      string
	Source  string
	Date    string
	Content string

	// Provenance, set only when the parent record was split.
	OriginalID  string
	SplitIndex  int
	TotalSplits int

	// Extra carries the parent record's unmapped keys.
	Extra map[string]any
}

var knownChunkKeys = map[string]bool{
	"id":            true,
	"source":        true,
	"date":          true,
	"content":       true,
	"_original_id":  true,
	"_split_index":  true,
	"_total_splits": true,
}

// IsSplit reports whether this chunk is a fragment of a split record.
func (c SubChunk) IsSplit() bool {
	return c.OriginalID != ""
}

// ParentID returns the originating record's ID.
func (c SubChunk) ParentID() string {
	if c.OriginalID != "" {
		return c.OriginalID
	}
	return c.ID
}

// IsVoice reports whether the chunk came from a voice-authored record.
func (c SubChunk) IsVoice() bool {
	return c.Source == "voice" || strings.HasPrefix(c.ParentID(), "voice_")
}

// MarshalJSON flattens Extra and omits provenance for unsplit chunks.
func (c SubChunk) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+7)
	for k, v := range c.Extra {
		if !knownChunkKeys[k] {
			m[k] = v
		}
	}
	m["id"] = c.ID
	m["source"] = c.Source
	m["date"] = c.Date
	m["content"] = c.Content
	if c.IsSplit() {
		m["_original_id"] = c.OriginalID
		m["_split_index"] = c.SplitIndex
		m["_total_splits"] = c.TotalSplits
	}
	return json.Marshal(m)
}

// UnmarshalJSON pulls the named fields and keeps the rest in Extra.
func (c *SubChunk) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.ID = stringKey(m, "id")
	c.Source = stringKey(m, "source")
	c.Date = stringKey(m, "date")
	c.Content = stringKey(m, "content")
	c.OriginalID = stringKey(m, "_original_id")
	c.SplitIndex = intKey(m, "_split_index")
	c.TotalSplits = intKey(m, "_total_splits")

	c.Extra = nil
	for k, v := range m {
		if knownChunkKeys[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return nil
}

func intKey(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

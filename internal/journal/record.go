// Package journal holds the record data model and the append-only JSON
// record store that every other component reads from.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/membank-ai/membank/internal/errors"
)

// Record is a single journal entry, typically a voice-transcribed note.
// Unknown JSON keys survive load/store round-trips via Extra.
type Record struct {
	ID             string
	Source         string
	Date           string // YYYY-MM-DD or empty
	Time           string // HH:MM, optional
	Content        string
	ConversationID string
	UserID         string

	// Extra holds keys not covered by the named fields.
	Extra map[string]any
}

// knownRecordKeys are the JSON keys mapped to named Record fields.
var knownRecordKeys = map[string]bool{
	"id":              true,
	"source":          true,
	"date":            true,
	"time":            true,
	"content":         true,
	"conversation_id": true,
	"user_id":         true,
}

// MarshalJSON flattens Extra alongside the named fields.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+7)
	for k, v := range r.Extra {
		if !knownRecordKeys[k] {
			m[k] = v
		}
	}
	m["id"] = r.ID
	m["source"] = r.Source
	m["date"] = r.Date
	m["content"] = r.Content
	if r.Time != "" {
		m["time"] = r.Time
	}
	if r.ConversationID != "" {
		m["conversation_id"] = r.ConversationID
	}
	if r.UserID != "" {
		m["user_id"] = r.UserID
	}
	return json.Marshal(m)
}

// UnmarshalJSON pulls the named fields and keeps the rest in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.ID = stringKey(m, "id")
	r.Source = stringKey(m, "source")
	r.Date = stringKey(m, "date")
	r.Time = stringKey(m, "time")
	r.Content = stringKey(m, "content")
	r.ConversationID = stringKey(m, "conversation_id")
	r.UserID = stringKey(m, "user_id")

	r.Extra = nil
	for k, v := range m {
		if knownRecordKeys[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	return nil
}

func stringKey(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// IsVoice reports whether the record was authored by voice capture.
func (r Record) IsVoice() bool {
	return r.Source == "voice" || len(r.ID) >= 6 && r.ID[:6] == "voice_"
}

// Validate checks the record for ingest.
func (r Record) Validate() error {
	if r.ID == "" {
		return errors.ValidationError("record id cannot be empty", nil)
	}
	if r.Content == "" {
		return errors.ValidationError("record content cannot be empty", nil)
	}
	if err := ValidateDate(r.Date); err != nil {
		return err
	}
	return nil
}

// ValidateDate accepts an empty date or a strict YYYY-MM-DD value.
func ValidateDate(date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return errors.New(errors.ErrCodeInvalidDate,
			fmt.Sprintf("date must be YYYY-MM-DD, got %q", date), err)
	}
	return nil
}

// NewRecordID builds a sortable voice-record ID for the given timestamp.
// exists reports whether an ID is already taken; collisions within the
// same second get a numeric suffix.
func NewRecordID(now time.Time, exists func(string) bool) string {
	base := "voice_" + now.Format("20060102_150405")
	if exists == nil || !exists(base) {
		return base
	}
	for i := 1; ; i++ {
		id := fmt.Sprintf("%s-%d", base, i)
		if !exists(id) {
			return id
		}
	}
}

// Package chunk splits journal records into indexable sub-chunks.
//
// Long records are cut by a recursive character splitter that prefers
// paragraph breaks, then line breaks, then CJK sentence punctuation,
// before falling back to raw character windows. Sizes are measured in
// runes so Chinese text is not penalized by UTF-8 byte length.
package chunk

import (
	"fmt"
	"strings"

	"github.com/membank-ai/membank/internal/journal"
)

// DefaultChunkSize and DefaultChunkOverlap are in runes.
const (
	DefaultChunkSize    = 600
	DefaultChunkOverlap = 100
)

// DefaultSeparators are tried in order; the empty string means
// character-level splitting and always matches.
var DefaultSeparators = []string{"\n\n", "\n", "。", "！", "？", "；", " ", ""}

// Splitter is a recursive character text splitter.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewSplitter returns a splitter with the default window configuration.
func NewSplitter() *Splitter {
	return &Splitter{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		Separators:   DefaultSeparators,
	}
}

// Split cuts text into windows of at most ChunkSize runes, overlapping
// by roughly ChunkOverlap runes. Short text comes back as one window.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if runeLen(text) <= s.ChunkSize {
		return []string{text}
	}
	out := s.split(text, s.Separators)
	if len(out) == 0 {
		// Splitting produced nothing usable, keep the text whole.
		return []string{text}
	}
	return out
}

// SplitRecord converts a record into its sub-chunks. Records that fit a
// single window keep the record's own ID and content; split records get
// {id}_part_{k} IDs with provenance fields.
func (s *Splitter) SplitRecord(rec journal.Record) []journal.SubChunk {
	windows := s.Split(rec.Content)
	if len(windows) <= 1 {
		return []journal.SubChunk{{
			ID:      rec.ID,
			Source:  rec.Source,
			Date:    rec.Date,
			Content: rec.Content,
			Extra:   rec.Extra,
		}}
	}

	chunks := make([]journal.SubChunk, len(windows))
	for k, w := range windows {
		chunks[k] = journal.SubChunk{
			ID:          fmt.Sprintf("%s_part_%d", rec.ID, k),
			Source:      rec.Source,
			Date:        rec.Date,
			Content:     w,
			OriginalID:  rec.ID,
			SplitIndex:  k,
			TotalSplits: len(windows),
			Extra:       rec.Extra,
		}
	}
	return chunks
}

// split recursively cuts text using the first separator present in it.
func (s *Splitter) split(text string, separators []string) []string {
	sep := ""
	rest := separators
	for i, candidate := range separators {
		if candidate == "" {
			sep = ""
			rest = nil
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	splits := splitKeepSep(text, sep)

	var out []string
	var good []string
	for _, piece := range splits {
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// merge greedily joins adjacent splits into windows of at most
// ChunkSize runes, carrying a tail of up to ChunkOverlap runes into the
// next window.
func (s *Splitter) merge(splits []string) []string {
	var out []string
	var window []string
	total := 0

	flush := func() {
		if len(window) == 0 {
			return
		}
		doc := strings.TrimSpace(strings.Join(window, ""))
		if doc != "" {
			out = append(out, doc)
		}
	}

	for _, piece := range splits {
		n := runeLen(piece)
		if total+n > s.ChunkSize && total > 0 {
			flush()
			// Drop leading pieces until the retained tail fits the
			// overlap budget and leaves room for the next piece.
			for total > s.ChunkOverlap || (total+n > s.ChunkSize && total > 0) {
				total -= runeLen(window[0])
				window = window[1:]
			}
		}
		window = append(window, piece)
		total += n
	}
	flush()
	return out
}

// splitKeepSep splits text on sep, keeping the separator attached to
// the preceding piece. An empty separator yields individual runes.
func splitKeepSep(text, sep string) []string {
	if sep == "" {
		runes := []rune(text)
		out := make([]string, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out
	}

	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

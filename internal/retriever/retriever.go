// Package retriever implements hybrid retrieval over the vector index
// and its metadata list: an exact keyword pass for short queries, a
// vector pass with an adaptively widened candidate pool, post-retrieval
// cleansing for precise entity queries, and a one-shot relaxation that
// drops the date filter when nothing matches.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/membank-ai/membank/internal/datefilter"
	"github.com/membank-ai/membank/internal/embed"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/store"
)

// Result origins.
const (
	OriginKeyword = "keyword_match"
	OriginVector  = "vector_search"
)

// Result is one retrieval hit.
type Result struct {
	Chunk    journal.SubChunk
	Distance float32
	Origin   string
}

// Snapshot is an immutable (index, metadata) pair. Metadata position i
// describes index position i; the pair is always published together.
type Snapshot struct {
	Index    *store.VectorIndex
	Metadata []journal.SubChunk
}

// Empty reports whether the snapshot has nothing to search.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Metadata) == 0
}

// LoadSnapshot reads the index and metadata from disk and verifies
// their sizes agree. Both files missing yields an empty snapshot; a
// size mismatch is fatal.
func LoadSnapshot(indexPath, metadataPath string) (*Snapshot, error) {
	metadata, err := store.LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	index, err := store.LoadVectorIndex(indexPath)
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeFileNotFound {
			if len(metadata) != 0 {
				return nil, errors.New(errors.ErrCodeIndexMismatch,
					fmt.Sprintf("metadata has %d entries but index file is missing", len(metadata)), nil)
			}
			return &Snapshot{}, nil
		}
		return nil, err
	}

	if index.NTotal() != len(metadata) {
		return nil, errors.New(errors.ErrCodeIndexMismatch,
			fmt.Sprintf("index has %d vectors but metadata has %d entries",
				index.NTotal(), len(metadata)), nil)
	}

	return &Snapshot{Index: index, Metadata: metadata}, nil
}

// Retriever serves hybrid searches against the latest published
// snapshot. Publish swaps snapshots atomically, so in-flight searches
// keep the pair they started with.
type Retriever struct {
	embedder embed.Embedder
	logger   *slog.Logger

	// Now is injectable for deterministic date-filter parsing.
	Now func() time.Time

	snap atomic.Pointer[Snapshot]
}

// New creates a retriever with no snapshot published yet.
func New(embedder embed.Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		logger:   logger,
		Now:      time.Now,
	}
}

// Publish swaps in a new snapshot for subsequent searches.
func (r *Retriever) Publish(snap *Snapshot) {
	r.snap.Store(snap)
}

// Snapshot returns the currently published snapshot, possibly nil.
func (r *Retriever) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Search runs the hybrid retrieval flow and returns at most k results,
// keyword hits first. An applied date filter that matches nothing
// triggers exactly one retry without the filter.
func (r *Retriever) Search(ctx context.Context, query, dateFilter string, k int) ([]Result, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, errors.New(errors.ErrCodeQueryEmpty, "query cannot be empty", nil)
	}
	if k <= 0 {
		k = 10
	}

	snap := r.snap.Load()
	if snap.Empty() {
		return nil, nil
	}

	rng, hasFilter := datefilter.Parse(dateFilter, r.Now())
	if dateFilter != "" && !hasFilter {
		r.logger.Warn("unparseable date filter, searching without it",
			"date_filter", dateFilter)
	}

	results, err := r.searchOnce(ctx, snap, trimmed, rng, hasFilter, k)
	if err != nil {
		return nil, err
	}

	// One-shot relaxation: drop the date filter and retry, never recurse.
	if len(results) == 0 && hasFilter {
		r.logger.Info("no results with date filter, relaxing",
			"query", trimmed, "date_filter", dateFilter)
		return r.searchOnce(ctx, snap, trimmed, datefilter.Range{}, false, k)
	}
	return results, nil
}

func (r *Retriever) searchOnce(ctx context.Context, snap *Snapshot, query string, rng datefilter.Range, hasFilter bool, k int) ([]Result, error) {
	var keywordHits, vectorHits []Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Short queries look like names or proper nouns; scan for them
		// directly so rare entities are never lost to vector recall.
		if runeLen(query) < 20 {
			keywordHits = keywordPass(snap, query, rng, hasFilter)
		}
		return nil
	})
	g.Go(func() error {
		hits, err := r.vectorPass(gctx, snap, query, rng, hasFilter, k)
		if err != nil {
			// Vector failure degrades to keyword-only results.
			r.logger.Warn("vector search failed", "error", err)
			return nil
		}
		vectorHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectorHits = cleanse(query, vectorHits, r.logger)

	// Merge keyword-first, dedupe by chunk ID, truncate to k.
	seen := make(map[string]bool, len(keywordHits)+len(vectorHits))
	merged := make([]Result, 0, len(keywordHits)+len(vectorHits))
	for _, hit := range keywordHits {
		if hit.Chunk.ID == "" || seen[hit.Chunk.ID] {
			continue
		}
		seen[hit.Chunk.ID] = true
		merged = append(merged, hit)
	}
	for _, hit := range vectorHits {
		if hit.Chunk.ID == "" || seen[hit.Chunk.ID] {
			continue
		}
		seen[hit.Chunk.ID] = true
		merged = append(merged, hit)
	}
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// keywordPass scans the metadata list for exact substring matches.
// Multi-word queries require every token; hits carry distance 0 and
// keep metadata-list order.
func keywordPass(snap *Snapshot, query string, rng datefilter.Range, hasFilter bool) []Result {
	queryLower := strings.ToLower(query)
	tokens := strings.Fields(query)
	multiWord := len(tokens) > 1

	var hits []Result
	for _, item := range snap.Metadata {
		if item.Content == "" {
			continue
		}
		contentLower := strings.ToLower(item.Content)

		var match bool
		if multiWord {
			match = true
			for _, tok := range tokens {
				if !strings.Contains(contentLower, strings.ToLower(tok)) {
					match = false
					break
				}
			}
		} else {
			match = strings.Contains(contentLower, queryLower)
		}
		if !match {
			continue
		}
		if hasFilter && !rng.Contains(item.Date) {
			continue
		}
		hits = append(hits, Result{Chunk: item, Distance: 0, Origin: OriginKeyword})
	}
	return hits
}

// vectorPass embeds the query and searches the index. With a date
// filter the candidate pool widens by filter narrowness so enough
// survivors remain after filtering.
func (r *Retriever) vectorPass(ctx context.Context, snap *Snapshot, query string, rng datefilter.Range, hasFilter bool, k int) ([]Result, error) {
	if snap.Index == nil || snap.Index.NTotal() == 0 {
		return nil, nil
	}

	searchK := k
	if hasFilter {
		switch rng.Kind {
		case datefilter.KindExactDay:
			searchK = k * 200
		case datefilter.KindDekad:
			searchK = k * 100
		default:
			searchK = k * 50
		}
	}
	if n := snap.Index.NTotal(); searchK > n {
		searchK = n
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	raw, err := snap.Index.Search(vec, searchK)
	if err != nil {
		return nil, err
	}

	var hits []Result
	for _, h := range raw {
		if h.Position >= uint64(len(snap.Metadata)) {
			continue
		}
		item := snap.Metadata[h.Position]
		if hasFilter && !rng.Contains(item.Date) {
			continue
		}
		hits = append(hits, Result{Chunk: item, Distance: h.Distance, Origin: OriginVector})
		if len(hits) >= k {
			break
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// genericWords mark broad "show me my stuff" queries for which
// voice-authored records are never cleansed away.
var genericWords = map[string]bool{
	"记录": true, "内容": true, "voice": true, "录音": true, "语音": true,
	"备忘": true, "最近": true, "什么": true, "哪些": true, "有什么": true,
}

// cleanse drops vector hits that cannot support a precise entity query
// (under 15 runes). Voice records get looser rules: generic queries
// keep them all, otherwise any query token longer than one rune must
// appear in the content. Other records must contain the longest token.
func cleanse(query string, hits []Result, logger *slog.Logger) []Result {
	if runeLen(query) >= 15 {
		return hits
	}

	tokens := strings.Fields(query)
	longest := query
	if len(tokens) > 0 {
		longest = tokens[0]
		for _, tok := range tokens {
			if runeLen(tok) > runeLen(longest) {
				longest = tok
			}
		}
	}
	longestLower := strings.ToLower(longest)

	genericQuery := runeLen(query) <= 6 ||
		strings.Contains(query, "最近") || strings.Contains(query, "什么")
	if !genericQuery {
		for _, tok := range tokens {
			if genericWords[strings.ToLower(tok)] {
				genericQuery = true
				break
			}
		}
	}

	kept := hits[:0]
	for _, hit := range hits {
		content := hit.Chunk.Content
		if content == "" {
			logger.Warn("dropping result with empty content", "id", hit.Chunk.ID)
			continue
		}
		contentLower := strings.ToLower(content)

		if hit.Chunk.IsVoice() {
			if genericQuery {
				kept = append(kept, hit)
				continue
			}
			anyToken := false
			for _, tok := range tokens {
				if runeLen(tok) > 1 && strings.Contains(contentLower, strings.ToLower(tok)) {
					anyToken = true
					break
				}
			}
			if !anyToken {
				logger.Warn("dropping voice record without query keywords",
					"id", hit.Chunk.ID, "query", query)
				continue
			}
			kept = append(kept, hit)
			continue
		}

		if !strings.Contains(contentLower, longestLower) {
			logger.Warn("dropping result without core entity",
				"id", hit.Chunk.ID, "entity", longest, "query", query)
			continue
		}
		kept = append(kept, hit)
	}
	return kept
}

func runeLen(s string) int {
	return len([]rune(s))
}

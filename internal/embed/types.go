// Package embed provides text embedding via a remote OpenAI-compatible
// backend, with retry on transient failures and an in-memory LRU cache.
package embed

import "context"

// Embedder converts text into dense vectors.
//
// All vectors from one embedder share a single dimension, pinned on the
// first successful call. Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the pinned vector dimension, or 0 before the
	// first successful call.
	Dimensions() int

	// Close releases resources.
	Close() error
}

// CacheStats reports embedding cache effectiveness.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// HitRate returns the fraction of lookups served from cache.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
